package config

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/kvsync/logging"
	"github.com/vinayprograms/kvsync/state"
	"github.com/vinayprograms/kvsync/telemetry"
)

// OpenedStore is a store built from configuration together with whatever
// it owns, such as the NATS connection.
type OpenedStore struct {
	state.Store

	// File is set when the backend is a TOML file, so callers can start
	// its watcher.
	File *state.FileStore

	// PollInterval is the configured file poll interval.
	PollInterval time.Duration

	// Streams is set when a DynamoDB stream poller feeds the store. It runs
	// until Close.
	Streams *state.StreamPoller

	conn    *nats.Conn
	stop    context.CancelFunc
	polling sync.WaitGroup
}

// runPoller starts p and hands its lifetime to Close.
func (o *OpenedStore) runPoller(p *state.StreamPoller) {
	ctx, cancel := context.WithCancel(context.Background())
	o.Streams = p
	o.stop = cancel
	o.polling.Add(1)
	go func() {
		defer o.polling.Done()
		p.Run(ctx)
	}()
}

// Close stops any stream poller, closes the store and then any connection
// it owns.
func (o *OpenedStore) Close() error {
	if o.stop != nil {
		o.stop()
		o.polling.Wait()
	}
	err := o.Store.Close()
	if o.conn != nil {
		o.conn.Close()
	}
	return err
}

// OpenStore builds the configured backend.
func OpenStore(ctx context.Context, cfg StoreConfig, logger *logging.Logger) (*OpenedStore, error) {
	logger = logging.OrDefault(logger, "config")

	switch strings.ToLower(cfg.Backend) {
	case "", BackendMemory:
		logger.Info("store opened", map[string]interface{}{"backend": BackendMemory})
		return &OpenedStore{Store: state.NewMemoryStore()}, nil

	case BackendFile:
		interval, err := parseDuration("store.file.poll_interval", cfg.File.PollInterval)
		if err != nil {
			return nil, err
		}
		fs, err := state.NewFileStore(cfg.File.Path)
		if err != nil {
			return nil, err
		}
		logger.Info("store opened", map[string]interface{}{"backend": BackendFile, "path": cfg.File.Path})
		return &OpenedStore{Store: fs, File: fs, PollInterval: interval}, nil

	case BackendNATS:
		opts, err := buildNATSOptions(cfg.NATS)
		if err != nil {
			return nil, err
		}
		conn, err := nats.Connect(cfg.NATS.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		timeout, err := parseDuration("store.nats.timeout", cfg.NATS.Timeout)
		if err != nil {
			conn.Close()
			return nil, err
		}
		ns, err := state.NewNATSStore(state.NATSStoreConfig{
			Conn:    conn,
			Bucket:  cfg.NATS.Bucket,
			History: cfg.NATS.History,
			Timeout: timeout,
		})
		if err != nil {
			conn.Close()
			return nil, err
		}
		logger.Info("store opened", map[string]interface{}{
			"backend": BackendNATS,
			"url":     cfg.NATS.URL,
			"bucket":  ns.Bucket(),
		})
		return &OpenedStore{Store: ns, conn: conn}, nil

	case BackendDynamoDB:
		timeout, err := parseDuration("store.dynamodb.timeout", cfg.DynamoDB.Timeout)
		if err != nil {
			return nil, err
		}
		client, err := state.NewDynamoClient(ctx, cfg.DynamoDB.Region, cfg.DynamoDB.Profile, cfg.DynamoDB.Endpoint)
		if err != nil {
			return nil, err
		}
		ds, err := state.NewDynamoStore(state.DynamoStoreConfig{
			Client:         client,
			Table:          cfg.DynamoDB.Table,
			ConsistentRead: cfg.DynamoDB.ConsistentRead,
			Timeout:        timeout,
		})
		if err != nil {
			return nil, err
		}
		opened := &OpenedStore{Store: ds}
		fields := map[string]interface{}{"backend": BackendDynamoDB, "table": ds.Table()}
		if cfg.DynamoDB.Stream {
			streams, err := state.NewDynamoStreamsClient(ctx, cfg.DynamoDB.Region, cfg.DynamoDB.Profile, cfg.DynamoDB.Endpoint)
			if err != nil {
				ds.Close()
				return nil, err
			}
			p, err := newStreamPoller(ctx, cfg.DynamoDB, ds, client, streams, logger)
			if err != nil {
				ds.Close()
				return nil, err
			}
			opened.runPoller(p)
			fields["stream"] = p.StreamARN()
		}
		logger.Info("store opened", fields)
		return opened, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// newStreamPoller builds the poller that feeds ds from the table stream.
func newStreamPoller(ctx context.Context, cfg DynamoDBConfig, ds *state.DynamoStore, tables state.TableDescriber, streams state.StreamsAPI, logger *logging.Logger) (*state.StreamPoller, error) {
	interval, err := parseDuration("store.dynamodb.stream_poll_interval", cfg.StreamPollInterval)
	if err != nil {
		return nil, err
	}
	arn := cfg.StreamARN
	if arn == "" {
		arn, err = state.LatestStreamARN(ctx, tables, cfg.Table)
		if err != nil {
			return nil, fmt.Errorf("%w (set store.dynamodb.stream = false if a Lambda trigger feeds the store)", err)
		}
	}
	return state.NewStreamPoller(ds, state.StreamPollerConfig{
		Client:    streams,
		StreamARN: arn,
		Interval:  interval,
		Logger:    logging.OrDefault(logger, "dynamostream"),
	})
}

// buildNATSOptions converts NATSConfig into connection options.
func buildNATSOptions(cfg NATSConfig) ([]nats.Option, error) {
	var opts []nats.Option

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	wait, err := parseDuration("store.nats.reconnect_wait", cfg.ReconnectWait)
	if err != nil {
		return nil, err
	}
	if wait > 0 {
		opts = append(opts, nats.ReconnectWait(wait))
	}
	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	connect, err := parseDuration("store.nats.connect_timeout", cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	if connect > 0 {
		opts = append(opts, nats.Timeout(connect))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	return opts, nil
}

// ProviderConfig converts TelemetryConfig for telemetry.InitProvider.
func (t TelemetryConfig) ProviderConfig(version string) telemetry.ProviderConfig {
	return telemetry.ProviderConfig{
		ServiceName:    t.ServiceName,
		ServiceVersion: version,
		Endpoint:       t.Endpoint,
		Protocol:       t.Protocol,
		Insecure:       t.Insecure,
		Debug:          t.Debug,
		Headers:        t.Headers,
		SampleRatio:    t.SampleRatio,
	}
}
