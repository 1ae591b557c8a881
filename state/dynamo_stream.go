package state

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"

	"github.com/vinayprograms/kvsync/errors"
	"github.com/vinayprograms/kvsync/logging"
)

// StreamsAPI is the subset of the DynamoDB Streams client used by
// StreamPoller.
type StreamsAPI interface {
	DescribeStream(ctx context.Context, params *dynamodbstreams.DescribeStreamInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error)
	GetShardIterator(ctx context.Context, params *dynamodbstreams.GetShardIteratorInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, params *dynamodbstreams.GetRecordsInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error)
}

// TableDescriber looks up table metadata.
type TableDescriber interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// StreamPollerConfig configures a StreamPoller.
type StreamPollerConfig struct {
	// Client is the DynamoDB Streams client.
	Client StreamsAPI

	// StreamARN identifies the table stream.
	StreamARN string

	// Interval is the pause between polls.
	// Default: 1s
	Interval time.Duration

	// Logger receives poll failures. Default: a "dynamostream" logger.
	Logger *logging.Logger
}

// StreamPoller reads a table stream and hands its records to a DynamoStore,
// so observers see writes made by other processes without a Lambda trigger.
//
// Shards open when the poller starts are read from their tip. Shards that
// appear later are read from the beginning, and a child shard is only read
// once its parent is exhausted, so per-key order is kept across splits.
// A poller is driven by one goroutine at a time.
type StreamPoller struct {
	store    *DynamoStore
	client   StreamsAPI
	arn      string
	interval time.Duration
	logger   *logging.Logger

	shards   map[string]*shardCursor
	finished map[string]bool
	primed   bool
}

type shardCursor struct {
	parent   string
	iterator *string
	lastSeq  string
}

// NewStreamPoller creates a poller feeding store.
func NewStreamPoller(store *DynamoStore, cfg StreamPollerConfig) (*StreamPoller, error) {
	if store == nil {
		return nil, fmt.Errorf("dynamodb store required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("dynamodb streams client required")
	}
	if cfg.StreamARN == "" {
		return nil, fmt.Errorf("stream arn required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &StreamPoller{
		store:    store,
		client:   cfg.Client,
		arn:      cfg.StreamARN,
		interval: cfg.Interval,
		logger:   logging.OrDefault(cfg.Logger, "dynamostream"),
		shards:   make(map[string]*shardCursor),
		finished: make(map[string]bool),
	}, nil
}

// StreamARN returns the stream being polled.
func (p *StreamPoller) StreamARN() string {
	return p.arn
}

// Run polls every interval until ctx is done or the store is closed.
func (p *StreamPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if p.store.closed.Load() {
			return
		}
		if err := p.Poll(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, errors.ErrCodeStoreClosed) {
				return
			}
			p.logger.Warn("stream poll failed", map[string]interface{}{
				"stream": p.arn,
				"error":  err.Error(),
			})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll refreshes the shard list and reads each readable shard once.
func (p *StreamPoller) Poll(ctx context.Context) error {
	if err := p.refresh(ctx); err != nil {
		return err
	}

	ids := make([]string, 0, len(p.shards))
	for id := range p.shards {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		c := p.shards[id]
		if _, waiting := p.shards[c.parent]; waiting {
			continue
		}
		if err := p.read(ctx, id, c); err != nil {
			return err
		}
	}
	return nil
}

// refresh picks up shards the poller has not seen yet.
func (p *StreamPoller) refresh(ctx context.Context) error {
	listed := make(map[string]bool)
	var start *string
	for {
		out, err := p.client.DescribeStream(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             aws.String(p.arn),
			ExclusiveStartShardId: start,
		})
		if err != nil {
			return wrapStream("describe", err)
		}
		desc := out.StreamDescription
		if desc == nil {
			break
		}
		for _, sh := range desc.Shards {
			id := aws.ToString(sh.ShardId)
			if id == "" {
				continue
			}
			listed[id] = true
			if _, known := p.shards[id]; known || p.finished[id] {
				continue
			}
			closed := sh.SequenceNumberRange != nil && sh.SequenceNumberRange.EndingSequenceNumber != nil
			pos := streamtypes.ShardIteratorTypeTrimHorizon
			if !p.primed {
				if closed {
					p.finished[id] = true
					continue
				}
				pos = streamtypes.ShardIteratorTypeLatest
			}
			it, err := p.iterator(ctx, id, pos, "")
			if err != nil {
				return err
			}
			p.shards[id] = &shardCursor{parent: aws.ToString(sh.ParentShardId), iterator: it}
		}
		if desc.LastEvaluatedShardId == nil {
			break
		}
		start = desc.LastEvaluatedShardId
	}

	// Trimmed shards drop out of the listing.
	for id := range p.finished {
		if !listed[id] {
			delete(p.finished, id)
		}
	}
	p.primed = true
	return nil
}

// read takes one batch from a shard.
func (p *StreamPoller) read(ctx context.Context, id string, c *shardCursor) error {
	out, err := p.client.GetRecords(ctx, &dynamodbstreams.GetRecordsInput{ShardIterator: c.iterator})
	if err != nil {
		var expired *streamtypes.ExpiredIteratorException
		var trimmed *streamtypes.TrimmedDataAccessException
		switch {
		case stderrors.As(err, &expired) && c.lastSeq != "":
			return p.reposition(ctx, id, c, streamtypes.ShardIteratorTypeAfterSequenceNumber)
		case stderrors.As(err, &expired):
			return p.reposition(ctx, id, c, streamtypes.ShardIteratorTypeLatest)
		case stderrors.As(err, &trimmed):
			return p.reposition(ctx, id, c, streamtypes.ShardIteratorTypeTrimHorizon)
		}
		return wrapStream("get records", err)
	}

	for _, r := range out.Records {
		record := eventRecord(r)
		if err := p.store.HandleStreamEvent(ctx, events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{record}}); err != nil {
			if ctx.Err() != nil || errors.Is(err, errors.ErrCodeStoreClosed) {
				return err
			}
			p.logger.Warn("stream record skipped", map[string]interface{}{
				"shard": id,
				"event": record.EventID,
				"error": err.Error(),
			})
		}
		if seq := record.Change.SequenceNumber; seq != "" {
			c.lastSeq = seq
		}
	}

	if out.NextShardIterator == nil {
		delete(p.shards, id)
		p.finished[id] = true
		p.logger.Debug("shard exhausted", map[string]interface{}{"shard": id})
		return nil
	}
	c.iterator = out.NextShardIterator
	return nil
}

func (p *StreamPoller) reposition(ctx context.Context, id string, c *shardCursor, pos streamtypes.ShardIteratorType) error {
	it, err := p.iterator(ctx, id, pos, c.lastSeq)
	if err != nil {
		return err
	}
	p.logger.Debug("shard iterator renewed", map[string]interface{}{
		"shard":    id,
		"position": string(pos),
	})
	c.iterator = it
	return nil
}

func (p *StreamPoller) iterator(ctx context.Context, id string, pos streamtypes.ShardIteratorType, after string) (*string, error) {
	in := &dynamodbstreams.GetShardIteratorInput{
		StreamArn:         aws.String(p.arn),
		ShardId:           aws.String(id),
		ShardIteratorType: pos,
	}
	if pos == streamtypes.ShardIteratorTypeAfterSequenceNumber {
		in.SequenceNumber = aws.String(after)
	}
	out, err := p.client.GetShardIterator(ctx, in)
	if err != nil {
		return nil, wrapStream("get shard iterator", err)
	}
	return out.ShardIterator, nil
}

// LatestStreamARN returns the ARN of the table's current stream.
func LatestStreamARN(ctx context.Context, client TableDescriber, table string) (string, error) {
	out, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
	if err != nil {
		return "", wrapDynamo("describe table", "", err)
	}
	if out.Table == nil || aws.ToString(out.Table.LatestStreamArn) == "" {
		return "", fmt.Errorf("table %s has no stream enabled", table)
	}
	return aws.ToString(out.Table.LatestStreamArn), nil
}

func wrapStream(op string, err error) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.New(errors.ErrCodeStore, "dynamodb stream "+op,
		errors.WithOp("stream "+op), errors.WithCause(err), errors.WithRetryable(true))
}

// eventRecord converts a stream record to the Lambda event shape read by
// HandleStreamEvent.
func eventRecord(r streamtypes.Record) events.DynamoDBEventRecord {
	out := events.DynamoDBEventRecord{
		AWSRegion:    aws.ToString(r.AwsRegion),
		EventID:      aws.ToString(r.EventID),
		EventName:    string(r.EventName),
		EventSource:  aws.ToString(r.EventSource),
		EventVersion: aws.ToString(r.EventVersion),
	}
	if d := r.Dynamodb; d != nil {
		out.Change = events.DynamoDBStreamRecord{
			Keys:           eventImage(d.Keys),
			NewImage:       eventImage(d.NewImage),
			OldImage:       eventImage(d.OldImage),
			SequenceNumber: aws.ToString(d.SequenceNumber),
			SizeBytes:      aws.ToInt64(d.SizeBytes),
			StreamViewType: string(d.StreamViewType),
		}
	}
	return out
}

func eventImage(m map[string]streamtypes.AttributeValue) map[string]events.DynamoDBAttributeValue {
	if m == nil {
		return nil
	}
	out := make(map[string]events.DynamoDBAttributeValue, len(m))
	for k, v := range m {
		out[k] = eventAttribute(v)
	}
	return out
}

func eventAttribute(av streamtypes.AttributeValue) events.DynamoDBAttributeValue {
	switch v := av.(type) {
	case *streamtypes.AttributeValueMemberS:
		return events.NewStringAttribute(v.Value)
	case *streamtypes.AttributeValueMemberN:
		return events.NewNumberAttribute(v.Value)
	case *streamtypes.AttributeValueMemberB:
		return events.NewBinaryAttribute(v.Value)
	case *streamtypes.AttributeValueMemberBOOL:
		return events.NewBooleanAttribute(v.Value)
	case *streamtypes.AttributeValueMemberSS:
		return events.NewStringSetAttribute(v.Value)
	case *streamtypes.AttributeValueMemberNS:
		return events.NewNumberSetAttribute(v.Value)
	case *streamtypes.AttributeValueMemberBS:
		return events.NewBinarySetAttribute(v.Value)
	case *streamtypes.AttributeValueMemberL:
		list := make([]events.DynamoDBAttributeValue, len(v.Value))
		for i, e := range v.Value {
			list[i] = eventAttribute(e)
		}
		return events.NewListAttribute(list)
	case *streamtypes.AttributeValueMemberM:
		return events.NewMapAttribute(eventImage(v.Value))
	}
	return events.NewNullAttribute()
}
