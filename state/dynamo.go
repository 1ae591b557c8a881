package state

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	"github.com/google/uuid"

	"github.com/vinayprograms/kvsync/codec"
	"github.com/vinayprograms/kvsync/errors"
)

// Item attribute names.
const (
	dynamoKeyAttr   = "key"
	dynamoValueAttr = "value"
	dynamoRevAttr   = "rev"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoStoreConfig holds DynamoDB store configuration.
type DynamoStoreConfig struct {
	// Client is the DynamoDB client.
	Client DynamoAPI

	// Table is the table name. The table has a string partition key "key".
	Table string

	// ConsistentRead makes Get strongly consistent.
	ConsistentRead bool

	// Timeout bounds each request.
	// Default: 5s
	Timeout time.Duration
}

// DynamoStore implements Store on a DynamoDB table.
//
// Each key is one item {key, value, rev}. The value attribute holds the tree
// as a native DynamoDB document and rev is bumped atomically on every write.
// A cleared key keeps its item with the value attribute removed, so its
// revision keeps counting.
//
// Writes through this store notify its observers synchronously. Writes from
// other processes reach observers through HandleStreamEvent, fed from the
// table's stream (NEW_IMAGE or NEW_AND_OLD_IMAGES) either by a StreamPoller
// or by a Lambda trigger; the stream also replays local writes, with the
// revision they were reported under.
type DynamoStore struct {
	id     string
	client DynamoAPI
	config DynamoStoreConfig
	hub    *hub
	closed atomic.Bool
}

// NewDynamoStore creates a store on an existing table.
func NewDynamoStore(cfg DynamoStoreConfig) (*DynamoStore, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("dynamodb client required")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &DynamoStore{
		id:     uuid.NewString(),
		client: cfg.Client,
		config: cfg,
		hub:    newHub(),
	}, nil
}

// NewDynamoClient builds a DynamoDB client from the default AWS credential
// chain. An empty region or profile uses the environment; endpoint overrides
// the service URL for local DynamoDB.
func NewDynamoClient(ctx context.Context, region, profile, endpoint string) (*dynamodb.Client, error) {
	cfg, err := loadAWSConfig(ctx, region, profile)
	if err != nil {
		return nil, err
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// NewDynamoStreamsClient builds a DynamoDB Streams client the same way.
func NewDynamoStreamsClient(ctx context.Context, region, profile, endpoint string) (*dynamodbstreams.Client, error) {
	cfg, err := loadAWSConfig(ctx, region, profile)
	if err != nil {
		return nil, err
	}
	return dynamodbstreams.NewFromConfig(cfg, func(o *dynamodbstreams.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func loadAWSConfig(ctx context.Context, region, profile string) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

// ID returns the store identity.
func (s *DynamoStore) ID() string {
	return s.id
}

// Table returns the table name.
func (s *DynamoStore) Table() string {
	return s.config.Table
}

// Get reads the item for key.
func (s *DynamoStore) Get(key string) (Entry, error) {
	if err := ValidateKey(key); err != nil {
		return Entry{}, err
	}
	if s.closed.Load() {
		return Entry{}, ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.Table),
		Key:            itemKey(key),
		ConsistentRead: aws.Bool(s.config.ConsistentRead),
	})
	if err != nil {
		return Entry{}, wrapDynamo("get", key, err)
	}
	if out.Item == nil {
		return absent(key, 0), nil
	}

	rev, err := revisionOf(out.Item)
	if err != nil {
		return Entry{}, errors.StoreFailed("get", key, err)
	}
	av, ok := out.Item[dynamoValueAttr]
	if !ok {
		return absent(key, rev), nil
	}
	t, err := treeFromAttribute(av)
	if err != nil {
		return Entry{}, errors.New(errors.ErrCodeStore, "item value is not a tree",
			errors.WithCause(err), errors.WithKey(key), errors.WithRetryable(false))
	}
	return present(key, t, rev), nil
}

// Set writes value and bumps the item revision.
func (s *DynamoStore) Set(key string, value codec.Tree) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}
	n, err := normalizeValue(key, value)
	if err != nil {
		return 0, err
	}
	av, err := attributevalue.Marshal(n)
	if err != nil {
		return 0, errors.New(errors.ErrCodeStore, "marshal item value",
			errors.WithCause(err), errors.WithKey(key), errors.WithRetryable(false))
	}

	rev, err := s.update(key, "set", "SET #v = :v ADD #r :one", map[string]types.AttributeValue{
		":v":   av,
		":one": &types.AttributeValueMemberN{Value: "1"},
	})
	if err != nil {
		return 0, err
	}
	s.hub.notify(present(key, n, rev))
	return rev, nil
}

// Delete removes the value attribute, leaving a tombstone that keeps the
// revision counter.
func (s *DynamoStore) Delete(key string) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}

	rev, err := s.update(key, "delete", "REMOVE #v ADD #r :one", map[string]types.AttributeValue{
		":one": &types.AttributeValueMemberN{Value: "1"},
	})
	if err != nil {
		return 0, err
	}
	s.hub.notify(absent(key, rev))
	return rev, nil
}

// Purge deletes the item for key outright, dropping its revision counter.
// Observers see an absence with an unknown revision.
func (s *DynamoStore) Purge(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.config.Table),
		Key:       itemKey(key),
	}); err != nil {
		return wrapDynamo("purge", key, err)
	}
	s.hub.notify(absent(key, 0))
	return nil
}

func (s *DynamoStore) update(key, op, expr string, values map[string]types.AttributeValue) (uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.config.Table),
		Key:              itemKey(key),
		UpdateExpression: aws.String(expr),
		ExpressionAttributeNames: map[string]string{
			"#v": dynamoValueAttr,
			"#r": dynamoRevAttr,
		},
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, wrapDynamo(op, key, err)
	}

	rev, err := revisionOf(out.Attributes)
	if err != nil {
		return 0, errors.StoreFailed(op, key, err)
	}
	return rev, nil
}

// Observe registers handler for stream changes to key.
func (s *DynamoStore) Observe(key string, handler Handler) (Subscription, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.hub.add(key, handler)
}

// HandleStreamEvent delivers the records of a DynamoDB stream batch to
// observers. It has the shape of a Lambda handler. Records for keys nobody
// observes are skipped; a record that cannot be read fails the batch so the
// stream retries it.
func (s *DynamoStore) HandleStreamEvent(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.closed.Load() {
			return ErrClosed
		}
		e, ok, err := entryFromRecord(record)
		if err != nil {
			return fmt.Errorf("stream record %s: %w", record.EventID, err)
		}
		if !ok || !s.hub.observed(e.Key) {
			continue
		}
		s.hub.notify(e)
	}
	return nil
}

// Close shuts down the store. The client is owned by the caller.
func (s *DynamoStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.hub.close()
	return nil
}

// entryFromRecord converts one stream record. ok is false for records
// that carry no key.
func entryFromRecord(record events.DynamoDBEventRecord) (Entry, bool, error) {
	keyAttr, found := record.Change.Keys[dynamoKeyAttr]
	if !found || keyAttr.DataType() != events.DataTypeString {
		return Entry{}, false, nil
	}
	key := keyAttr.String()

	switch record.EventName {
	case "INSERT", "MODIFY":
		image := record.Change.NewImage
		rev := streamRevision(image)
		v, ok := image[dynamoValueAttr]
		if !ok || v.IsNull() {
			return absent(key, rev), true, nil
		}
		t, err := treeFromStream(v)
		if err != nil {
			return Entry{}, false, err
		}
		return present(key, t, rev), true, nil
	case "REMOVE":
		return absent(key, 0), true, nil
	}
	return Entry{}, false, nil
}

func streamRevision(image map[string]events.DynamoDBAttributeValue) uint64 {
	if v, ok := image[dynamoRevAttr]; ok && v.DataType() == events.DataTypeNumber {
		rev, _ := strconv.ParseUint(v.Number(), 10, 64)
		return rev
	}
	return 0
}

func itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamoKeyAttr: &types.AttributeValueMemberS{Value: key},
	}
}

func revisionOf(item map[string]types.AttributeValue) (uint64, error) {
	av, ok := item[dynamoRevAttr]
	if !ok {
		return 0, nil
	}
	var rev uint64
	if err := attributevalue.Unmarshal(av, &rev); err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}
	return rev, nil
}

// treeFromAttribute converts a DynamoDB document to a canonical tree.
// Sets become lists.
func treeFromAttribute(av types.AttributeValue) (codec.Tree, error) {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return v.Value, nil
	case *types.AttributeValueMemberN:
		return parseNumber(v.Value)
	case *types.AttributeValueMemberBOOL:
		return v.Value, nil
	case *types.AttributeValueMemberB:
		return append([]byte(nil), v.Value...), nil
	case *types.AttributeValueMemberNULL:
		return nil, nil
	case *types.AttributeValueMemberL:
		out := make([]any, 0, len(v.Value))
		for _, child := range v.Value {
			t, err := treeFromAttribute(child)
			if err != nil {
				return nil, err
			}
			if t == nil {
				return nil, fmt.Errorf("null list element")
			}
			out = append(out, t)
		}
		return out, nil
	case *types.AttributeValueMemberM:
		out := make(map[string]any, len(v.Value))
		for k, child := range v.Value {
			t, err := treeFromAttribute(child)
			if err != nil {
				return nil, err
			}
			if t != nil {
				out[k] = t
			}
		}
		return out, nil
	case *types.AttributeValueMemberSS:
		out := make([]any, len(v.Value))
		for i, s := range v.Value {
			out[i] = s
		}
		return out, nil
	case *types.AttributeValueMemberNS:
		out := make([]any, len(v.Value))
		for i, s := range v.Value {
			n, err := parseNumber(s)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case *types.AttributeValueMemberBS:
		out := make([]any, len(v.Value))
		for i, b := range v.Value {
			out[i] = append([]byte(nil), b...)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported attribute value %T", av)
}

// treeFromStream converts a stream image attribute to a canonical tree.
func treeFromStream(av events.DynamoDBAttributeValue) (codec.Tree, error) {
	switch av.DataType() {
	case events.DataTypeString:
		return av.String(), nil
	case events.DataTypeNumber:
		return parseNumber(av.Number())
	case events.DataTypeBoolean:
		return av.Boolean(), nil
	case events.DataTypeBinary:
		return append([]byte(nil), av.Binary()...), nil
	case events.DataTypeNull:
		return nil, nil
	case events.DataTypeList:
		list := av.List()
		out := make([]any, 0, len(list))
		for _, child := range list {
			t, err := treeFromStream(child)
			if err != nil {
				return nil, err
			}
			if t == nil {
				return nil, fmt.Errorf("null list element")
			}
			out = append(out, t)
		}
		return out, nil
	case events.DataTypeMap:
		m := av.Map()
		out := make(map[string]any, len(m))
		for k, child := range m {
			t, err := treeFromStream(child)
			if err != nil {
				return nil, err
			}
			if t != nil {
				out[k] = t
			}
		}
		return out, nil
	case events.DataTypeStringSet:
		ss := av.StringSet()
		out := make([]any, len(ss))
		for i, s := range ss {
			out[i] = s
		}
		return out, nil
	case events.DataTypeNumberSet:
		ns := av.NumberSet()
		out := make([]any, len(ns))
		for i, s := range ns {
			n, err := parseNumber(s)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case events.DataTypeBinarySet:
		bs := av.BinarySet()
		out := make([]any, len(bs))
		for i, b := range bs {
			out[i] = append([]byte(nil), b...)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported stream attribute type %v", av.DataType())
}

// parseNumber keeps integral numbers exact.
func parseNumber(s string) (codec.Tree, error) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return f, nil
}

func wrapDynamo(op, key string, err error) error {
	var throttled *types.ProvisionedThroughputExceededException
	if stderrors.As(err, &throttled) {
		return errors.New(errors.ErrCodeStore, "dynamodb "+op+" throttled",
			errors.WithOp(op), errors.WithCause(err), errors.WithKey(key), errors.WithRetryable(true))
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.New(errors.ErrCodeTimeout, "dynamodb "+op, errors.WithOp(op), errors.WithCause(err), errors.WithKey(key))
	}
	return errors.StoreFailed(op, key, err)
}
