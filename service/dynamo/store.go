// Package dynamo is the DynamoDB backend of the persisted payment cache.
package dynamo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/brojonat/solpos/service/history"
	"github.com/brojonat/solpos/service/metrics"
)

const backend = "dynamo"

// item is the stored shape. The envelope is kept as a JSON string so its
// layout can evolve with history.CacheVersion without a table migration.
type item struct {
	CacheKey  string `dynamodbav:"cache_key"`
	Envelope  string `dynamodbav:"envelope"`
	UpdatedAt int64  `dynamodbav:"updated_at"`
}

// Store implements history.Store on a DynamoDB table keyed by cache_key.
type Store struct {
	client    *dynamodb.Client
	tableName string
	metrics   *metrics.Metrics
}

func NewStore(opts ...func(*Store)) *Store {
	s := &Store{tableName: "payment_cache"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func WithClient(client *dynamodb.Client) func(*Store) {
	return func(s *Store) {
		s.client = client
	}
}

func WithTableName(tableName string) func(*Store) {
	return func(s *Store) {
		s.tableName = tableName
	}
}

func WithMetrics(m *metrics.Metrics) func(*Store) {
	return func(s *Store) {
		s.metrics = m
	}
}

// NewClient builds a DynamoDB client from the default AWS config chain. A
// non-empty endpoint (DynamoDB Local) overrides service resolution.
func NewClient(ctx context.Context, endpoint string) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				PartitionID:   "aws",
				URL:           endpoint,
				SigningRegion: region,
			}, nil
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg), nil
}

// CreateTable creates the cache table with on-demand billing. An existing
// table is left as is.
func (s *Store) CreateTable(ctx context.Context) error {
	_, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("cache_key"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("cache_key"), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if errors.As(err, &inUse) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.tableName, err)
	}
	return nil
}

func (s *Store) observe(op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordStoreQuery(backend, op, time.Since(start).Seconds(), err)
	}
}

func keyAttr(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"cache_key": &types.AttributeValueMemberS{Value: key},
	}
}

func (s *Store) Load(ctx context.Context, key string) (env *history.Envelope, err error) {
	start := time.Now()
	defer func() { s.observe("load", start, err) }()

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		Key:            keyAttr(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	if out.Item == nil {
		return nil, history.ErrCacheMiss
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("failed to decode item %s: %w", key, err)
	}
	env = &history.Envelope{}
	if err := json.Unmarshal([]byte(it.Envelope), env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope %s: %w", key, err)
	}
	return env, nil
}

func (s *Store) Save(ctx context.Context, key string, env *history.Envelope) (err error) {
	start := time.Now()
	defer func() { s.observe("save", start, err) }()

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope %s: %w", key, err)
	}
	av, err := attributevalue.MarshalMap(item{CacheKey: key, Envelope: string(raw), UpdatedAt: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("failed to encode item %s: %w", key, err)
	}
	if _, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: &s.tableName, Item: av}); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { s.observe("delete", start, err) }()

	if _, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: &s.tableName, Key: keyAttr(key)}); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// DeleteOlderThan removes envelopes not written since before. It scans the
// table, which is acceptable for a cache holding one item per merchant.
func (s *Store) DeleteOlderThan(ctx context.Context, before time.Time) (n int64, err error) {
	start := time.Now()
	defer func() { s.observe("delete_older_than", start, err) }()

	filter := expression.Name("updated_at").LessThan(expression.Value(before.Unix()))
	proj := expression.NamesList(expression.Name("cache_key"))
	expr, err := expression.NewBuilder().WithFilter(filter).WithProjection(proj).Build()
	if err != nil {
		return 0, fmt.Errorf("failed to build scan expression: %w", err)
	}

	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                 &s.tableName,
		FilterExpression:          expr.Filter(),
		ProjectionExpression:      expr.Projection(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return n, fmt.Errorf("failed to scan stale envelopes: %w", err)
		}
		for _, av := range page.Items {
			var it item
			if err := attributevalue.UnmarshalMap(av, &it); err != nil {
				return n, fmt.Errorf("failed to decode item: %w", err)
			}
			if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: &s.tableName, Key: keyAttr(it.CacheKey)}); err != nil {
				return n, fmt.Errorf("failed to delete %s: %w", it.CacheKey, err)
			}
			n++
		}
	}
	return n, nil
}
