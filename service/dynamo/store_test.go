package dynamo

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/brojonat/solpos/service/history"
	solanasvc "github.com/brojonat/solpos/service/solana"
	"github.com/ory/dockertest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	t.Setenv("AWS_ACCESS_KEY_ID", "local")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "local")
	t.Setenv("AWS_REGION", "us-east-1")

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Fatalf("could not connect to docker: %v", err)
	}
	resource, err := pool.Run("public.ecr.aws/aws-dynamodb-local/aws-dynamodb-local", "1.19.0", []string{})
	if err != nil {
		t.Fatalf("could not start resource: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Purge(resource); err != nil {
			t.Errorf("could not purge resource: %v", err)
		}
	})

	client, err := NewClient(context.Background(), "http://localhost:"+resource.GetPort("8000/tcp"))
	require.NoError(t, err)

	pool.MaxWait = 60 * time.Second
	if err := pool.Retry(func() error {
		_, err := client.ListTables(context.Background(), &dynamodb.ListTablesInput{})
		return err
	}); err != nil {
		t.Fatalf("could not connect to dynamo container: %v", err)
	}

	store := NewStore(WithClient(client), WithTableName("payment_cache_test"))
	require.NoError(t, store.CreateTable(context.Background()))
	require.NoError(t, store.CreateTable(context.Background()), "creating an existing table")
	return store
}

func TestStoreIntegration(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	key := history.Key("Merch111", "mainnet")
	now := time.Now().UTC().Truncate(time.Second)

	_, err := store.Load(ctx, key)
	assert.ErrorIs(t, err, history.ErrCacheMiss)

	env := &history.Envelope{
		Merchant: "Merch111",
		Network:  "mainnet",
		Payments: []solanasvc.Payment{{
			Signature: "sig1",
			Amount:    decimal.RequireFromString("3.25"),
			RawAmount: 3_250_000,
			Timestamp: now,
		}},
		CacheExpiry: now.Add(time.Minute),
		Version:     history.CacheVersion,
	}
	require.NoError(t, store.Save(ctx, key, env))

	got, err := store.Load(ctx, key)
	require.NoError(t, err)
	require.Len(t, got.Payments, 1)
	assert.Equal(t, "sig1", got.Payments[0].Signature)
	assert.True(t, env.Payments[0].Amount.Equal(got.Payments[0].Amount))
	assert.True(t, now.Equal(got.Payments[0].Timestamp))

	t.Run("delete older than", func(t *testing.T) {
		stale, err := attributevalue.MarshalMap(item{CacheKey: "stale", Envelope: "{}", UpdatedAt: now.Add(-48 * time.Hour).Unix()})
		require.NoError(t, err)
		_, err = store.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(store.tableName), Item: stale})
		require.NoError(t, err)

		n, err := store.DeleteOlderThan(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = store.Load(ctx, "stale")
		assert.ErrorIs(t, err, history.ErrCacheMiss)
		_, err = store.Load(ctx, key)
		assert.NoError(t, err)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, key))
		_, err := store.Load(ctx, key)
		assert.ErrorIs(t, err, history.ErrCacheMiss)
	})
}
