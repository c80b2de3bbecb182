package clients

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	apiKeyIndex = "api_key_index"

	// lookupCacheTTL bounds how long a resolved record is served without
	// re-querying the table. Suspensions take at most this long to propagate.
	lookupCacheTTL = 5 * time.Minute
)

// DynamoAPI mirrors the subset of *dynamodb.Client the store uses, so tests
// can substitute a fake without a live endpoint.
type DynamoAPI interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoDBStore looks up client records from a DynamoDB table through a
// global secondary index on api_key. Successful lookups are cached in memory
// for five minutes; misses are never cached.
type DynamoDBStore struct {
	api   DynamoAPI
	table string
	cache *recordCache
}

// NewDynamoDBStore creates a store over an already-configured AWS client.
// endpointURL, when non-empty, overrides the service endpoint (local mocks).
func NewDynamoDBStore(awsCfg aws.Config, table, endpointURL string) *DynamoDBStore {
	api := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpointURL != "" {
			o.BaseEndpoint = aws.String(endpointURL)
		}
	})
	return NewDynamoDBStoreFromAPI(api, table)
}

// NewDynamoDBStoreFromAPI wires the store to any DynamoAPI implementation.
func NewDynamoDBStoreFromAPI(api DynamoAPI, table string) *DynamoDBStore {
	return &DynamoDBStore{
		api:   api,
		table: table,
		cache: newRecordCache(lookupCacheTTL),
	}
}

// Lookup implements Store.
func (s *DynamoDBStore) Lookup(ctx context.Context, apiKey string) (*Record, error) {
	if rec, ok := s.cache.get(apiKey); ok {
		return rec, nil
	}

	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(apiKeyIndex),
		KeyConditionExpression: aws.String("api_key = :k"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":k": &ddbtypes.AttributeValueMemberS{Value: apiKey},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("clients: dynamodb query: %w", err)
	}

	if len(out.Items) == 0 {
		return nil, nil
	}

	var rec Record
	if err := attributevalue.UnmarshalMap(out.Items[0], &rec); err != nil {
		return nil, fmt.Errorf("clients: unmarshal item: %w", err)
	}
	rec.applyDefaults()

	s.cache.set(apiKey, &rec)
	return &rec, nil
}
