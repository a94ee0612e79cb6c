package persist

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the subset of *dynamodb.Client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// dynamoItem is one row: pk is the composite cache key, expiresAt (epoch
// seconds) feeds the table's native TTL when it is enabled on that attribute.
type dynamoItem struct {
	PK        string `dynamodbav:"pk"`
	Data      []byte `dynamodbav:"data"`
	ExpiresAt int64  `dynamodbav:"expiresAt,omitempty"`
}

// DynamoStore keeps records in a DynamoDB table with a string partition key "pk".
type DynamoStore struct {
	client DynamoAPI
	table  string
	codec  Codec
}

// NewDynamoStore returns a store on table. When codec is non-nil it is used
// to read each record's expiry so rows carry an expiresAt attribute.
func NewDynamoStore(client DynamoAPI, table string, codec Codec) *DynamoStore {
	return &DynamoStore{client: client, table: table, codec: codec}
}

func pkKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: key}}
}

func (d *DynamoStore) Load(ctx context.Context, key string) ([]byte, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key:       pkKey(key),
	})
	if err != nil {
		return nil, fmt.Errorf("persist: dynamodb get %q: %w", key, err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("persist: dynamodb unmarshal %q: %w", key, err)
	}
	return item.Data, nil
}

func (d *DynamoStore) Save(ctx context.Context, key string, value []byte) error {
	item := dynamoItem{PK: key, Data: value}
	if d.codec != nil {
		if rec, err := d.codec.DecodeRecord(value); err == nil {
			if exp := rec.ExpiresAt(); !exp.IsZero() {
				item.ExpiresAt = exp.Unix()
			}
		}
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("persist: dynamodb marshal %q: %w", key, err)
	}
	if _, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("persist: dynamodb put %q: %w", key, err)
	}
	return nil
}

func (d *DynamoStore) Remove(ctx context.Context, key string) error {
	if _, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       pkKey(key),
	}); err != nil {
		return fmt.Errorf("persist: dynamodb delete %q: %w", key, err)
	}
	return nil
}

func (d *DynamoStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	input := &dynamodb.ScanInput{
		TableName:                aws.String(d.table),
		ProjectionExpression:     aws.String("#pk"),
		ExpressionAttributeNames: map[string]string{"#pk": "pk"},
	}
	if prefix != "" {
		input.FilterExpression = aws.String("begins_with(#pk, :prefix)")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		}
	}

	var keys []string
	paginator := dynamodb.NewScanPaginator(d.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("persist: dynamodb scan: %w", err)
		}
		for _, raw := range page.Items {
			pk, ok := raw["pk"].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			keys = append(keys, pk.Value)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (d *DynamoStore) Close() error { return nil }

// IsThrottle reports whether err is a DynamoDB throughput error; callers use it
// to avoid counting throttling as a hard backend failure.
func IsThrottle(err error) bool {
	var pte *types.ProvisionedThroughputExceededException
	var rle *types.RequestLimitExceeded
	return errors.As(err, &pte) || errors.As(err, &rle)
}
