package disaster

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamoAPI is the slice of the DynamoDB client the catalog calls.
type dynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

const dynamoCatalogPK = "BACKUP"

// dynamoCatalogItem is the table shape: a fixed partition with the
// record ID as sort key and the record JSON in Data.
type dynamoCatalogItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	Data      string `dynamodbav:"Data"`
	Timestamp string `dynamodbav:"Timestamp"`
}

// DynamoCatalog keeps backup records in DynamoDB, the catalog for
// fleets whose blob storage is S3.
type DynamoCatalog struct {
	client dynamoAPI
	table  string
}

func NewDynamoCatalog(client dynamoAPI, table string) *DynamoCatalog {
	return &DynamoCatalog{client: client, table: table}
}

func (c *DynamoCatalog) Put(ctx context.Context, record *BackupRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("disaster: encode record %s: %w", record.ID, err)
	}
	item := dynamoCatalogItem{
		PK:        dynamoCatalogPK,
		SK:        record.ID,
		Data:      string(data),
		Timestamp: record.CreatedAt.UTC().Format(time.RFC3339),
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("disaster: marshal item: %w", err)
	}
	_, err = c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("disaster: put record %s: %w", record.ID, err)
	}
	return nil
}

func (c *DynamoCatalog) Get(ctx context.Context, id string) (*BackupRecord, error) {
	out, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.table),
		Key: map[string]dynamotypes.AttributeValue{
			"PK": &dynamotypes.AttributeValueMemberS{Value: dynamoCatalogPK},
			"SK": &dynamotypes.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("disaster: get record %s: %w", id, err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	var item dynamoCatalogItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("disaster: unmarshal item: %w", err)
	}
	var record BackupRecord
	if err := json.Unmarshal([]byte(item.Data), &record); err != nil {
		return nil, fmt.Errorf("disaster: decode record %s: %w", id, err)
	}
	return &record, nil
}

func (c *DynamoCatalog) List(ctx context.Context) ([]BackupRecord, error) {
	out, err := c.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.table),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]dynamotypes.AttributeValue{
			":pk": &dynamotypes.AttributeValueMemberS{Value: dynamoCatalogPK},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("disaster: list records: %w", err)
	}
	records := make([]BackupRecord, 0, len(out.Items))
	for _, raw := range out.Items {
		var item dynamoCatalogItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			continue
		}
		var record BackupRecord
		if err := json.Unmarshal([]byte(item.Data), &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

func (c *DynamoCatalog) Delete(ctx context.Context, id string) error {
	_, err := c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.table),
		Key: map[string]dynamotypes.AttributeValue{
			"PK": &dynamotypes.AttributeValueMemberS{Value: dynamoCatalogPK},
			"SK": &dynamotypes.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return fmt.Errorf("disaster: delete record %s: %w", id, err)
	}
	return nil
}
