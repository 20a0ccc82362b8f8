package s3

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Catalog records backup metadata in DynamoDB, providing the atomic
// compare-and-swap semantics that S3 lacks. Multiple writers backing up
// the same store get strictly increasing sequence numbers without data
// loss: the archive goes to S3 first, then the catalog entry is committed
// with a conditional write.
//
// Table schema:
//   - Partition key: scope (string) - the store's base URI, e.g. "s3://bucket/prefix"
//   - Sort key: seq (number) - monotonically increasing sequence
//
// Create the table with:
//
//	aws dynamodb create-table \
//	  --table-name memgo-backups \
//	  --attribute-definitions AttributeName=scope,AttributeType=S AttributeName=seq,AttributeType=N \
//	  --key-schema AttributeName=scope,KeyType=HASH AttributeName=seq,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type Catalog struct {
	client    DDBClient
	tableName string
	scope     string
}

// DDBClient is the interface for DynamoDB operations.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// ErrConcurrentModification is returned when another writer committed the
// same sequence number first.
var ErrConcurrentModification = errors.New("concurrent modification detected")

// Entry is one cataloged backup.
type Entry struct {
	Seq       int64
	BackupID  string
	Key       string
	Checksum  string
	Size      int64
	CreatedAt time.Time
}

// NewCatalog creates a backup catalog. scope is the partition key shared by
// all entries of one store, typically "s3://bucket/prefix".
func NewCatalog(client DDBClient, tableName, scope string) *Catalog {
	return &Catalog{
		client:    client,
		tableName: tableName,
		scope:     scope,
	}
}

// Commit appends a catalog entry with the next sequence number. The entry's
// Seq field is ignored; the committed sequence is returned. A losing racer
// gets ErrConcurrentModification and should retry.
func (c *Catalog) Commit(ctx context.Context, entry Entry) (int64, error) {
	latest, err := c.Latest(ctx)
	if err != nil && !errors.Is(err, ErrCatalogEmpty) {
		return 0, err
	}
	seq := latest.Seq + 1

	_, err = c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"scope":      &types.AttributeValueMemberS{Value: c.scope},
			"seq":        &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", seq)},
			"backup_id":  &types.AttributeValueMemberS{Value: entry.BackupID},
			"object_key": &types.AttributeValueMemberS{Value: entry.Key},
			"checksum":   &types.AttributeValueMemberS{Value: entry.Checksum},
			"size":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", entry.Size)},
			"created_at": &types.AttributeValueMemberS{Value: entry.CreatedAt.UTC().Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String("attribute_not_exists(seq)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return 0, ErrConcurrentModification
		}
		return 0, fmt.Errorf("commit catalog entry: %w", err)
	}
	return seq, nil
}

// ErrCatalogEmpty is returned by Latest when no backup has been cataloged.
var ErrCatalogEmpty = errors.New("backup catalog is empty")

// Latest returns the most recently committed entry.
func (c *Catalog) Latest(ctx context.Context) (Entry, error) {
	resp, err := c.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("scope = :scope"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":scope": &types.AttributeValueMemberS{Value: c.scope},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return Entry{}, fmt.Errorf("query catalog: %w", err)
	}
	if len(resp.Items) == 0 {
		return Entry{}, ErrCatalogEmpty
	}
	return parseEntry(resp.Items[0])
}

// List returns all entries, newest first.
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	var startKey map[string]types.AttributeValue

	for {
		resp, err := c.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("scope = :scope"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":scope": &types.AttributeValueMemberS{Value: c.scope},
			},
			ScanIndexForward:  aws.Bool(false),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query catalog: %w", err)
		}
		for _, item := range resp.Items {
			entry, err := parseEntry(item)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}
		if resp.LastEvaluatedKey == nil {
			break
		}
		startKey = resp.LastEvaluatedKey
	}
	return entries, nil
}

// Remove deletes a catalog entry. The archived object itself is untouched.
func (c *Catalog) Remove(ctx context.Context, seq int64) error {
	_, err := c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"scope": &types.AttributeValueMemberS{Value: c.scope},
			"seq":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", seq)},
		},
	})
	return err
}

func parseEntry(item map[string]types.AttributeValue) (Entry, error) {
	var entry Entry

	seqAttr, ok := item["seq"].(*types.AttributeValueMemberN)
	if !ok {
		return Entry{}, errors.New("invalid seq attribute in catalog item")
	}
	if _, err := fmt.Sscanf(seqAttr.Value, "%d", &entry.Seq); err != nil {
		return Entry{}, fmt.Errorf("parse seq: %w", err)
	}

	if attr, ok := item["backup_id"].(*types.AttributeValueMemberS); ok {
		entry.BackupID = attr.Value
	}
	if attr, ok := item["object_key"].(*types.AttributeValueMemberS); ok {
		entry.Key = attr.Value
	}
	if attr, ok := item["checksum"].(*types.AttributeValueMemberS); ok {
		entry.Checksum = attr.Value
	}
	if attr, ok := item["size"].(*types.AttributeValueMemberN); ok {
		if _, err := fmt.Sscanf(attr.Value, "%d", &entry.Size); err != nil {
			return Entry{}, fmt.Errorf("parse size: %w", err)
		}
	}
	if attr, ok := item["created_at"].(*types.AttributeValueMemberS); ok {
		t, err := time.Parse(time.RFC3339Nano, attr.Value)
		if err != nil {
			return Entry{}, fmt.Errorf("parse created_at: %w", err)
		}
		entry.CreatedAt = t
	}
	return entry, nil
}
