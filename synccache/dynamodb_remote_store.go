package synccache

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
)

// DynamoDBRemoteStore implements RemoteStore on a single DynamoDB table with
// blob_key as the partition key. DynamoDB's default eventually-consistent
// reads are exactly the consistency level the contract assumes.
type DynamoDBRemoteStore struct {
	client *dynamodb.DynamoDB
	table  string
}

// dynamoDBBlobItem represents one blob row in DynamoDB.
type dynamoDBBlobItem struct {
	BlobKey      string `json:"blob_key"`
	Payload      []byte `json:"payload"`
	LastModified int64  `json:"last_modified"`
}

// NewDynamoDBRemoteStore creates a new DynamoDB-backed remote store.
func NewDynamoDBRemoteStore(region, table string) (*DynamoDBRemoteStore, error) {
	if table == "" {
		return nil, fmt.Errorf("DynamoDB table name is required")
	}

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, err
	}

	return &DynamoDBRemoteStore{
		client: dynamodb.New(sess),
		table:  table,
	}, nil
}

// Exists reports whether a row is stored for key.
func (s *DynamoDBRemoteStore) Exists(ctx context.Context, key Key) (bool, error) {
	result, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.table),
		Key:                  blobKeyAttr(key),
		ProjectionExpression: aws.String("blob_key"),
	})
	if err != nil {
		return false, fmt.Errorf("failed to check blob: %v", err)
	}
	return len(result.Item) > 0, nil
}

// Read returns the payload stored for key.
func (s *DynamoDBRemoteStore) Read(ctx context.Context, key Key) ([]byte, error) {
	result, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       blobKeyAttr(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get blob: %v", err)
	}
	if len(result.Item) == 0 {
		return nil, ErrNotFound
	}

	var item dynamoDBBlobItem
	if err := dynamodbattribute.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal blob item: %v", err)
	}
	return item.Payload, nil
}

// Write stores payload under key, replacing any previous row.
func (s *DynamoDBRemoteStore) Write(ctx context.Context, key Key, payload []byte) error {
	item := dynamoDBBlobItem{
		BlobKey:      string(key),
		Payload:      payload,
		LastModified: time.Now().Unix(),
	}

	av, err := dynamodbattribute.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal blob item: %v", err)
	}

	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to put blob item: %v", err)
	}
	return nil
}

// Delete removes the row for key. Deleting a missing key succeeds.
func (s *DynamoDBRemoteStore) Delete(ctx context.Context, key Key) error {
	_, err := s.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       blobKeyAttr(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete blob item: %v", err)
	}
	return nil
}

func blobKeyAttr(key Key) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"blob_key": {
			S: aws.String(string(key)),
		},
	}
}
