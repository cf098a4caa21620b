package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	skPending   = "PENDING"
	ttlDuration = 7 * 24 * time.Hour // abandoned batches are reaped by table TTL
)

// ErrSuperseded is returned by TakeAndClear when the batch moved on to a
// newer version; the job holding the newer version owns it.
var ErrSuperseded = errors.New("repository: batch superseded by a newer message")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Buffer appends fragments to a conversation's pending batch.
type Buffer interface {
	Append(ctx context.Context, conversationID, fragment string) (int64, error)
}

// Consumer atomically takes a conversation's pending batch.
type Consumer interface {
	TakeAndClear(ctx context.Context, conversationID string, version int64) (string, error)
}

var (
	_ Buffer   = (*Client)(nil)
	_ Consumer = (*Client)(nil)
	_ Buffer   = (*Memory)(nil)
	_ Consumer = (*Memory)(nil)
)

// pendingRecord is the stored shape of a pending batch.
type pendingRecord struct {
	PK              string   `dynamodbav:"PK"`
	SK              string   `dynamodbav:"SK"`
	MessageList     []string `dynamodbav:"message_list"`
	UpdatedAt       int64    `dynamodbav:"updated_at"`
	FirstUpdateTime int64    `dynamodbav:"first_update_time"`
	Version         int64    `dynamodbav:"version"`
}

// Client wraps a DynamoDB table holding pending batches.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// chatPK returns the DynamoDB partition key for a conversation.
func chatPK(conversationID string) string {
	return "CHAT#" + conversationID
}

func pendingKey(conversationID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: chatPK(conversationID)},
		"SK": &types.AttributeValueMemberS{Value: skPending},
	}
}

// Append adds fragment to the end of the conversation's pending list in a
// single conditional-free update, creating the record when absent. It
// returns the record version after the append.
func (c *Client) Append(ctx context.Context, conversationID, fragment string) (int64, error) {
	if strings.TrimSpace(conversationID) == "" {
		return 0, errors.New("repository: Append: conversation id is required")
	}
	now := c.now()

	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key:       pendingKey(conversationID),
		UpdateExpression: aws.String(
			"SET #msgs = list_append(if_not_exists(#msgs, :empty), :new), " +
				"#ts = :ts, #first = if_not_exists(#first, :ts), #ttl = :ttl " +
				"ADD #ver :one",
		),
		ExpressionAttributeNames: map[string]string{
			"#msgs":  "message_list",
			"#ts":    "updated_at",
			"#first": "first_update_time",
			"#ttl":   "ttl",
			"#ver":   "version",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":   &types.AttributeValueMemberL{Value: []types.AttributeValue{&types.AttributeValueMemberS{Value: fragment}}},
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":ts":    &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			":ttl":   &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(ttlDuration).Unix(), 10)},
			":one":   &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("repository: Append: %w", err)
	}
	if out == nil || out.Attributes == nil {
		return 0, nil
	}
	version, err := int64Attr(out.Attributes, "version")
	if err != nil {
		return 0, fmt.Errorf("repository: Append decode version: %w", err)
	}
	return version, nil
}

// TakeAndClear deletes the conversation's pending record and returns its
// fragments joined by single spaces. A missing record yields "". When
// version is positive the delete only happens if the stored version still
// matches; otherwise ErrSuperseded is returned and the record is left alone.
func (c *Client) TakeAndClear(ctx context.Context, conversationID string, version int64) (string, error) {
	in := &dynamodb.DeleteItemInput{
		TableName:    aws.String(c.tableName),
		Key:          pendingKey(conversationID),
		ReturnValues: types.ReturnValueAllOld,
	}
	if version > 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(PK) OR #ver = :ver")
		in.ExpressionAttributeNames = map[string]string{"#ver": "version"}
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":ver": &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
		}
	}

	out, err := c.api.DeleteItem(ctx, in)
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return "", ErrSuperseded
		}
		return "", fmt.Errorf("repository: TakeAndClear: %w", err)
	}
	if out == nil || len(out.Attributes) == 0 {
		return "", nil
	}
	return joinedText(out.Attributes)
}

// joinedText decodes a deleted record. Older records stored a single
// "message" attribute instead of "message_list"; both are accepted.
func joinedText(item map[string]types.AttributeValue) (string, error) {
	if _, ok := item["message_list"]; ok {
		var rec pendingRecord
		if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
			return "", fmt.Errorf("repository: TakeAndClear unmarshal: %w", err)
		}
		return JoinFragments(rec.MessageList), nil
	}

	switch v := item["message"].(type) {
	case *types.AttributeValueMemberS:
		return strings.TrimSpace(v.Value), nil
	case *types.AttributeValueMemberL:
		parts := make([]string, 0, len(v.Value))
		for _, av := range v.Value {
			if s, ok := av.(*types.AttributeValueMemberS); ok {
				parts = append(parts, s.Value)
			}
		}
		return JoinFragments(parts), nil
	}
	return "", nil
}

// JoinFragments concatenates fragments in stored order with a single space
// and trims the result.
func JoinFragments(fragments []string) string {
	return strings.TrimSpace(strings.Join(fragments, " "))
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
