package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-checkout-saga/internal/aws"
)

// Attempt is the durable record of one run of the checkout saga.
type Attempt struct {
	AttemptID      string    `dynamodbav:"attempt_id" json:"attempt_id"` // PK
	IdempotencyKey string    `dynamodbav:"idempotency_key" json:"idempotency_key"`
	UserID         string    `dynamodbav:"user_id" json:"user_id"`
	State          State     `dynamodbav:"state" json:"state"`
	Note           string    `dynamodbav:"note,omitempty" json:"note,omitempty"`
	CreatedAt      time.Time `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at" json:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at" json:"-"`
}

// AttemptStore persists attempts; every transition is conditional on the previous state.
type AttemptStore struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration
	nowFunc   func() time.Time
}

func NewAttemptStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration) *AttemptStore {
	return &AttemptStore{client: client, tableName: tableName, ttlWindow: ttlWindow, nowFunc: time.Now}
}

// Start records a new attempt in STARTED.
func (s *AttemptStore) Start(ctx context.Context, attemptID, idempotencyKey, userID string) error {
	now := s.nowFunc().UTC()
	item, err := attributevalue.MarshalMap(Attempt{
		AttemptID:      attemptID,
		IdempotencyKey: idempotencyKey,
		UserID:         userID,
		State:          StateStarted,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.ttlWindow).Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(attempt_id)"),
	})
	if err != nil {
		var cf *types.ConditionalCheckFailedException
		if errors.As(err, &cf) {
			return fmt.Errorf("attempt %s already started: %w", attemptID, ErrStateConflict)
		}
		return fmt.Errorf("put attempt: %w", err)
	}
	return nil
}

// Advance moves the attempt from -> to. The write only succeeds if the stored state is
// still from.
func (s *AttemptStore) Advance(ctx context.Context, attemptID string, from, to State, note string) error {
	if !CanAdvance(from, to) {
		return fmt.Errorf("attempt %s: illegal transition %s -> %s", attemptID, from, to)
	}
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"attempt_id": &types.AttributeValueMemberS{Value: attemptID},
		},
		UpdateExpression:         awsString("SET #st = :to, note = :n, updated_at = :ua"),
		ConditionExpression:      awsString("#st = :from"),
		ExpressionAttributeNames: map[string]string{"#st": "state"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":to":   &types.AttributeValueMemberS{Value: string(to)},
			":from": &types.AttributeValueMemberS{Value: string(from)},
			":n":    &types.AttributeValueMemberS{Value: note},
			":ua":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		var cf *types.ConditionalCheckFailedException
		if errors.As(err, &cf) {
			return fmt.Errorf("attempt %s %s -> %s: %w", attemptID, from, to, ErrStateConflict)
		}
		return fmt.Errorf("update attempt: %w", err)
	}
	return nil
}

// Get returns the attempt or (nil, nil) when missing.
func (s *AttemptStore) Get(ctx context.Context, attemptID string) (*Attempt, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"attempt_id": &types.AttributeValueMemberS{Value: attemptID},
		},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var a Attempt
	if err := attributevalue.UnmarshalMap(out.Item, &a); err != nil {
		return nil, fmt.Errorf("unmarshal attempt: %w", err)
	}
	return &a, nil
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
