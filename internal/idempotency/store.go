package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/imrishuroy/go-checkout-saga/internal/aws"
	"github.com/imrishuroy/go-checkout-saga/internal/money"
	"github.com/imrishuroy/go-checkout-saga/internal/orders"
)

const maxClaimRounds = 3

// Store encapsulates checkout request operations against DynamoDB.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration // how long finished records are kept
	nowFunc   func() time.Time
	newID     func() string
}

// NewStore returns a configured Store.
// tableName: DynamoDB table name for request records.
// ttlWindow: default TTL window (e.g., 48*time.Hour)
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		nowFunc:   time.Now,
		newID:     uuid.NewString,
	}
}

// Claim takes ownership of the request identified by key for a new attempt.
//
// A missing record is created IN_PROGRESS. A FAILED record, or an IN_PROGRESS record whose
// lease has expired, is reclaimed: it gets a fresh attempt id and keeps everything else
// (payment key, snapshot, order id, payment outcome). In both cases claimed is true and
// rec describes the new attempt.
//
// Otherwise claimed is false and rec is the current record: DONE means the stored result
// should be replayed, IN_PROGRESS means another attempt is live.
func (s *Store) Claim(ctx context.Context, key, userID string, lease time.Duration) (*Record, bool, error) {
	for round := 0; round < maxClaimRounds; round++ {
		rec, created, err := s.create(ctx, key, userID, lease)
		if err != nil {
			return nil, false, err
		}
		if created {
			return rec, true, nil
		}

		cur, err := s.Get(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if cur == nil {
			// expired by TTL between the put and the read
			continue
		}
		if cur.UserID != userID {
			return nil, false, ErrUserMismatch
		}
		if cur.Status == StatusDone || cur.LeaseActive(s.nowFunc()) {
			return cur, false, nil
		}

		rec, err = s.reclaim(ctx, cur, lease)
		if errors.Is(err, ErrNotOwner) {
			// somebody else reclaimed first; look again
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return rec, true, nil
	}

	cur, err := s.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if cur == nil {
		return nil, false, fmt.Errorf("claim %s: record vanished", key)
	}
	return cur, false, nil
}

func (s *Store) create(ctx context.Context, key, userID string, lease time.Duration) (*Record, bool, error) {
	now := s.nowFunc()
	rec := Record{
		IdempotencyKey: key,
		Status:         StatusInProgress,
		UserID:         userID,
		AttemptID:      s.newID(),
		Attempts:       1,
		OrderID:        s.newID(),
		LeaseExpiresAt: now.Add(lease).UnixMilli(),
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.ttlWindow).Unix(),
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, false, fmt.Errorf("marshal record: %w", err)
	}

	input := &dyn.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
		// Only create when attribute_not_exists(idempotency_key)
		ConditionExpression: awsString("attribute_not_exists(idempotency_key)"),
	}

	_, err = s.client.PutItem(ctx, input)
	if err != nil {
		if isConditionFailed(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("put item: %w", err)
	}
	return &rec, true, nil
}

func (s *Store) reclaim(ctx context.Context, cur *Record, lease time.Duration) (*Record, error) {
	now := s.nowFunc()
	attemptID := s.newID()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key:       keyOf(cur.IdempotencyKey),
		UpdateExpression: awsString("SET #s = :inprogress, attempt_id = :new, previous_attempt_id = :prev, " +
			"attempts = attempts + :one, lease_expires_at = :lease, updated_at = :ua, expires_at = :exp"),
		ConditionExpression: awsString("attempt_id = :prev AND (#s = :failed OR (#s = :inprogress AND lease_expires_at < :now))"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inprogress": &types.AttributeValueMemberS{Value: StatusInProgress},
			":failed":     &types.AttributeValueMemberS{Value: StatusFailed},
			":new":        &types.AttributeValueMemberS{Value: attemptID},
			":prev":       &types.AttributeValueMemberS{Value: cur.AttemptID},
			":one":        numberAttr(1),
			":lease":      numberAttr(now.Add(lease).UnixMilli()),
			":now":        numberAttr(now.UnixMilli()),
			":ua":         &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			":exp":        numberAttr(now.Add(s.ttlWindow).Unix()),
		},
		ReturnValues: types.ReturnValueAllNew,
	}
	out, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		if isConditionFailed(err) {
			return nil, ErrNotOwner
		}
		return nil, fmt.Errorf("update item (reclaim): %w", err)
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Attributes, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// Get retrieves a request record by key. If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	input := &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            keyOf(key),
		ConsistentRead: awsBool(true),
	}
	out, err := s.client.GetItem(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// SaveSnapshot stores the priced lines, the total and the payment key. It must happen
// before any side effect so that every later attempt charges exactly the same thing.
func (s *Store) SaveSnapshot(ctx context.Context, key, attemptID string, lines []orders.Item, amount money.Amount, paymentKey string) error {
	av, err := attributevalue.Marshal(lines)
	if err != nil {
		return fmt.Errorf("marshal lines: %w", err)
	}
	return s.update(ctx, key, attemptID, "save snapshot",
		"SET lines = :l, amount_cents = :a, payment_key = :pk",
		map[string]types.AttributeValue{
			":l":  av,
			":a":  numberAttr(amount.Cents()),
			":pk": &types.AttributeValueMemberS{Value: paymentKey},
		})
}

// RecordPayment stores the gateway outcome and reference for the request, and remembers
// attemptID as the holder of the reservation the payment covers.
func (s *Store) RecordPayment(ctx context.Context, key, attemptID, outcome, reference string) error {
	return s.update(ctx, key, attemptID, "record payment",
		"SET payment_outcome = :o, payment_reference = :r, reserved_by = :att",
		map[string]types.AttributeValue{
			":o": &types.AttributeValueMemberS{Value: outcome},
			":r": &types.AttributeValueMemberS{Value: reference},
		})
}

// MarkCommitted records that the paid-for reservation has been turned into a sale.
func (s *Store) MarkCommitted(ctx context.Context, key, attemptID string) error {
	return s.update(ctx, key, attemptID, "mark committed",
		"SET reservation_committed = :c",
		map[string]types.AttributeValue{
			":c": &types.AttributeValueMemberBOOL{Value: true},
		})
}

// MarkDone sets status to DONE and stores a small response body & status so that retries
// of the same key replay it.
func (s *Store) MarkDone(ctx context.Context, key, attemptID, responseBody string, responseStatus int) error {
	return s.update(ctx, key, attemptID, "mark done",
		"SET #s = :st, response_body = :rb, response_status = :rs",
		map[string]types.AttributeValue{
			":st": &types.AttributeValueMemberS{Value: StatusDone},
			":rb": &types.AttributeValueMemberS{Value: responseBody},
			":rs": numberAttr(int64(responseStatus)),
		})
}

// MarkFailed marks the request as FAILED so the same key may be retried, and stores a note.
func (s *Store) MarkFailed(ctx context.Context, key, attemptID, note string) error {
	return s.update(ctx, key, attemptID, "mark failed",
		"SET #s = :st, note = :n",
		map[string]types.AttributeValue{
			":st": &types.AttributeValueMemberS{Value: StatusFailed},
			":n":  &types.AttributeValueMemberS{Value: note},
		})
}

// update applies set on behalf of attemptID; it fails with ErrNotOwner once the request
// has been reclaimed by a newer attempt.
func (s *Store) update(ctx context.Context, key, attemptID, op, set string, values map[string]types.AttributeValue) error {
	now := s.nowFunc()
	values[":att"] = &types.AttributeValueMemberS{Value: attemptID}
	values[":ua"] = &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)}
	input := &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       keyOf(key),
		UpdateExpression:          awsString(set + ", updated_at = :ua"),
		ConditionExpression:       awsString("attempt_id = :att"),
		ExpressionAttributeValues: values,
	}
	if _, ok := values[":st"]; ok {
		input.ExpressionAttributeNames = map[string]string{"#s": "status"}
	}
	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("%s %s: %w", op, key, ErrNotOwner)
		}
		return fmt.Errorf("update item (%s): %w", op, err)
	}
	return nil
}

func isConditionFailed(err error) bool {
	var sc smithy.APIError
	return errors.As(err, &sc) && sc.ErrorCode() == "ConditionalCheckFailedException"
}

func keyOf(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: key},
	}
}

func numberAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

// Helper
func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
