package orders

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

// Store encapsulates operations on the orders table and its idempotency guard table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	keysTable string
	nowFunc   func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tableName, keysTable string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		keysTable: keysTable,
		nowFunc:   time.Now,
	}
}

// Create atomically writes the order and a guard row for order.IdempotencyKey using
// TransactWriteItems. If either already exists the transaction is cancelled and
// ErrConflictingOrder is returned.
func (s *Store) Create(ctx context.Context, order Order) (string, error) {
	if order.OrderID == "" || order.IdempotencyKey == "" {
		return "", errors.New("order id and idempotency key are required")
	}
	if order.Status == "" {
		order.Status = StatusPendingPayment
	}
	now := s.nowFunc().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	orderMap, err := attributevalue.MarshalMap(order)
	if err != nil {
		return "", fmt.Errorf("marshal order item: %w", err)
	}
	keyMap, err := attributevalue.MarshalMap(orderKey{
		IdempotencyKey: order.IdempotencyKey,
		OrderID:        order.OrderID,
		CreatedAt:      now,
	})
	if err != nil {
		return "", fmt.Errorf("marshal order key: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           &s.keysTable,
					Item:                keyMap,
					ConditionExpression: awsString("attribute_not_exists(idempotency_key)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           &s.tableName,
					Item:                orderMap,
					ConditionExpression: awsString("attribute_not_exists(order_id)"),
				},
			},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return "", fmt.Errorf("%w: idempotency key %s", ErrConflictingOrder, order.IdempotencyKey)
		}
		return "", fmt.Errorf("transact write: %w", err)
	}
	return order.OrderID, nil
}

// Get fetches an order by order_id. Returns ErrNotFound if missing.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	key := map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: orderID},
	}
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            key,
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// UpdateStatus moves the order to newStatus if CanTransition allows it from the current
// status. Setting the current status again is a no-op. The write is conditional on the
// status read, so a concurrent change surfaces as ErrStatusMismatch.
func (s *Store) UpdateStatus(ctx context.Context, orderID, newStatus string) error {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status == newStatus {
		return nil
	}
	if !CanTransition(o.Status, newStatus) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, newStatus)
	}
	return s.transition(ctx, orderID, o.Status, newStatus)
}

func (s *Store) transition(ctx context.Context, orderID, expectedStatus, newStatus string) error {
	now := s.nowFunc().UTC()
	updateExpr := "SET #s = :new, updated_at = :ua"
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:         &updateExpr,
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: newStatus},
			":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			":expected": &types.AttributeValueMemberS{Value: expectedStatus},
		},
		ConditionExpression: awsString("#s = :expected"),
	}

	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var sc *types.ConditionalCheckFailedException
		if errors.As(err, &sc) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
