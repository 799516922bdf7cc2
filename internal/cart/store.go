package cart

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-checkout-saga/internal/aws"
)

const writeRetries = 3

// Store keeps one cart row per user.
type Store struct {
	client     aws.DynamoDBAPI
	tableName  string
	maxPerItem int
	locker     Locker
	nowFunc    func() time.Time
}

// NewStore creates a cart Store. maxPerItem caps a single line's quantity. A nil
// locker falls back to a LocalLocker.
func NewStore(client aws.DynamoDBAPI, tableName string, maxPerItem int, locker Locker) *Store {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Store{
		client:     client,
		tableName:  tableName,
		maxPerItem: maxPerItem,
		locker:     locker,
		nowFunc:    time.Now,
	}
}

// MaxPerItem returns the configured per-line cap.
func (s *Store) MaxPerItem() int { return s.maxPerItem }

// Get returns the user's cart, or an empty cart if none exists.
func (s *Store) Get(ctx context.Context, userID string) (Cart, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return Cart{}, fmt.Errorf("get cart: %w", err)
	}
	if len(out.Item) == 0 {
		return Cart{UserID: userID, Items: []Item{}}, nil
	}
	var c Cart
	if err := attributevalue.UnmarshalMap(out.Item, &c); err != nil {
		return Cart{}, fmt.Errorf("unmarshal cart: %w", err)
	}
	if c.Items == nil {
		c.Items = []Item{}
	}
	return c, nil
}

// UpsertItem sets the quantity of one line. qty <= 0 removes the line; qty above the
// per-item maximum fails with ErrQuantityLimitExceeded.
func (s *Store) UpsertItem(ctx context.Context, userID, productID string, qty int) (Cart, error) {
	if productID == "" {
		return Cart{}, errors.New("product id is required")
	}
	if s.maxPerItem > 0 && qty > s.maxPerItem {
		return Cart{}, fmt.Errorf("%w: %d > %d", ErrQuantityLimitExceeded, qty, s.maxPerItem)
	}
	return s.mutate(ctx, userID, func(c *Cart) {
		for i, it := range c.Items {
			if it.ProductID != productID {
				continue
			}
			if qty <= 0 {
				c.Items = append(c.Items[:i], c.Items[i+1:]...)
			} else {
				c.Items[i].Quantity = qty
			}
			return
		}
		if qty > 0 {
			c.Items = append(c.Items, Item{ProductID: productID, Quantity: qty})
		}
	})
}

// RemoveItem drops one line; removing a missing line is not an error.
func (s *Store) RemoveItem(ctx context.Context, userID, productID string) (Cart, error) {
	return s.UpsertItem(ctx, userID, productID, 0)
}

// Clear empties the user's cart.
func (s *Store) Clear(ctx context.Context, userID string) error {
	unlock, err := s.locker.Lock(ctx, userID)
	if err != nil {
		return fmt.Errorf("lock cart: %w", err)
	}
	defer unlock()

	_, err = s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

// mutate applies fn under the user's lock and writes the result guarded by version.
// The version check catches writers that bypass the locker.
func (s *Store) mutate(ctx context.Context, userID string, fn func(*Cart)) (Cart, error) {
	unlock, err := s.locker.Lock(ctx, userID)
	if err != nil {
		return Cart{}, fmt.Errorf("lock cart: %w", err)
	}
	defer unlock()

	for attempt := 0; attempt < writeRetries; attempt++ {
		c, err := s.Get(ctx, userID)
		if err != nil {
			return Cart{}, err
		}
		prev := c.Version
		fn(&c)
		c.Version = prev + 1
		c.UpdatedAt = s.nowFunc().UTC()

		item, err := attributevalue.MarshalMap(c)
		if err != nil {
			return Cart{}, fmt.Errorf("marshal cart: %w", err)
		}
		_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
			TableName:           &s.tableName,
			Item:                item,
			ConditionExpression: awsString("attribute_not_exists(user_id) OR version = :v"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(prev, 10)},
			},
		})
		if err == nil {
			return c, nil
		}
		var ccf *types.ConditionalCheckFailedException
		if !errors.As(err, &ccf) {
			return Cart{}, fmt.Errorf("put cart: %w", err)
		}
	}
	return Cart{}, ErrConcurrentUpdate
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
