package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"golang.org/x/sync/errgroup"

	"github.com/imrishuroy/go-checkout-saga/internal/aws"
	"github.com/imrishuroy/go-checkout-saga/internal/money"
)

// lookupConcurrency bounds parallel GetItem calls in GetMany.
const lookupConcurrency = 8

// Store reads and writes product rows.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a catalog Store over the products table.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Create inserts a new product with its initial stock. Fails if the id already exists.
func (s *Store) Create(ctx context.Context, p Product) error {
	if p.ProductID == "" {
		return errors.New("product id is required")
	}
	if p.Available < 0 {
		return fmt.Errorf("product %s: available must be >= 0", p.ProductID)
	}
	p.UpdatedAt = s.nowFunc().UTC()
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("marshal product: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(product_id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("product %s already exists", p.ProductID)
		}
		return fmt.Errorf("put product: %w", err)
	}
	return nil
}

// UpdatePrice changes the unit price. Orders already placed keep their snapshot price.
func (s *Store) UpdatePrice(ctx context.Context, productID string, price money.Amount) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"product_id": &types.AttributeValueMemberS{Value: productID},
		},
		ConditionExpression: awsString("attribute_exists(product_id)"),
		UpdateExpression:    awsString("SET price_cents = :p, updated_at = :ua"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", price.Cents())},
			":ua": &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrProductNotFound
		}
		return fmt.Errorf("update price: %w", err)
	}
	return nil
}

// Get fetches one product. Returns ErrProductNotFound if missing.
func (s *Store) Get(ctx context.Context, productID string) (*Product, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"product_id": &types.AttributeValueMemberS{Value: productID},
		},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrProductNotFound
	}
	var p Product
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return nil, fmt.Errorf("unmarshal product: %w", err)
	}
	return &p, nil
}

// GetMany fetches several products concurrently, keyed by id. The first missing id
// fails the whole call with an error wrapping ErrProductNotFound.
func (s *Store) GetMany(ctx context.Context, productIDs []string) (map[string]Product, error) {
	results := make([]*Product, len(productIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lookupConcurrency)
	for i, id := range productIDs {
		i, id := i, id
		g.Go(func() error {
			p, err := s.Get(gctx, id)
			if err != nil {
				return fmt.Errorf("product %s: %w", id, err)
			}
			results[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]Product, len(results))
	for _, p := range results {
		out[p.ProductID] = *p
	}
	return out, nil
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
