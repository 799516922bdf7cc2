package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-checkout-saga/internal/aws"
)

// MaxItemsPerReservation keeps a reservation within one DynamoDB transaction
// (two writes per item, 100 writes max).
const MaxItemsPerReservation = 50

const (
	condProductHasStock   = "attribute_exists(product_id) AND available >= :q"
	condReservationAbsent = "attribute_not_exists(reservation_id)"
	condReservationExists = "attribute_exists(reservation_id)"
)

const (
	reasonConditionFailed = "ConditionalCheckFailed"
	reasonConflict        = "TransactionConflict"

	conflictAttempts = 4
	conflictBackoff  = 15 * time.Millisecond
)

// Ledger keeps available stock on the products table and short-lived reservation rows
// in the reservations table. Every change to available is a conditional write, so
// available never drops below zero regardless of how many servers reserve at once.
type Ledger struct {
	client            aws.DynamoDBAPI
	productsTable     string
	reservationsTable string
	ttl               time.Duration
	logger            *slog.Logger
	nowFunc           func() time.Time
	sleep             func(context.Context, time.Duration) error
}

// NewLedger returns a Ledger; ttl is how long a reservation holds stock before the
// sweeper may return it.
func NewLedger(client aws.DynamoDBAPI, productsTable, reservationsTable string, ttl time.Duration, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		client:            client,
		productsTable:     productsTable,
		reservationsTable: reservationsTable,
		ttl:               ttl,
		logger:            logger,
		nowFunc:           time.Now,
		sleep:             sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// transact runs one transaction, re-running it with jittered exponential backoff while
// DynamoDB cancels it only because another transaction holds the same rows. A condition
// failure is returned as is; exhausting the retries yields ErrContention.
func (l *Ledger) transact(ctx context.Context, items []types.TransactWriteItem) error {
	backoff := conflictBackoff
	for i := 1; ; i++ {
		_, err := l.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: items})
		var tce *types.TransactionCanceledException
		if err == nil || !errors.As(err, &tce) || !hasReason(tce, reasonConflict) || hasReason(tce, reasonConditionFailed) {
			return err
		}
		if i >= conflictAttempts {
			return fmt.Errorf("%w: %d attempts: %v", ErrContention, i, err)
		}
		l.logger.Debug("transaction conflict, retrying", "attempt", i)
		wait := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2+1)))
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
		backoff *= 2
	}
}

func hasReason(tce *types.TransactionCanceledException, code string) bool {
	for _, r := range tce.CancellationReasons {
		if r.Code != nil && *r.Code == code {
			return true
		}
	}
	return false
}

func reasonAt(tce *types.TransactionCanceledException, i int) string {
	if i >= len(tce.CancellationReasons) || tce.CancellationReasons[i].Code == nil {
		return ""
	}
	return *tce.CancellationReasons[i].Code
}

// normalize merges duplicate product lines and orders items by product id.
func normalize(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrInvalidReservation)
	}
	merged := map[string]int{}
	for _, it := range items {
		if it.ProductID == "" || it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item %q quantity %d", ErrInvalidReservation, it.ProductID, it.Quantity)
		}
		merged[it.ProductID] += it.Quantity
	}
	if len(merged) > MaxItemsPerReservation {
		return nil, fmt.Errorf("%w: %d products exceeds limit of %d", ErrInvalidReservation, len(merged), MaxItemsPerReservation)
	}
	out := make([]Item, 0, len(merged))
	for id, q := range merged {
		out = append(out, Item{ProductID: id, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

// Reserve holds every item for attemptID in one transaction: either all products are
// decremented and a reservation row written per product, or nothing changes.
// Products already reserved under attemptID are not reserved twice.
func (l *Ledger) Reserve(ctx context.Context, attemptID string, items []Item) (ReservationSet, error) {
	if attemptID == "" {
		return ReservationSet{}, fmt.Errorf("%w: empty attempt id", ErrInvalidReservation)
	}
	norm, err := normalize(items)
	if err != nil {
		return ReservationSet{}, err
	}
	set := ReservationSet{AttemptID: attemptID, Items: norm}

	var pending []Item
	for _, it := range norm {
		held, err := l.reservationExists(ctx, attemptID, it.ProductID)
		if err != nil {
			return ReservationSet{}, err
		}
		if !held {
			pending = append(pending, it)
		}
	}
	if len(pending) == 0 {
		return set, nil
	}

	now := l.nowFunc()
	expires := now.Add(l.ttl).Unix()
	tx := make([]types.TransactWriteItem, 0, 2*len(pending))
	for _, it := range pending {
		row, err := attributevalue.MarshalMap(reservation{
			ReservationID: reservationID(attemptID, it.ProductID),
			AttemptID:     attemptID,
			ProductID:     it.ProductID,
			Quantity:      it.Quantity,
			ExpiresAt:     expires,
			CreatedAt:     now.Unix(),
		})
		if err != nil {
			return ReservationSet{}, fmt.Errorf("marshal reservation: %w", err)
		}
		tx = append(tx,
			types.TransactWriteItem{Update: &types.Update{
				TableName: &l.productsTable,
				Key: map[string]types.AttributeValue{
					"product_id": &types.AttributeValueMemberS{Value: it.ProductID},
				},
				ConditionExpression: awsString(condProductHasStock),
				UpdateExpression:    awsString("SET available = available - :q"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":q": numberAttr(int64(it.Quantity)),
				},
			}},
			types.TransactWriteItem{Put: &types.Put{
				TableName:           &l.reservationsTable,
				Item:                row,
				ConditionExpression: awsString(condReservationAbsent),
			}},
		)
	}

	if err := l.transact(ctx, tx); err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) && !errors.Is(err, ErrContention) {
			return ReservationSet{}, l.cancellationError(attemptID, pending, tce, err)
		}
		return ReservationSet{}, fmt.Errorf("reserve transact write: %w", err)
	}

	l.logger.Debug("inventory reserved", "attempt_id", attemptID, "items", len(pending), "expires_at", expires)
	return set, nil
}

// cancellationError maps cancellation reasons back to the product at fault. Items are
// laid out as [update p0, put p0, update p1, put p1, ...].
func (l *Ledger) cancellationError(attemptID string, pending []Item, tce *types.TransactionCanceledException, err error) error {
	for i, r := range tce.CancellationReasons {
		if r.Code == nil || *r.Code != reasonConditionFailed {
			continue
		}
		it := pending[i/2]
		if i%2 == 0 {
			return &InsufficientStockError{ProductID: it.ProductID}
		}
		// a concurrent Reserve for the same attempt won the race
		return fmt.Errorf("reservation for attempt %s product %s written concurrently: %w", attemptID, it.ProductID, err)
	}
	return fmt.Errorf("reserve transaction canceled: %w", err)
}

func (l *Ledger) reservationExists(ctx context.Context, attemptID, productID string) (bool, error) {
	r, err := l.getReservation(ctx, attemptID, productID)
	return r != nil, err
}

// Commit turns the reservations into permanent deductions by deleting the rows; stock
// was already decremented at reserve time. Items whose row is already gone are reported
// through a *LostReservationError after the remaining items are committed.
func (l *Ledger) Commit(ctx context.Context, set ReservationSet) error {
	var lost []string
	for _, it := range set.Items {
		_, err := l.client.DeleteItem(ctx, &dyn.DeleteItemInput{
			TableName: &l.reservationsTable,
			Key: map[string]types.AttributeValue{
				"reservation_id": &types.AttributeValueMemberS{Value: reservationID(set.AttemptID, it.ProductID)},
			},
			ConditionExpression: awsString(condReservationExists),
		})
		if err != nil {
			var ccf *types.ConditionalCheckFailedException
			if errors.As(err, &ccf) {
				lost = append(lost, it.ProductID)
				continue
			}
			return fmt.Errorf("commit reservation %s: %w", reservationID(set.AttemptID, it.ProductID), err)
		}
	}
	if len(lost) > 0 {
		return &LostReservationError{AttemptID: set.AttemptID, ProductIDs: lost}
	}
	return nil
}

// Release gives back the quantity recorded on each reservation row. Each item is
// released in its own transaction guarded by the row, so calling Release again, or
// after a Commit, restores nothing twice.
func (l *Ledger) Release(ctx context.Context, set ReservationSet) error {
	var errs []error
	for _, it := range set.Items {
		row, err := l.getReservation(ctx, set.AttemptID, it.ProductID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if row == nil {
			continue
		}
		if _, err := l.releaseOne(ctx, row.AttemptID, row.ProductID, row.Quantity); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Ledger) getReservation(ctx context.Context, attemptID, productID string) (*reservation, error) {
	out, err := l.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &l.reservationsTable,
		Key: map[string]types.AttributeValue{
			"reservation_id": &types.AttributeValueMemberS{Value: reservationID(attemptID, productID)},
		},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var r reservation
	if err := attributevalue.UnmarshalMap(out.Item, &r); err != nil {
		return nil, fmt.Errorf("unmarshal reservation: %w", err)
	}
	return &r, nil
}

// releaseOne reports whether stock was actually returned.
func (l *Ledger) releaseOne(ctx context.Context, attemptID, productID string, qty int) (bool, error) {
	rid := reservationID(attemptID, productID)
	err := l.transact(ctx, []types.TransactWriteItem{
		{Delete: &types.Delete{
			TableName: &l.reservationsTable,
			Key: map[string]types.AttributeValue{
				"reservation_id": &types.AttributeValueMemberS{Value: rid},
			},
			ConditionExpression: awsString(condReservationExists + " AND quantity = :q"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":q": numberAttr(int64(qty)),
			},
		}},
		{Update: &types.Update{
			TableName: &l.productsTable,
			Key: map[string]types.AttributeValue{
				"product_id": &types.AttributeValueMemberS{Value: productID},
			},
			ConditionExpression: awsString("attribute_exists(product_id)"),
			UpdateExpression:    awsString("SET available = available + :q"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":q": numberAttr(int64(qty)),
			},
		}},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) && !errors.Is(err, ErrContention) && reasonAt(tce, 0) == reasonConditionFailed {
			// row already committed or released
			return false, nil
		}
		return false, fmt.Errorf("release reservation %s: %w", rid, err)
	}
	return true, nil
}

// Sweep releases every reservation whose expiry has passed and returns how many rows
// were released. It is the crash-recovery path for attempts that never committed or
// released.
func (l *Ledger) Sweep(ctx context.Context) (int, error) {
	now := l.nowFunc().Unix()
	input := &dyn.ScanInput{
		TableName:        &l.reservationsTable,
		FilterExpression: awsString("expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": numberAttr(now),
		},
		ConsistentRead: awsBool(true),
	}

	released := 0
	var errs []error
	for {
		out, err := l.client.Scan(ctx, input)
		if err != nil {
			return released, fmt.Errorf("scan expired reservations: %w", err)
		}
		for _, item := range out.Items {
			var r reservation
			if err := attributevalue.UnmarshalMap(item, &r); err != nil {
				errs = append(errs, fmt.Errorf("unmarshal reservation: %w", err))
				continue
			}
			ok, err := l.releaseOne(ctx, r.AttemptID, r.ProductID, r.Quantity)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				released++
				l.logger.Info("expired reservation released",
					"attempt_id", r.AttemptID, "product_id", r.ProductID, "quantity", r.Quantity)
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return released, errors.Join(errs...)
}

// RunSweeper calls Sweep every interval until ctx is done. onSweep, if set, receives
// the count of each successful pass.
func (l *Ledger) RunSweeper(ctx context.Context, interval time.Duration, onSweep func(int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.Sweep(ctx)
			if err != nil {
				l.logger.Error("reservation sweep failed", "error", err, "released", n)
			}
			if onSweep != nil && n > 0 {
				onSweep(n)
			}
		}
	}
}

func numberAttr(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
