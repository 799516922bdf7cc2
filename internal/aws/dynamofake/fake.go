// Package dynamofake is an in-memory stand-in for the DynamoDB operations used by the
// stores in this module. It evaluates condition, update and filter expressions, runs
// TransactWriteItems all-or-nothing and reports cancellation reasons the way DynamoDB does.
package dynamofake

import (
	"context"
	"fmt"
	"sort"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

type table struct {
	hashKey string
	items   map[string]map[string]types.AttributeValue
}

// DB is safe for concurrent use; every call runs under one mutex, which mirrors the
// per-item serializability DynamoDB guarantees for conditional writes.
type DB struct {
	mu        sync.Mutex
	tables    map[string]*table
	failures  map[string]error
	conflicts map[string]int
	calls     map[string]int
}

// New returns an empty DB. Tables must be created before use.
func New() *DB {
	return &DB{
		tables:    map[string]*table{},
		failures:  map[string]error{},
		conflicts: map[string]int{},
		calls:     map[string]int{},
	}
}

// CreateTable registers a table keyed by a single string or number hash key.
func (d *DB) CreateTable(name, hashKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables[name] = &table{hashKey: hashKey, items: map[string]map[string]types.AttributeValue{}}
}

// FailOn makes every call of op touching tableName return err until ClearFailures.
// An empty tableName matches any table.
func (d *DB) FailOn(op, tableName string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op+"/"+tableName] = err
}

// ConflictNext cancels the next n transactions that write to tableName with a
// TransactionConflict reason on each of that table's items, as DynamoDB does when another
// transaction is in flight on the same rows. Nothing is written by a cancelled transaction.
func (d *DB) ConflictNext(tableName string, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conflicts[tableName] = n
}

// ClearFailures removes all injected failures and pending conflicts.
func (d *DB) ClearFailures() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = map[string]error{}
	d.conflicts = map[string]int{}
}

// Calls returns how many times op was invoked.
func (d *DB) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// Item returns a copy of the stored item, or nil.
func (d *DB) Item(tableName, key string) map[string]types.AttributeValue {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tables[tableName]
	if !ok {
		return nil
	}
	it, ok := t.items[key]
	if !ok {
		return nil
	}
	return copyItem(it)
}

// Len returns the number of items in a table.
func (d *DB) Len(tableName string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tables[tableName]; ok {
		return len(t.items)
	}
	return 0
}

// Seed stores item directly, bypassing conditions.
func (d *DB) Seed(tableName string, item map[string]types.AttributeValue) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.table(tableName)
	if err != nil {
		return err
	}
	k, err := keyOf(t, item)
	if err != nil {
		return err
	}
	t.items[k] = copyItem(item)
	return nil
}

func (d *DB) begin(op string, tableNames ...string) error {
	d.calls[op]++
	if err, ok := d.failures[op+"/"]; ok {
		return err
	}
	for _, n := range tableNames {
		if err, ok := d.failures[op+"/"+n]; ok {
			return err
		}
	}
	return nil
}

func (d *DB) table(name string) (*table, error) {
	t, ok := d.tables[name]
	if !ok {
		msg := fmt.Sprintf("table %s not found", name)
		return nil, &types.ResourceNotFoundException{Message: &msg}
	}
	return t, nil
}

func keyOf(t *table, m map[string]types.AttributeValue) (string, error) {
	switch v := m[t.hashKey].(type) {
	case *types.AttributeValueMemberS:
		return v.Value, nil
	case *types.AttributeValueMemberN:
		return v.Value, nil
	default:
		return "", validationError(fmt.Sprintf("missing key attribute %s", t.hashKey))
	}
}

func validationError(msg string) error {
	return &smithy.GenericAPIError{Code: "ValidationException", Message: msg}
}

func conditionFailed() error {
	msg := "The conditional request failed"
	return &types.ConditionalCheckFailedException{Message: &msg}
}

func copyItem(in map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// PutItem implements aws.DynamoDBAPI.
func (d *DB) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name := strOrEmpty(in.TableName)
	if err := d.begin("PutItem", name); err != nil {
		return nil, err
	}
	t, err := d.table(name)
	if err != nil {
		return nil, err
	}
	k, err := keyOf(t, in.Item)
	if err != nil {
		return nil, err
	}
	ok, err := evalCondition(strOrEmpty(in.ConditionExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues, t.items[k])
	if err != nil {
		return nil, validationError(err.Error())
	}
	if !ok {
		return nil, conditionFailed()
	}
	t.items[k] = copyItem(in.Item)
	return &dyn.PutItemOutput{}, nil
}

// GetItem implements aws.DynamoDBAPI.
func (d *DB) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name := strOrEmpty(in.TableName)
	if err := d.begin("GetItem", name); err != nil {
		return nil, err
	}
	t, err := d.table(name)
	if err != nil {
		return nil, err
	}
	k, err := keyOf(t, in.Key)
	if err != nil {
		return nil, err
	}
	it, ok := t.items[k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(it)}, nil
}

// UpdateItem implements aws.DynamoDBAPI. A missing item is created from the key, as in DynamoDB.
func (d *DB) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name := strOrEmpty(in.TableName)
	if err := d.begin("UpdateItem", name); err != nil {
		return nil, err
	}
	t, err := d.table(name)
	if err != nil {
		return nil, err
	}
	updated, err := d.applyUpdate(t, in.Key, strOrEmpty(in.ConditionExpression), strOrEmpty(in.UpdateExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	out := &dyn.UpdateItemOutput{}
	if in.ReturnValues == types.ReturnValueAllNew || in.ReturnValues == types.ReturnValueUpdatedNew {
		out.Attributes = copyItem(updated)
	}
	return out, nil
}

func (d *DB) applyUpdate(t *table, key map[string]types.AttributeValue, cond, update string, names map[string]string, values map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	k, err := keyOf(t, key)
	if err != nil {
		return nil, err
	}
	current := t.items[k]
	ok, err := evalCondition(cond, names, values, current)
	if err != nil {
		return nil, validationError(err.Error())
	}
	if !ok {
		return nil, conditionFailed()
	}
	next, err := updatedItem(key, current, update, names, values)
	if err != nil {
		return nil, err
	}
	t.items[k] = next
	return next, nil
}

func updatedItem(key, current map[string]types.AttributeValue, update string, names map[string]string, values map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	base := current
	if base == nil {
		base = key
	}
	assigns, err := evalUpdate(update, names, values, base)
	if err != nil {
		return nil, validationError(err.Error())
	}
	next := copyItem(base)
	for _, a := range assigns {
		next[a.name] = a.value
	}
	return next, nil
}

// DeleteItem implements aws.DynamoDBAPI.
func (d *DB) DeleteItem(ctx context.Context, in *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name := strOrEmpty(in.TableName)
	if err := d.begin("DeleteItem", name); err != nil {
		return nil, err
	}
	t, err := d.table(name)
	if err != nil {
		return nil, err
	}
	k, err := keyOf(t, in.Key)
	if err != nil {
		return nil, err
	}
	old, existed := t.items[k]
	ok, err := evalCondition(strOrEmpty(in.ConditionExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues, old)
	if err != nil {
		return nil, validationError(err.Error())
	}
	if !ok {
		return nil, conditionFailed()
	}
	delete(t.items, k)
	out := &dyn.DeleteItemOutput{}
	if existed && in.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = copyItem(old)
	}
	return out, nil
}

// Scan implements aws.DynamoDBAPI. Items come back in key order in a single page.
func (d *DB) Scan(ctx context.Context, in *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name := strOrEmpty(in.TableName)
	if err := d.begin("Scan", name); err != nil {
		return nil, err
	}
	t, err := d.table(name)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(t.items))
	for k := range t.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := &dyn.ScanOutput{}
	for _, k := range keys {
		it := t.items[k]
		ok, err := evalCondition(strOrEmpty(in.FilterExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues, it)
		if err != nil {
			return nil, validationError(err.Error())
		}
		if ok {
			out.Items = append(out.Items, copyItem(it))
		}
	}
	out.Count = int32(len(out.Items))
	out.ScannedCount = int32(len(keys))
	return out, nil
}

type txTarget struct {
	t   *table
	key string
}

// TransactWriteItems implements aws.DynamoDBAPI. Every condition is checked against the
// state before the transaction; if any fails nothing is written and a
// TransactionCanceledException carries one reason per item.
func (d *DB) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, 0, len(in.TransactItems))
	for _, it := range in.TransactItems {
		switch {
		case it.Put != nil:
			names = append(names, strOrEmpty(it.Put.TableName))
		case it.Update != nil:
			names = append(names, strOrEmpty(it.Update.TableName))
		case it.Delete != nil:
			names = append(names, strOrEmpty(it.Delete.TableName))
		case it.ConditionCheck != nil:
			names = append(names, strOrEmpty(it.ConditionCheck.TableName))
		}
	}
	if err := d.begin("TransactWriteItems", names...); err != nil {
		return nil, err
	}
	if len(in.TransactItems) == 0 || len(in.TransactItems) > 100 {
		return nil, validationError("transaction must contain between 1 and 100 items")
	}
	if err := d.takeConflict(names); err != nil {
		return nil, err
	}

	targets := make([]txTarget, len(in.TransactItems))
	seen := map[string]bool{}
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false

	for i, it := range in.TransactItems {
		var (
			tblName, cond string
			key           map[string]types.AttributeValue
			exprNames     map[string]string
			exprValues    map[string]types.AttributeValue
		)
		switch {
		case it.Put != nil:
			tblName, cond, key = strOrEmpty(it.Put.TableName), strOrEmpty(it.Put.ConditionExpression), it.Put.Item
			exprNames, exprValues = it.Put.ExpressionAttributeNames, it.Put.ExpressionAttributeValues
		case it.Update != nil:
			tblName, cond, key = strOrEmpty(it.Update.TableName), strOrEmpty(it.Update.ConditionExpression), it.Update.Key
			exprNames, exprValues = it.Update.ExpressionAttributeNames, it.Update.ExpressionAttributeValues
		case it.Delete != nil:
			tblName, cond, key = strOrEmpty(it.Delete.TableName), strOrEmpty(it.Delete.ConditionExpression), it.Delete.Key
			exprNames, exprValues = it.Delete.ExpressionAttributeNames, it.Delete.ExpressionAttributeValues
		case it.ConditionCheck != nil:
			tblName, cond, key = strOrEmpty(it.ConditionCheck.TableName), strOrEmpty(it.ConditionCheck.ConditionExpression), it.ConditionCheck.Key
			exprNames, exprValues = it.ConditionCheck.ExpressionAttributeNames, it.ConditionCheck.ExpressionAttributeValues
		default:
			return nil, validationError("empty transact item")
		}
		t, err := d.table(tblName)
		if err != nil {
			return nil, err
		}
		k, err := keyOf(t, key)
		if err != nil {
			return nil, err
		}
		id := tblName + "/" + k
		if seen[id] {
			return nil, validationError("Transaction request cannot include multiple operations on one item")
		}
		seen[id] = true
		targets[i] = txTarget{t: t, key: k}

		ok, err := evalCondition(cond, exprNames, exprValues, t.items[k])
		if err != nil {
			return nil, validationError(err.Error())
		}
		code := "None"
		if !ok {
			code = "ConditionalCheckFailed"
			failed = true
		}
		reasons[i] = types.CancellationReason{Code: &code}
	}

	if failed {
		msg := "Transaction cancelled, please refer cancellation reasons for specific reasons"
		return nil, &types.TransactionCanceledException{Message: &msg, CancellationReasons: reasons}
	}

	// compute every write before applying so a bad update expression leaves no partial state
	writes := make([]map[string]types.AttributeValue, len(in.TransactItems))
	for i, it := range in.TransactItems {
		tg := targets[i]
		switch {
		case it.Put != nil:
			writes[i] = copyItem(it.Put.Item)
		case it.Update != nil:
			next, err := updatedItem(it.Update.Key, tg.t.items[tg.key], strOrEmpty(it.Update.UpdateExpression), it.Update.ExpressionAttributeNames, it.Update.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
			writes[i] = next
		}
	}
	for i, it := range in.TransactItems {
		tg := targets[i]
		switch {
		case it.Put != nil, it.Update != nil:
			tg.t.items[tg.key] = writes[i]
		case it.Delete != nil:
			delete(tg.t.items, tg.key)
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

// takeConflict consumes one injected conflict for the first matching table and returns
// the cancellation DynamoDB would report.
func (d *DB) takeConflict(names []string) error {
	hit := ""
	for _, n := range names {
		if d.conflicts[n] > 0 {
			hit = n
			break
		}
	}
	if hit == "" {
		return nil
	}
	d.conflicts[hit]--
	reasons := make([]types.CancellationReason, len(names))
	for i, n := range names {
		code := "None"
		if n == hit {
			code = "TransactionConflict"
		}
		reasons[i] = types.CancellationReason{Code: &code}
	}
	msg := "Transaction cancelled, please refer cancellation reasons for specific reasons"
	return &types.TransactionCanceledException{Message: &msg, CancellationReasons: reasons}
}
