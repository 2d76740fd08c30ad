package sequences

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-cart-recovery/internal/aws"
)

// activeGuard is the item that pins the one active instance of a
// (campaign, customer) pair. It lives in the sequences table under the key
// active#<campaign>#<customer>.
type activeGuard struct {
	Key        string    `dynamodbav:"sequence_id"` // PK
	InstanceID string    `dynamodbav:"instance_id"`
	UpdatedAt  time.Time `dynamodbav:"updated_at"`
}

// DynamoStore keeps instances and their active guards in one table.
type DynamoStore struct {
	client    aws.DynamoDBAPI
	tableName string
}

// NewDynamoStore creates a store over the sequences table.
func NewDynamoStore(client aws.DynamoDBAPI, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

func (s *DynamoStore) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"sequence_id": &types.AttributeValueMemberS{Value: id},
	}
}

func attrS(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }
func attrN(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func timeAV(t time.Time) types.AttributeValue {
	av, err := attributevalue.Marshal(t)
	if err != nil {
		panic(err)
	}
	return av
}

func (s *DynamoStore) getItem(ctx context.Context, id string, out interface{}) (bool, error) {
	res, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            s.key(id),
		ConsistentRead: sdkBool(true),
	})
	if err != nil {
		return false, fmt.Errorf("get item: %w", err)
	}
	if len(res.Item) == 0 {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(res.Item, out); err != nil {
		return false, fmt.Errorf("unmarshal item: %w", err)
	}
	return true, nil
}

// Get fetches an instance by id. Returns (nil, nil) if not found.
func (s *DynamoStore) Get(ctx context.Context, id string) (*Instance, error) {
	var inst Instance
	found, err := s.getItem(ctx, id, &inst)
	if err != nil || !found {
		return nil, err
	}
	return &inst, nil
}

func (s *DynamoStore) guard(ctx context.Context, campaign, customerKey string) (*activeGuard, error) {
	var g activeGuard
	found, err := s.getItem(ctx, activeKey(campaign, customerKey), &g)
	if err != nil || !found {
		return nil, err
	}
	return &g, nil
}

// Active returns the instance the guard points at when it is still active.
func (s *DynamoStore) Active(ctx context.Context, campaign, customerKey string) (*Instance, error) {
	g, err := s.guard(ctx, campaign, customerKey)
	if err != nil || g == nil {
		return nil, err
	}
	inst, err := s.Get(ctx, g.InstanceID)
	if err != nil || inst == nil || inst.Status != StatusActive {
		return nil, err
	}
	return inst, nil
}

func (s *DynamoStore) cancelUpdate(id string, now time.Time) *types.Update {
	return &types.Update{
		TableName:                &s.tableName,
		Key:                      s.key(id),
		UpdateExpression:         aws.String("SET #s = :cancelled, updated_at = :ua"),
		ConditionExpression:      aws.String("#s = :active"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cancelled": attrS(string(StatusCancelled)),
			":active":    attrS(string(StatusActive)),
			":ua":        timeAV(now),
		},
	}
}

// Start cancels the previous active instance, swaps the guard and inserts inst
// in one transaction. A concurrent Start for the same pair makes it fail with
// ErrConflict.
func (s *DynamoStore) Start(ctx context.Context, inst Instance, now time.Time) (*Instance, error) {
	g, err := s.guard(ctx, inst.Campaign, inst.CustomerKey)
	if err != nil {
		return nil, err
	}
	var previous *Instance
	if g != nil {
		if previous, err = s.Get(ctx, g.InstanceID); err != nil {
			return nil, err
		}
	}

	instMap, err := attributevalue.MarshalMap(inst)
	if err != nil {
		return nil, fmt.Errorf("marshal instance: %w", err)
	}
	guardMap, err := attributevalue.MarshalMap(activeGuard{
		Key:        activeKey(inst.Campaign, inst.CustomerKey),
		InstanceID: inst.ID,
		UpdatedAt:  now,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal guard: %w", err)
	}

	guardPut := &types.Put{TableName: &s.tableName, Item: guardMap}
	if g == nil {
		guardPut.ConditionExpression = aws.String("attribute_not_exists(sequence_id)")
	} else {
		guardPut.ConditionExpression = aws.String("instance_id = :prev")
		guardPut.ExpressionAttributeValues = map[string]types.AttributeValue{":prev": attrS(g.InstanceID)}
	}

	items := []types.TransactWriteItem{
		{Put: guardPut},
		{Put: &types.Put{
			TableName:           &s.tableName,
			Item:                instMap,
			ConditionExpression: aws.String("attribute_not_exists(sequence_id)"),
		}},
	}
	if previous != nil && previous.Status == StatusActive {
		items = append(items, types.TransactWriteItem{Update: s.cancelUpdate(previous.ID, now)})
	} else {
		previous = nil
	}

	if _, err := s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: items}); err != nil {
		if aws.IsTransactionCanceled(err) || aws.IsConditionalCheckFailed(err) {
			return nil, fmt.Errorf("start %s for %s: %w", inst.Campaign, inst.CustomerKey, ErrConflict)
		}
		return nil, fmt.Errorf("transact write: %w", err)
	}
	if previous != nil {
		previous.Status = StatusCancelled
		previous.UpdatedAt = now
	}
	return previous, nil
}

func (s *DynamoStore) guardDelete(campaign, customerKey, id string) *types.Delete {
	return &types.Delete{
		TableName:                 &s.tableName,
		Key:                       s.key(activeKey(campaign, customerKey)),
		ConditionExpression:       aws.String("instance_id = :id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":id": attrS(id)},
	}
}

// Cancel cancels the active instance and drops its guard.
func (s *DynamoStore) Cancel(ctx context.Context, campaign, customerKey string, now time.Time) (*Instance, error) {
	inst, err := s.Active(ctx, campaign, customerKey)
	if err != nil || inst == nil {
		return nil, err
	}
	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Update: s.cancelUpdate(inst.ID, now)},
			{Delete: s.guardDelete(campaign, customerKey, inst.ID)},
		},
	})
	if err != nil {
		if aws.IsTransactionCanceled(err) || aws.IsConditionalCheckFailed(err) {
			// completed, cancelled or replaced concurrently; nothing left to cancel
			return nil, nil
		}
		return nil, fmt.Errorf("transact write (cancel): %w", err)
	}
	inst.Status = StatusCancelled
	inst.UpdatedAt = now
	return inst, nil
}

// ListDue scans for active instances whose next step is due.
func (s *DynamoStore) ListDue(ctx context.Context, now time.Time, limit int) ([]Instance, error) {
	input := &dyn.ScanInput{
		TableName:                &s.tableName,
		FilterExpression:         aws.String("#s = :active AND next_step_at <= :now"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":active": attrS(string(StatusActive)),
			":now":    attrN(now.Unix()),
		},
	}
	var due []Instance
	for {
		out, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("scan due sequences: %w", err)
		}
		var page []Instance
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal sequences: %w", err)
		}
		due = append(due, page...)
		if limit > 0 && len(due) >= limit {
			return due[:limit], nil
		}
		if len(out.LastEvaluatedKey) == 0 {
			return due, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *DynamoStore) update(ctx context.Context, input *dyn.UpdateItemInput) error {
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return ErrConflict
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// Claim pushes next_step_at to leaseUntil if the step is still due and unclaimed.
func (s *DynamoStore) Claim(ctx context.Context, id string, step int, now, leaseUntil time.Time) error {
	return s.update(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      s.key(id),
		UpdateExpression:         aws.String("SET next_step_at = :lease, updated_at = :ua"),
		ConditionExpression:      aws.String("#s = :active AND current_step = :step AND next_step_at <= :now"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":lease":  attrN(leaseUntil.Unix()),
			":active": attrS(string(StatusActive)),
			":step":   attrN(int64(step)),
			":now":    attrN(now.Unix()),
			":ua":     timeAV(now),
		},
	})
}

// Advance appends the history entry and moves to step+1. On the last step the
// instance completes and its guard is removed in the same transaction.
func (s *DynamoStore) Advance(ctx context.Context, id string, step int, entry HistoryEntry, next time.Time, completed bool, now time.Time) error {
	entryAV, err := attributevalue.Marshal([]HistoryEntry{entry})
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	status := StatusActive
	if completed {
		status = StatusCompleted
	}
	upd := &types.Update{
		TableName: &s.tableName,
		Key:       s.key(id),
		UpdateExpression: aws.String("SET current_step = :next_step, next_step_at = :next, attempts = :zero, " +
			"history = list_append(if_not_exists(history, :empty), :entry), #s = :status, updated_at = :ua REMOVE last_error"),
		ConditionExpression:      aws.String("#s = :active AND current_step = :step"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":next_step": attrN(int64(step + 1)),
			":next":      attrN(next.Unix()),
			":zero":      attrN(0),
			":empty":     &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":entry":     entryAV,
			":status":    attrS(string(status)),
			":active":    attrS(string(StatusActive)),
			":step":      attrN(int64(step)),
			":ua":        timeAV(now),
		},
	}
	if !completed {
		return s.update(ctx, &dyn.UpdateItemInput{
			TableName:                 upd.TableName,
			Key:                       upd.Key,
			UpdateExpression:          upd.UpdateExpression,
			ConditionExpression:       upd.ConditionExpression,
			ExpressionAttributeNames:  upd.ExpressionAttributeNames,
			ExpressionAttributeValues: upd.ExpressionAttributeValues,
		})
	}

	inst, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if inst == nil {
		return ErrConflict
	}
	items := []types.TransactWriteItem{{Update: upd}}
	if g, err := s.guard(ctx, inst.Campaign, inst.CustomerKey); err != nil {
		return err
	} else if g != nil && g.InstanceID == id {
		items = append(items, types.TransactWriteItem{Delete: s.guardDelete(inst.Campaign, inst.CustomerKey, id)})
	}
	if _, err := s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: items}); err != nil {
		if aws.IsTransactionCanceled(err) || aws.IsConditionalCheckFailed(err) {
			return ErrConflict
		}
		return fmt.Errorf("transact write (complete): %w", err)
	}
	return nil
}

// Reschedule records a failed attempt and re-arms the same step.
func (s *DynamoStore) Reschedule(ctx context.Context, id string, step int, lastErr string, next time.Time, now time.Time) error {
	return s.update(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      s.key(id),
		UpdateExpression:         aws.String("SET next_step_at = :next, attempts = if_not_exists(attempts, :zero) + :inc, last_error = :err, updated_at = :ua"),
		ConditionExpression:      aws.String("#s = :active AND current_step = :step"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":next":   attrN(next.Unix()),
			":zero":   attrN(0),
			":inc":    attrN(1),
			":err":    attrS(lastErr),
			":active": attrS(string(StatusActive)),
			":step":   attrN(int64(step)),
			":ua":     timeAV(now),
		},
	})
}

func sdkBool(b bool) *bool { return &b }
