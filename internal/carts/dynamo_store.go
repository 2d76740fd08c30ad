package carts

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

const maxWriteAttempts = 3

// DynamoStore encapsulates operations on the carts table.
type DynamoStore struct {
	client    aws.DynamoDBAPI
	tableName string
}

// NewDynamoStore creates a new carts store.
func NewDynamoStore(client aws.DynamoDBAPI, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

func (s *DynamoStore) key(k Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"cart_key": &types.AttributeValueMemberS{Value: k.String()},
	}
}

func timeAV(t time.Time) types.AttributeValue {
	av, err := attributevalue.Marshal(t)
	if err != nil {
		// time.Time always marshals
		panic(err)
	}
	return av
}

func statusAV(s Status) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: string(s)}
}

// Get fetches a cart by key. Returns (nil, nil) if not found.
func (s *DynamoStore) Get(ctx context.Context, key Key) (*Cart, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            s.key(key),
		ConsistentRead: sdkBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var c Cart
	if err := attributevalue.UnmarshalMap(out.Item, &c); err != nil {
		return nil, fmt.Errorf("unmarshal cart: %w", err)
	}
	return &c, nil
}

// UpsertActivity merges the snapshot with a read-modify-write guarded on updated_at,
// retried when another writer got there first.
func (s *DynamoStore) UpsertActivity(ctx context.Context, ev ActivityEvent, dueAt, now time.Time) (*Cart, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		existing, err := s.Get(ctx, ev.Key)
		if err != nil {
			return nil, err
		}
		c := Cart{CreatedAt: now}
		if existing != nil {
			if existing.Status.Final() {
				return existing, ErrAlreadyFinal
			}
			c = *existing
		}
		ev.apply(&c)
		c.Status = StatusActive
		c.DueAt = dueAt.Unix()
		c.LastActivityAt = now
		c.UpdatedAt = now

		item, err := attributevalue.MarshalMap(c)
		if err != nil {
			return nil, fmt.Errorf("marshal cart: %w", err)
		}
		input := &dyn.PutItemInput{TableName: &s.tableName, Item: item}
		if existing == nil {
			input.ConditionExpression = aws.String("attribute_not_exists(cart_key)")
		} else {
			input.ConditionExpression = aws.String("updated_at = :prev")
			input.ExpressionAttributeValues = map[string]types.AttributeValue{
				":prev": timeAV(existing.UpdatedAt),
			}
		}
		_, err = s.client.PutItem(ctx, input)
		if err == nil {
			return &c, nil
		}
		if !aws.IsConditionalCheckFailed(err) {
			return nil, fmt.Errorf("put cart: %w", err)
		}
	}
	return nil, fmt.Errorf("upsert cart %s: %w", ev.Key, ErrStatusMismatch)
}

// ListDue scans for active carts whose deadline has passed.
func (s *DynamoStore) ListDue(ctx context.Context, now time.Time, limit int) ([]Cart, error) {
	input := &dyn.ScanInput{
		TableName:                &s.tableName,
		FilterExpression:         aws.String("#s = :active AND due_at <= :now"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":active": statusAV(StatusActive),
			":now":    &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	}
	var due []Cart
	for {
		out, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("scan due carts: %w", err)
		}
		var page []Cart
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal carts: %w", err)
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

// MarkAbandoned conditionally moves active -> abandoned while the deadline is still due.
func (s *DynamoStore) MarkAbandoned(ctx context.Context, key Key, now time.Time) (*Cart, error) {
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      s.key(key),
		UpdateExpression:         aws.String("SET #s = :abandoned, abandoned_at = :now_ts, updated_at = :now_ts REMOVE due_at"),
		ConditionExpression:      aws.String("#s = :active AND due_at <= :now"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":abandoned": statusAV(StatusAbandoned),
			":active":    statusAV(StatusActive),
			":now":       &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			":now_ts":    timeAV(now),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return nil, ErrStatusMismatch
		}
		return nil, fmt.Errorf("update item (abandon): %w", err)
	}
	var c Cart
	if err := attributevalue.UnmarshalMap(out.Attributes, &c); err != nil {
		return nil, fmt.Errorf("unmarshal cart: %w", err)
	}
	return &c, nil
}

// MarkConverted finalizes the cart as converted, or recovered when reminders
// were sent. Already final carts are returned unchanged.
func (s *DynamoStore) MarkConverted(ctx context.Context, key Key, now time.Time) (*Cart, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		c, err := s.Get(ctx, key)
		if err != nil || c == nil {
			return nil, err
		}
		if c.Status.Final() {
			return c, nil
		}
		status := convertedStatus(c.ReminderCount)
		out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
			TableName:                &s.tableName,
			Key:                      s.key(key),
			UpdateExpression:         aws.String("SET #s = :final, converted_at = :now_ts, updated_at = :now_ts REMOVE due_at"),
			ConditionExpression:      aws.String("#s = :expected AND reminder_count = :rc"),
			ExpressionAttributeNames: map[string]string{"#s": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":final":    statusAV(status),
				":expected": statusAV(c.Status),
				":rc":       &types.AttributeValueMemberN{Value: strconv.Itoa(c.ReminderCount)},
				":now_ts":   timeAV(now),
			},
			ReturnValues: types.ReturnValueAllNew,
		})
		if err != nil {
			if aws.IsConditionalCheckFailed(err) {
				continue
			}
			return nil, fmt.Errorf("update item (convert): %w", err)
		}
		var updated Cart
		if err := attributevalue.UnmarshalMap(out.Attributes, &updated); err != nil {
			return nil, fmt.Errorf("unmarshal cart: %w", err)
		}
		return &updated, nil
	}
	return nil, fmt.Errorf("convert cart %s: %w", key, ErrStatusMismatch)
}

// MarkReminded moves abandoned|reminded -> reminded and bumps reminder_count.
func (s *DynamoStore) MarkReminded(ctx context.Context, key Key, now time.Time) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      s.key(key),
		UpdateExpression:         aws.String("SET #s = :reminded, reminder_count = if_not_exists(reminder_count, :zero) + :inc, updated_at = :now_ts"),
		ConditionExpression:      aws.String("#s IN (:abandoned, :reminded)"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":reminded":  statusAV(StatusReminded),
			":abandoned": statusAV(StatusAbandoned),
			":zero":      &types.AttributeValueMemberN{Value: "0"},
			":inc":       &types.AttributeValueMemberN{Value: "1"},
			":now_ts":    timeAV(now),
		},
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update item (remind): %w", err)
	}
	return nil
}

func sdkBool(b bool) *bool { return &b }
