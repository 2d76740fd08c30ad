package budget

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-cart-recovery/internal/aws"
	"github.com/imrishuroy/go-cart-recovery/internal/channels"
)

// ErrContention is returned when optimistic writes keep losing to concurrent writers.
var ErrContention = errors.New("budget record contention")

const defaultMaxAttempts = 5

// budgetItem is the shape persisted in the budgets table.
type budgetItem struct {
	BudgetKey  string  `dynamodbav:"budget_key"` // PK, channel#recipient
	Sends      []int64 `dynamodbav:"sends"`      // unix ms within the last day
	Total      int64   `dynamodbav:"total"`
	LastSendAt int64   `dynamodbav:"last_send_at"` // unix ms
	Version    int64   `dynamodbav:"version"`
	ExpiresAt  int64   `dynamodbav:"expires_at"` // TTL epoch seconds
}

func (b *budgetItem) prune(now time.Time) {
	cutoff := now.Add(-DayWindow).UnixMilli()
	kept := b.Sends[:0]
	for _, ms := range b.Sends {
		if ms > cutoff {
			kept = append(kept, ms)
		}
	}
	b.Sends = kept
}

func (b *budgetItem) usage(now time.Time) Usage {
	sends := make([]time.Time, len(b.Sends))
	for i, ms := range b.Sends {
		sends[i] = time.UnixMilli(ms)
	}
	hour, day := windowCounts(sends, now)
	u := Usage{LastHour: hour, LastDay: day, Total: b.Total}
	if b.LastSendAt > 0 {
		u.LastSendAt = time.UnixMilli(b.LastSendAt)
	}
	return u
}

// DynamoStore keeps budget windows in DynamoDB. Each key is one item holding
// the send timestamps of the last day; writes are guarded by a version number.
//
// Channel-wide keys of busy channels grow with every send of the day, so keep
// channel caps well below what fits in a 400KB item (roughly 20k sends).
type DynamoStore struct {
	client        aws.DynamoDBAPI
	tableName     string
	channelsTable string
	maxAttempts   int
}

// NewDynamoStore creates a store over the budgets and channels tables.
func NewDynamoStore(client aws.DynamoDBAPI, tableName, channelsTable string) *DynamoStore {
	return &DynamoStore{
		client:        client,
		tableName:     tableName,
		channelsTable: channelsTable,
		maxAttempts:   defaultMaxAttempts,
	}
}

func (s *DynamoStore) load(ctx context.Context, key Key) (*budgetItem, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"budget_key": &types.AttributeValueMemberS{Value: key.String()},
		},
		ConsistentRead: sdkBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get budget item: %w", err)
	}
	item := &budgetItem{BudgetKey: key.String()}
	if len(out.Item) == 0 {
		return item, nil
	}
	if err := attributevalue.UnmarshalMap(out.Item, item); err != nil {
		return nil, fmt.Errorf("unmarshal budget item: %w", err)
	}
	return item, nil
}

// save writes item if nobody else has written since it was loaded.
func (s *DynamoStore) save(ctx context.Context, item *budgetItem, now time.Time) error {
	expected := item.Version
	item.Version++
	item.ExpiresAt = now.Add(2 * DayWindow).Unix()
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshal budget item: %w", err)
	}
	input := &dyn.PutItemInput{
		TableName: &s.tableName,
		Item:      av,
	}
	if expected == 0 {
		input.ConditionExpression = aws.String("attribute_not_exists(budget_key)")
	} else {
		input.ConditionExpression = aws.String("version = :v")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(expected, 10)},
		}
	}
	_, err = s.client.PutItem(ctx, input)
	return err
}

// mutate loads, applies fn and saves with retries on version conflicts.
// fn returns false to skip the write.
func (s *DynamoStore) mutate(ctx context.Context, key Key, now time.Time, fn func(*budgetItem) bool) (Usage, bool, error) {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		item, err := s.load(ctx, key)
		if err != nil {
			return Usage{}, false, err
		}
		item.prune(now)
		before := item.usage(now)
		if !fn(item) {
			return before, false, nil
		}
		err = s.save(ctx, item, now)
		if err == nil {
			return before, true, nil
		}
		if !aws.IsConditionalCheckFailed(err) {
			return Usage{}, false, fmt.Errorf("put budget item: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return Usage{}, false, err
		}
	}
	return Usage{}, false, fmt.Errorf("%w: %s", ErrContention, key)
}

func addSend(item *budgetItem, now time.Time) {
	ms := now.UnixMilli()
	item.Sends = append(item.Sends, ms)
	item.Total++
	if ms > item.LastSendAt {
		item.LastSendAt = ms
	}
}

// Usage returns the window counts for key.
func (s *DynamoStore) Usage(ctx context.Context, key Key, now time.Time) (Usage, error) {
	item, err := s.load(ctx, key)
	if err != nil {
		return Usage{}, err
	}
	return item.usage(now), nil
}

// Record adds a send at now.
func (s *DynamoStore) Record(ctx context.Context, key Key, now time.Time) error {
	_, _, err := s.mutate(ctx, key, now, func(item *budgetItem) bool {
		addSend(item, now)
		return true
	})
	return err
}

// Reserve records a send at now when it fits into caps.
func (s *DynamoStore) Reserve(ctx context.Context, key Key, now time.Time, caps Caps) (Usage, bool, error) {
	return s.mutate(ctx, key, now, func(item *budgetItem) bool {
		if ok, _ := caps.admits(item.usage(now)); !ok {
			return false
		}
		addSend(item, now)
		return true
	})
}

// Release removes one send recorded at at.
func (s *DynamoStore) Release(ctx context.Context, key Key, at time.Time) error {
	ms := at.UnixMilli()
	_, _, err := s.mutate(ctx, key, at, func(item *budgetItem) bool {
		for i, v := range item.Sends {
			if v == ms {
				item.Sends = append(item.Sends[:i], item.Sends[i+1:]...)
				item.Total--
				return true
			}
		}
		return false
	})
	return err
}

// WarmUpStart returns the first-use time of c, recording now if unknown.
func (s *DynamoStore) WarmUpStart(ctx context.Context, c channels.Channel, now time.Time) (time.Time, error) {
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.channelsTable,
		Key: map[string]types.AttributeValue{
			"channel": &types.AttributeValueMemberS{Value: string(c)},
		},
		UpdateExpression: aws.String("SET warmup_started_at = if_not_exists(warmup_started_at, :now)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("update channel warm-up: %w", err)
	}
	var rec struct {
		WarmUpStartedAt int64 `dynamodbav:"warmup_started_at"`
	}
	if err := attributevalue.UnmarshalMap(out.Attributes, &rec); err != nil {
		return time.Time{}, fmt.Errorf("unmarshal channel warm-up: %w", err)
	}
	if rec.WarmUpStartedAt == 0 {
		return now, nil
	}
	return time.Unix(rec.WarmUpStartedAt, 0), nil
}

func sdkBool(b bool) *bool { return &b }
