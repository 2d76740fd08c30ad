package carts

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// cartsMock is an in-memory carts table. Conditions and updates are evaluated
// on the decoded Cart for the handful of expressions DynamoStore issues.
type cartsMock struct {
	mu        sync.Mutex
	table     map[string]map[string]types.AttributeValue
	scanCalls int
	pageSize  int
}

func newCartsMock() *cartsMock {
	return &cartsMock{table: map[string]map[string]types.AttributeValue{}}
}

func keyOf(m map[string]types.AttributeValue) string {
	return m["cart_key"].(*types.AttributeValueMemberS).Value
}

func (m *cartsMock) decode(k string) (*Cart, bool) {
	item, ok := m.table[k]
	if !ok {
		return nil, false
	}
	var c Cart
	if err := attributevalue.UnmarshalMap(item, &c); err != nil {
		panic(err)
	}
	return &c, true
}

func (m *cartsMock) store(c *Cart) map[string]types.AttributeValue {
	item, err := attributevalue.MarshalMap(c)
	if err != nil {
		panic(err)
	}
	m.table[c.CartKey] = item
	return item
}

func (m *cartsMock) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := keyOf(params.Item)
	existing, exists := m.table[k]
	if params.ConditionExpression != nil {
		switch *params.ConditionExpression {
		case "attribute_not_exists(cart_key)":
			if exists {
				return nil, &types.ConditionalCheckFailedException{}
			}
		case "updated_at = :prev":
			prev := params.ExpressionAttributeValues[":prev"].(*types.AttributeValueMemberS).Value
			if !exists || existing["updated_at"].(*types.AttributeValueMemberS).Value != prev {
				return nil, &types.ConditionalCheckFailedException{}
			}
		default:
			return nil, errors.New("unsupported condition " + *params.ConditionExpression)
		}
	}
	m.table[k] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *cartsMock) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &dyn.GetItemOutput{Item: m.table[keyOf(params.Key)]}, nil
}

func (m *cartsMock) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.decode(keyOf(params.Key))
	if !ok {
		return nil, &types.ConditionalCheckFailedException{}
	}
	vals := params.ExpressionAttributeValues
	s := func(name string) string { return vals[name].(*types.AttributeValueMemberS).Value }
	n := func(name string) int64 {
		v, _ := strconv.ParseInt(vals[name].(*types.AttributeValueMemberN).Value, 10, 64)
		return v
	}
	var ts Cart
	if err := attributevalue.Unmarshal(vals[":now_ts"], &ts.UpdatedAt); err != nil {
		return nil, err
	}

	switch *params.ConditionExpression {
	case "#s = :active AND due_at <= :now":
		if string(c.Status) != s(":active") || c.DueAt == 0 || c.DueAt > n(":now") {
			return nil, &types.ConditionalCheckFailedException{}
		}
		c.Status = Status(s(":abandoned"))
		c.AbandonedAt = ts.UpdatedAt
		c.DueAt = 0
	case "#s = :expected AND reminder_count = :rc":
		if string(c.Status) != s(":expected") || int64(c.ReminderCount) != n(":rc") {
			return nil, &types.ConditionalCheckFailedException{}
		}
		c.Status = Status(s(":final"))
		c.ConvertedAt = ts.UpdatedAt
		c.DueAt = 0
	case "#s IN (:abandoned, :reminded)":
		if string(c.Status) != s(":abandoned") && string(c.Status) != s(":reminded") {
			return nil, &types.ConditionalCheckFailedException{}
		}
		c.Status = Status(s(":reminded"))
		c.ReminderCount += int(n(":inc"))
	default:
		return nil, errors.New("unsupported condition " + *params.ConditionExpression)
	}
	c.UpdatedAt = ts.UpdatedAt
	return &dyn.UpdateItemOutput{Attributes: m.store(c)}, nil
}

func (m *cartsMock) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanCalls++
	if *params.FilterExpression != "#s = :active AND due_at <= :now" {
		return nil, errors.New("unsupported filter " + *params.FilterExpression)
	}
	now, _ := strconv.ParseInt(params.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberN).Value, 10, 64)

	keys := make([]string, 0, len(m.table))
	for k := range m.table {
		keys = append(keys, k)
	}
	sortStrings(keys)
	start := 0
	if params.ExclusiveStartKey != nil {
		last := keyOf(params.ExclusiveStartKey)
		for start < len(keys) && keys[start] <= last {
			start++
		}
	}
	out := &dyn.ScanOutput{}
	for i := start; i < len(keys); i++ {
		if m.pageSize > 0 && i-start == m.pageSize {
			out.LastEvaluatedKey = map[string]types.AttributeValue{"cart_key": &types.AttributeValueMemberS{Value: keys[i-1]}}
			break
		}
		c, _ := m.decode(keys[i])
		if c.Status == StatusActive && c.DueAt > 0 && c.DueAt <= now {
			out.Items = append(out.Items, m.table[keys[i]])
		}
	}
	return out, nil
}

func (m *cartsMock) DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	return nil, errors.New("not implemented")
}

func (m *cartsMock) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	return nil, errors.New("not implemented")
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
