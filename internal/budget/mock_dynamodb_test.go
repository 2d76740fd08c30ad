package budget

import (
	"context"
	"errors"
	"strconv"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// tableMock is a small in-memory DynamoDB used by the budget and consent tests.
// It understands exactly the expressions those stores issue.
type tableMock struct {
	mu       sync.Mutex
	keys     map[string]string // table -> partition key attribute
	tables   map[string]map[string]map[string]types.AttributeValue
	putCalls int
	// beforePut runs once per PutItem while the lock is held, to simulate a
	// competing writer.
	beforePut func(m *tableMock, table string)
	getErr    error
}

func newTableMock() *tableMock {
	return &tableMock{
		keys: map[string]string{
			"budgets":  "budget_key",
			"channels": "channel",
			"consents": "consent_key",
		},
		tables: map[string]map[string]map[string]types.AttributeValue{},
	}
}

func (m *tableMock) rows(table string) map[string]map[string]types.AttributeValue {
	rows, ok := m.tables[table]
	if !ok {
		rows = map[string]map[string]types.AttributeValue{}
		m.tables[table] = rows
	}
	return rows
}

func (m *tableMock) keyOf(table string, item map[string]types.AttributeValue) (string, error) {
	attr, ok := item[m.keys[table]].(*types.AttributeValueMemberS)
	if !ok {
		return "", errors.New("missing key")
	}
	return attr.Value, nil
}

func numberAttr(item map[string]types.AttributeValue, name string) int64 {
	n, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	v, _ := strconv.ParseInt(n.Value, 10, 64)
	return v
}

func (m *tableMock) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	table := *params.TableName
	if m.beforePut != nil {
		m.beforePut(m, table)
	}
	k, err := m.keyOf(table, params.Item)
	if err != nil {
		return nil, err
	}
	rows := m.rows(table)
	existing, exists := rows[k]
	if params.ConditionExpression != nil {
		switch *params.ConditionExpression {
		case "attribute_not_exists(budget_key)":
			if exists {
				return nil, &types.ConditionalCheckFailedException{}
			}
		case "version = :v":
			want := params.ExpressionAttributeValues[":v"].(*types.AttributeValueMemberN).Value
			if !exists || strconv.FormatInt(numberAttr(existing, "version"), 10) != want {
				return nil, &types.ConditionalCheckFailedException{}
			}
		default:
			return nil, errors.New("unsupported condition " + *params.ConditionExpression)
		}
	}
	rows[k] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *tableMock) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	table := *params.TableName
	k, err := m.keyOf(table, params.Key)
	if err != nil {
		return nil, err
	}
	return &dyn.GetItemOutput{Item: m.rows(table)[k]}, nil
}

func (m *tableMock) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := *params.TableName
	if *params.UpdateExpression != "SET warmup_started_at = if_not_exists(warmup_started_at, :now)" {
		return nil, errors.New("unsupported update " + *params.UpdateExpression)
	}
	k, err := m.keyOf(table, params.Key)
	if err != nil {
		return nil, err
	}
	rows := m.rows(table)
	item, ok := rows[k]
	if !ok {
		item = map[string]types.AttributeValue{m.keys[table]: params.Key[m.keys[table]]}
		rows[k] = item
	}
	if _, ok := item["warmup_started_at"]; !ok {
		item["warmup_started_at"] = params.ExpressionAttributeValues[":now"]
	}
	return &dyn.UpdateItemOutput{Attributes: item}, nil
}

func (m *tableMock) DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	return nil, errors.New("not implemented")
}

func (m *tableMock) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	return nil, errors.New("not implemented")
}

func (m *tableMock) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	return nil, errors.New("not implemented")
}
