package sequences

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// sequencesMock is an in-memory sequences table that evaluates the conditions
// and updates DynamoStore issues, including all-or-nothing transactions.
type sequencesMock struct {
	mu            sync.Mutex
	table         map[string]map[string]types.AttributeValue
	transactCalls int
}

func newSequencesMock() *sequencesMock {
	return &sequencesMock{table: map[string]map[string]types.AttributeValue{}}
}

func idOf(m map[string]types.AttributeValue) string {
	return m["sequence_id"].(*types.AttributeValueMemberS).Value
}

func sVal(vals map[string]types.AttributeValue, name string) string {
	return vals[name].(*types.AttributeValueMemberS).Value
}

func nVal(vals map[string]types.AttributeValue, name string) int64 {
	v, _ := strconv.ParseInt(vals[name].(*types.AttributeValueMemberN).Value, 10, 64)
	return v
}

func (m *sequencesMock) instance(id string) (*Instance, bool) {
	item, ok := m.table[id]
	if !ok {
		return nil, false
	}
	var inst Instance
	if err := attributevalue.UnmarshalMap(item, &inst); err != nil {
		panic(err)
	}
	return &inst, true
}

func (m *sequencesMock) checkPut(p *types.Put) error {
	id := idOf(p.Item)
	existing, exists := m.table[id]
	if p.ConditionExpression == nil {
		return nil
	}
	switch *p.ConditionExpression {
	case "attribute_not_exists(sequence_id)":
		if exists {
			return &types.ConditionalCheckFailedException{}
		}
	case "instance_id = :prev":
		if !exists || existing["instance_id"].(*types.AttributeValueMemberS).Value != sVal(p.ExpressionAttributeValues, ":prev") {
			return &types.ConditionalCheckFailedException{}
		}
	default:
		return errors.New("unsupported put condition " + *p.ConditionExpression)
	}
	return nil
}

func (m *sequencesMock) checkDelete(d *types.Delete) error {
	item, ok := m.table[idOf(d.Key)]
	if *d.ConditionExpression != "instance_id = :id" {
		return errors.New("unsupported delete condition")
	}
	if !ok || item["instance_id"].(*types.AttributeValueMemberS).Value != sVal(d.ExpressionAttributeValues, ":id") {
		return &types.ConditionalCheckFailedException{}
	}
	return nil
}

// update evaluates the condition and returns the updated instance without storing it.
func (m *sequencesMock) update(key map[string]types.AttributeValue, expr, cond string, vals map[string]types.AttributeValue) (*Instance, error) {
	inst, ok := m.instance(idOf(key))
	if !ok {
		return nil, &types.ConditionalCheckFailedException{}
	}
	active := string(inst.Status) == sVal(vals, ":active")
	switch cond {
	case "#s = :active":
		if !active {
			return nil, &types.ConditionalCheckFailedException{}
		}
	case "#s = :active AND current_step = :step":
		if !active || int64(inst.CurrentStep) != nVal(vals, ":step") {
			return nil, &types.ConditionalCheckFailedException{}
		}
	case "#s = :active AND current_step = :step AND next_step_at <= :now":
		if !active || int64(inst.CurrentStep) != nVal(vals, ":step") || inst.NextStepAt.Unix() > nVal(vals, ":now") {
			return nil, &types.ConditionalCheckFailedException{}
		}
	default:
		return nil, errors.New("unsupported update condition " + cond)
	}

	var ua Instance
	if err := attributevalue.Unmarshal(vals[":ua"], &ua.UpdatedAt); err != nil {
		return nil, err
	}
	inst.UpdatedAt = ua.UpdatedAt
	switch {
	case strings.HasPrefix(expr, "SET #s = :cancelled"):
		inst.Status = StatusCancelled
	case strings.HasPrefix(expr, "SET next_step_at = :lease"):
		inst.NextStepAt = unix(nVal(vals, ":lease"))
	case strings.HasPrefix(expr, "SET current_step = :next_step"):
		var entries []HistoryEntry
		if err := attributevalue.Unmarshal(vals[":entry"], &entries); err != nil {
			return nil, err
		}
		inst.CurrentStep = int(nVal(vals, ":next_step"))
		inst.NextStepAt = unix(nVal(vals, ":next"))
		inst.Attempts = 0
		inst.History = append(inst.History, entries...)
		inst.Status = Status(sVal(vals, ":status"))
		inst.LastError = ""
	case strings.HasPrefix(expr, "SET next_step_at = :next, attempts"):
		inst.NextStepAt = unix(nVal(vals, ":next"))
		inst.Attempts += int(nVal(vals, ":inc"))
		inst.LastError = sVal(vals, ":err")
	default:
		return nil, errors.New("unsupported update " + expr)
	}
	return inst, nil
}

func (m *sequencesMock) save(inst *Instance) {
	item, err := attributevalue.MarshalMap(inst)
	if err != nil {
		panic(err)
	}
	m.table[inst.ID] = item
}

func (m *sequencesMock) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	return nil, errors.New("not implemented")
}

func (m *sequencesMock) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &dyn.GetItemOutput{Item: m.table[idOf(params.Key)]}, nil
}

func (m *sequencesMock) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, err := m.update(params.Key, *params.UpdateExpression, *params.ConditionExpression, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	m.save(inst)
	return &dyn.UpdateItemOutput{}, nil
}

func (m *sequencesMock) DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	return nil, errors.New("not implemented")
}

func (m *sequencesMock) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactCalls++

	var updated []*Instance
	for _, it := range params.TransactItems {
		var err error
		switch {
		case it.Put != nil:
			err = m.checkPut(it.Put)
		case it.Delete != nil:
			err = m.checkDelete(it.Delete)
		case it.Update != nil:
			var inst *Instance
			inst, err = m.update(it.Update.Key, *it.Update.UpdateExpression, *it.Update.ConditionExpression, it.Update.ExpressionAttributeValues)
			updated = append(updated, inst)
		}
		if err != nil {
			var ccf *types.ConditionalCheckFailedException
			if errors.As(err, &ccf) {
				return nil, &types.TransactionCanceledException{}
			}
			return nil, err
		}
	}

	for _, it := range params.TransactItems {
		switch {
		case it.Put != nil:
			m.table[idOf(it.Put.Item)] = it.Put.Item
		case it.Delete != nil:
			delete(m.table, idOf(it.Delete.Key))
		}
	}
	for _, inst := range updated {
		m.save(inst)
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func (m *sequencesMock) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if *params.FilterExpression != "#s = :active AND next_step_at <= :now" {
		return nil, errors.New("unsupported filter " + *params.FilterExpression)
	}
	now := nVal(params.ExpressionAttributeValues, ":now")
	ids := make([]string, 0, len(m.table))
	for id := range m.table {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := &dyn.ScanOutput{}
	for _, id := range ids {
		item := m.table[id]
		st, ok := item["status"].(*types.AttributeValueMemberS)
		if !ok || st.Value != string(StatusActive) {
			continue
		}
		inst, _ := m.instance(id)
		if inst.NextStepAt.Unix() <= now {
			out.Items = append(out.Items, item)
		}
	}
	return out, nil
}
