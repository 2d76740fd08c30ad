package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-cart-recovery/internal/aws"
	"github.com/imrishuroy/go-cart-recovery/internal/channels"
)

func consentKey(address string, c channels.Channel) string {
	return string(c) + "#" + address
}

// MemoryConsent is an in-process ConsentStore. Unknown addresses get the
// configured default.
type MemoryConsent struct {
	mu       sync.RWMutex
	defaults bool
	entries  map[string]bool
}

// NewMemoryConsent returns a store answering defaultOptIn for unknown addresses.
func NewMemoryConsent(defaultOptIn bool) *MemoryConsent {
	return &MemoryConsent{defaults: defaultOptIn, entries: make(map[string]bool)}
}

func (m *MemoryConsent) OptedIn(_ context.Context, address string, c channels.Channel) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[consentKey(address, c)]
	if !ok {
		return m.defaults, nil
	}
	return v, nil
}

func (m *MemoryConsent) SetOptIn(_ context.Context, address string, c channels.Channel, optedIn bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[consentKey(address, c)] = optedIn
	return nil
}

// ConsentRecord is the shape persisted in the consents table.
type ConsentRecord struct {
	ConsentKey string    `dynamodbav:"consent_key"` // PK, channel#address
	Channel    string    `dynamodbav:"channel"`
	Address    string    `dynamodbav:"address"`
	OptedIn    bool      `dynamodbav:"opted_in"`
	UpdatedAt  time.Time `dynamodbav:"updated_at"`
}

// DynamoConsent reads opt-in flags from the consents table.
type DynamoConsent struct {
	client    aws.DynamoDBAPI
	tableName string
	defaults  bool
	nowFunc   func() time.Time
}

// NewDynamoConsent creates a consent store. Addresses without a record get defaultOptIn.
func NewDynamoConsent(client aws.DynamoDBAPI, tableName string, defaultOptIn bool) *DynamoConsent {
	return &DynamoConsent{client: client, tableName: tableName, defaults: defaultOptIn, nowFunc: time.Now}
}

func (s *DynamoConsent) OptedIn(ctx context.Context, address string, c channels.Channel) (bool, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"consent_key": &types.AttributeValueMemberS{Value: consentKey(address, c)},
		},
	})
	if err != nil {
		return false, fmt.Errorf("get consent: %w", err)
	}
	if len(out.Item) == 0 {
		return s.defaults, nil
	}
	var rec ConsentRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return false, fmt.Errorf("unmarshal consent: %w", err)
	}
	return rec.OptedIn, nil
}

func (s *DynamoConsent) SetOptIn(ctx context.Context, address string, c channels.Channel, optedIn bool) error {
	item, err := attributevalue.MarshalMap(ConsentRecord{
		ConsentKey: consentKey(address, c),
		Channel:    string(c),
		Address:    address,
		OptedIn:    optedIn,
		UpdatedAt:  s.nowFunc(),
	})
	if err != nil {
		return fmt.Errorf("marshal consent: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{TableName: &s.tableName, Item: item}); err != nil {
		return fmt.Errorf("put consent: %w", err)
	}
	return nil
}
