package sequences

import (
	"errors"
	"time"

	"github.com/imrishuroy/go-cart-recovery/internal/channels"
)

// Status of a sequence instance.
type Status string

// Sequence statuses
const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var (
	// ErrConflict indicates a conditional write lost to a concurrent change.
	ErrConflict = errors.New("sequence conflict")
	// ErrUnknownCampaign is returned for campaigns missing from the catalog.
	ErrUnknownCampaign = errors.New("unknown campaign")
	// ErrNotFound is returned when no sequence matches.
	ErrNotFound = errors.New("sequence not found")
)

// HistoryEntry records one delivered step.
type HistoryEntry struct {
	Step      int              `json:"step" dynamodbav:"step"`
	At        time.Time        `json:"at" dynamodbav:"at"`
	Channel   channels.Channel `json:"channel" dynamodbav:"channel"`
	MessageID string           `json:"message_id" dynamodbav:"message_id"`
}

// Instance represents the item stored in the sequences DynamoDB table.
type Instance struct {
	ID          string             `json:"id" dynamodbav:"sequence_id"` // PK
	Campaign    string             `json:"campaign" dynamodbav:"campaign"`
	CustomerKey string             `json:"customer_key" dynamodbav:"customer_key"`
	Recipient   channels.Recipient `json:"recipient" dynamodbav:"recipient"`
	Context     map[string]any     `json:"context,omitempty" dynamodbav:"context,omitempty"`
	CurrentStep int                `json:"current_step" dynamodbav:"current_step"`
	NextStepAt  time.Time          `json:"next_step_at" dynamodbav:"next_step_at,unixtime"`
	Status      Status             `json:"status" dynamodbav:"status"`
	History     []HistoryEntry     `json:"history" dynamodbav:"history,omitempty"`
	Attempts    int                `json:"attempts" dynamodbav:"attempts"` // failed tries of the current step
	LastError   string             `json:"last_error,omitempty" dynamodbav:"last_error,omitempty"`
	CreatedAt   time.Time          `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at" dynamodbav:"updated_at"`
}

// Due reports whether the instance has a step to run at now.
func (i Instance) Due(now time.Time) bool {
	return i.Status == StatusActive && !i.NextStepAt.After(now)
}

// StartRequest starts a campaign for one customer.
type StartRequest struct {
	Campaign    string
	CustomerKey string
	Recipient   channels.Recipient
	Context     map[string]any
}

func activeKey(campaign, customerKey string) string {
	return "active#" + campaign + "#" + customerKey
}
