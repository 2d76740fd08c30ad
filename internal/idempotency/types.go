package idempotency

import (
	"context"
	"time"
)

// Status values for idempotency entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// Record is the shape persisted in the idempotency DynamoDB table. One record
// exists per webhook delivery key or queue message.
type Record struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK
	Status         string    `dynamodbav:"status"`
	EventType      string    `dynamodbav:"event_type,omitempty"`
	ResponseBody   string    `dynamodbav:"response_body,omitempty"` // small JSON responses only
	ResponseStatus int       `dynamodbav:"response_status,omitempty"`
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at"` // TTL epoch seconds
	Note           string    `dynamodbav:"note,omitempty"`
}

// Expired reports whether the record outlived its TTL. DynamoDB deletes
// expired items lazily, so reads may still return them.
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt > 0 && r.ExpiresAt <= now.Unix()
}

// Keeper de-duplicates event deliveries.
type Keeper interface {
	// Begin claims key. created is false when an unexpired record exists; the
	// existing record is returned in that case.
	Begin(ctx context.Context, key, eventType string) (created bool, existing *Record, err error)
	Get(ctx context.Context, key string) (*Record, error)
	MarkDone(ctx context.Context, key, responseBody string, responseStatus int) error
	MarkFailed(ctx context.Context, key, note string) error
}
