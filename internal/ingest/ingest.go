// Package ingest applies cart webhook events either directly or through the
// events queue consumed by the worker.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/imrishuroy/go-cart-recovery/internal/carts"
	"github.com/imrishuroy/go-cart-recovery/internal/validation"
)

// Event types, carried in the event_type message attribute.
const (
	EventActivity   = "activity"
	EventConversion = "conversion"
)

// Message attribute names
const (
	AttrEventType      = "event_type"
	AttrIdempotencyKey = "idempotency_key"
	AttrCorrelationID  = "correlation_id"
)

// Ingestor accepts normalized webhook events.
type Ingestor interface {
	Activity(ctx context.Context, req validation.ActivityRequest, meta Meta) (carts.Outcome, error)
	Conversion(ctx context.Context, req validation.ConversionRequest, meta Meta) error
}

// Meta travels with an event through the queue.
type Meta struct {
	IdempotencyKey string
	CorrelationID  string
}

// Detector is the part of carts.Detector the direct path needs.
type Detector interface {
	OnActivity(ctx context.Context, ev carts.ActivityEvent) (carts.Outcome, error)
	OnConverted(ctx context.Context, key carts.Key) error
}

// Direct applies events in-process.
type Direct struct {
	detector Detector
}

// NewDirect returns a Direct ingestor.
func NewDirect(d Detector) *Direct { return &Direct{detector: d} }

func (d *Direct) Activity(ctx context.Context, req validation.ActivityRequest, _ Meta) (carts.Outcome, error) {
	return d.detector.OnActivity(ctx, req.Event())
}

func (d *Direct) Conversion(ctx context.Context, req validation.ConversionRequest, _ Meta) error {
	return d.detector.OnConverted(ctx, req.Key())
}

// Publisher enqueues a message body with attributes.
type Publisher interface {
	Publish(ctx context.Context, body string, attributes map[string]string) (string, error)
}

// Queue enqueues events for the worker. Events without contact are answered
// right away since the worker would drop them anyway.
type Queue struct {
	publisher Publisher
}

// NewQueue returns a Queue ingestor.
func NewQueue(p Publisher) *Queue { return &Queue{publisher: p} }

func (q *Queue) Activity(ctx context.Context, req validation.ActivityRequest, meta Meta) (carts.Outcome, error) {
	if (carts.Contact{Phone: req.Contact.Phone, Email: req.Contact.Email}).Empty() {
		return carts.Outcome{Status: "skipped", Reason: "no_contact"}, carts.ErrNoContact
	}
	if err := q.publish(ctx, EventActivity, req, meta); err != nil {
		return carts.Outcome{}, err
	}
	return carts.Outcome{Status: "queued"}, nil
}

func (q *Queue) Conversion(ctx context.Context, req validation.ConversionRequest, meta Meta) error {
	return q.publish(ctx, EventConversion, req, meta)
}

func (q *Queue) publish(ctx context.Context, eventType string, payload any, meta Meta) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	attrs := map[string]string{AttrEventType: eventType}
	if meta.IdempotencyKey != "" {
		attrs[AttrIdempotencyKey] = meta.IdempotencyKey
	}
	if meta.CorrelationID != "" {
		attrs[AttrCorrelationID] = meta.CorrelationID
	}
	if _, err := q.publisher.Publish(ctx, string(body), attrs); err != nil {
		return fmt.Errorf("enqueue %s event: %w", eventType, err)
	}
	return nil
}

// Decode applies a queued event of eventType through ing.
func Decode(ctx context.Context, ing Ingestor, eventType, body string, meta Meta) error {
	switch eventType {
	case EventActivity:
		var req validation.ActivityRequest
		if err := json.Unmarshal([]byte(body), &req); err != nil {
			return fmt.Errorf("decode activity event: %w", err)
		}
		_, err := ing.Activity(ctx, req, meta)
		return err
	case EventConversion:
		var req validation.ConversionRequest
		if err := json.Unmarshal([]byte(body), &req); err != nil {
			return fmt.Errorf("decode conversion event: %w", err)
		}
		return ing.Conversion(ctx, req, meta)
	}
	return fmt.Errorf("unknown event type %q", eventType)
}
