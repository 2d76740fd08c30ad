package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/imrishuroy/go-cart-recovery/internal/carts"
	"github.com/imrishuroy/go-cart-recovery/internal/idempotency"
	"github.com/imrishuroy/go-cart-recovery/internal/ingest"
)

// Processor applies queued cart events.
type Processor struct {
	ingestor ingest.Ingestor
	keeper   idempotency.Keeper
	logger   *slog.Logger
}

// NewProcessor creates a worker processor. keeper suppresses redelivered messages.
func NewProcessor(ing ingest.Ingestor, keeper idempotency.Keeper, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{ingestor: ing, keeper: keeper, logger: logger.With("component", "worker")}
}

// Handle processes an SQS batch. Failed messages are reported individually so
// only they return to the queue (and eventually the DLQ).
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			p.logger.Error("worker error", "message_id", rec.MessageId, "error", err)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

func attr(rec events.SQSMessage, name string) string {
	if a, ok := rec.MessageAttributes[name]; ok && a.StringValue != nil {
		return *a.StringValue
	}
	return ""
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	eventType := attr(rec, ingest.AttrEventType)
	meta := ingest.Meta{
		IdempotencyKey: attr(rec, ingest.AttrIdempotencyKey),
		CorrelationID:  attr(rec, ingest.AttrCorrelationID),
	}
	log := p.logger.With("message_id", rec.MessageId, "event_type", eventType, "correlation_id", meta.CorrelationID)

	key := "sqs#" + rec.MessageId
	if p.keeper != nil && rec.MessageId != "" {
		created, existing, err := p.keeper.Begin(ctx, key, eventType)
		if err != nil {
			return fmt.Errorf("idempotency check: %w", err)
		}
		if !created && existing != nil && existing.Status == idempotency.StatusDone {
			log.Info("duplicate delivery, already applied")
			return nil
		}
	}

	err := ingest.Decode(ctx, p.ingestor, eventType, rec.Body, meta)
	if errors.Is(err, carts.ErrNoContact) {
		log.Info("dropping event without contact")
		err = nil
	}
	if p.keeper == nil || rec.MessageId == "" {
		return err
	}
	if err != nil {
		_ = p.keeper.MarkFailed(ctx, key, err.Error())
		return err
	}
	if err := p.keeper.MarkDone(ctx, key, "", 0); err != nil {
		log.Warn("mark message done failed", "error", err)
	}
	log.Info("event applied")
	return nil
}
