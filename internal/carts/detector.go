// Package carts tracks shopping carts and detects when one has been abandoned.
//
// Abandonment is a debounce: every activity pushes a persisted deadline
// (due_at) forward, and a periodic ProcessDue call moves carts whose deadline
// passed to abandoned. Nothing is held in process memory, so restarts lose no
// timers.
package carts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultDebounce is the quiet period after the last activity before a cart counts as abandoned.
const DefaultDebounce = 30 * time.Minute

// AbandonHandler is notified exactly once per abandonment.
type AbandonHandler interface {
	OnAbandoned(ctx context.Context, cart Cart) error
}

// ConversionHandler is notified when a cart converts.
type ConversionHandler interface {
	OnConverted(ctx context.Context, cart Cart) error
}

// Outcome of a single activity event.
type Outcome struct {
	Status string     `json:"status"` // scheduled | skipped
	Reason string     `json:"reason,omitempty"`
	DueAt  *time.Time `json:"due_at,omitempty"`
}

// DueSummary counts what one ProcessDue pass did.
type DueSummary struct {
	Due       int
	Abandoned int
	Skipped   int
	Failed    int
}

// Detector turns cart activity into abandonment notifications.
type Detector struct {
	store     Store
	debounce  time.Duration
	batchSize int
	onAbandon AbandonHandler
	onConvert ConversionHandler
	logger    *slog.Logger
	nowFunc   func() time.Time
}

// NewDetector creates a Detector. debounce <= 0 uses DefaultDebounce.
func NewDetector(store Store, debounce time.Duration, logger *slog.Logger) *Detector {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		store:     store,
		debounce:  debounce,
		batchSize: 100,
		logger:    logger.With("component", "detector"),
		nowFunc:   time.Now,
	}
}

// HandleAbandoned registers the abandonment callback.
func (d *Detector) HandleAbandoned(h AbandonHandler) { d.onAbandon = h }

// HandleConverted registers the conversion callback.
func (d *Detector) HandleConverted(h ConversionHandler) { d.onConvert = h }

// Store exposes the underlying cart store.
func (d *Detector) Store() Store { return d.store }

// SetClock replaces the time source.
func (d *Detector) SetClock(now func() time.Time) { d.nowFunc = now }

// OnActivity records a cart snapshot and (re)arms its abandonment deadline.
func (d *Detector) OnActivity(ctx context.Context, ev ActivityEvent) (Outcome, error) {
	if err := ev.Key.Validate(); err != nil {
		return Outcome{Status: "skipped", Reason: "invalid_key"}, err
	}
	if ev.Contact.Empty() {
		d.logger.Info("dropping cart activity without contact", "cart_key", ev.Key.String())
		return Outcome{Status: "skipped", Reason: "no_contact"}, ErrNoContact
	}

	now := d.nowFunc()
	due := now.Add(d.debounce)
	if _, err := d.store.UpsertActivity(ctx, ev, due, now); err != nil {
		if errors.Is(err, ErrAlreadyFinal) {
			d.logger.Info("ignoring activity on converted cart", "cart_key", ev.Key.String())
			return Outcome{Status: "skipped", Reason: "already_final"}, nil
		}
		return Outcome{}, fmt.Errorf("record activity: %w", err)
	}
	dueAt := due.Truncate(time.Second)
	return Outcome{Status: "scheduled", DueAt: &dueAt}, nil
}

// ProcessDue abandons every cart whose deadline has passed. The conditional
// transition guarantees the handler runs once per abandonment even when
// several pollers race. Failures are counted and never stop the batch.
func (d *Detector) ProcessDue(ctx context.Context) (DueSummary, error) {
	var sum DueSummary
	now := d.nowFunc()
	due, err := d.store.ListDue(ctx, now, d.batchSize)
	if err != nil {
		return sum, fmt.Errorf("list due carts: %w", err)
	}
	sum.Due = len(due)

	for _, c := range due {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		cart, err := d.store.MarkAbandoned(ctx, c.Key(), now)
		if err != nil {
			if errors.Is(err, ErrStatusMismatch) {
				// converted, re-armed or claimed by another poller in between
				sum.Skipped++
				continue
			}
			sum.Failed++
			d.logger.Error("mark abandoned failed", "cart_key", c.CartKey, "error", err)
			continue
		}
		sum.Abandoned++
		d.logger.Info("cart abandoned", "cart_key", cart.CartKey, "customer", cart.CustomerKey())
		if d.onAbandon == nil {
			continue
		}
		// a conversion may land between the transition and the handler
		fresh, err := d.store.Get(ctx, cart.Key())
		if err != nil {
			sum.Failed++
			d.logger.Error("reload abandoned cart failed", "cart_key", cart.CartKey, "error", err)
			continue
		}
		if fresh == nil || fresh.Status != StatusAbandoned {
			sum.Skipped++
			reason := "rearmed"
			if fresh == nil || fresh.Status.Final() {
				reason = "already_final"
			}
			d.logger.Info("cart changed before recovery started", "cart_key", cart.CartKey, "reason", reason)
			continue
		}
		cart = fresh
		if err := d.onAbandon.OnAbandoned(ctx, *cart); err != nil {
			sum.Failed++
			d.logger.Error("abandon handler failed", "cart_key", cart.CartKey, "error", err)
		}
	}
	return sum, nil
}

// OnConverted finalizes the cart. It is idempotent and a no-op for unknown keys.
func (d *Detector) OnConverted(ctx context.Context, key Key) error {
	cart, err := d.store.MarkConverted(ctx, key, d.nowFunc())
	if err != nil {
		return fmt.Errorf("mark converted: %w", err)
	}
	if cart == nil {
		d.logger.Info("conversion for unknown cart", "cart_key", key.String())
		return nil
	}
	d.logger.Info("cart converted", "cart_key", cart.CartKey, "status", cart.Status)
	if d.onConvert == nil {
		return nil
	}
	return d.onConvert.OnConverted(ctx, *cart)
}

// Cart returns the stored cart, or nil when the key is unknown.
func (d *Detector) Cart(ctx context.Context, key Key) (*Cart, error) {
	return d.store.Get(ctx, key)
}

// MarkReminded records that a reminder reached the cart owner. Carts that are
// no longer abandoned are left alone.
func (d *Detector) MarkReminded(ctx context.Context, key Key) error {
	err := d.store.MarkReminded(ctx, key, d.nowFunc())
	if errors.Is(err, ErrStatusMismatch) {
		return nil
	}
	return err
}
