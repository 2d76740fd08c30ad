// Package sequences runs multi-step, multi-channel campaigns for customers.
//
// An instance advances one step per successful delivery. A step that no
// channel could deliver is retried after RetryInterval, never skipped.
package sequences

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/imrishuroy/go-cart-recovery/internal/channels"
	"github.com/imrishuroy/go-cart-recovery/internal/content"
	"github.com/imrishuroy/go-cart-recovery/internal/dispatch"
)

// Defaults for Config.
const (
	DefaultRetryInterval  = 10 * time.Minute
	DefaultBatchSize      = 50
	DefaultContentTimeout = 20 * time.Second
)

// Dispatcher delivers a rendered step.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) dispatch.Result
}

// Pacer waits between consecutive sends of one batch.
type Pacer interface {
	Pause(ctx context.Context, recipient string, c channels.Channel) error
}

// StepObserver is told about every delivered step.
type StepObserver interface {
	OnStepDelivered(ctx context.Context, inst Instance, entry HistoryEntry) error
}

// Guard can veto the next step of an instance. Stop reporting true cancels the
// instance instead of sending.
type Guard interface {
	Stop(ctx context.Context, inst Instance) (bool, error)
}

// Config tunes the orchestrator.
type Config struct {
	RetryInterval  time.Duration
	BatchSize      int
	ContentTimeout time.Duration
}

// StepSummary counts what one ProcessPendingSteps pass did.
type StepSummary struct {
	Due       int
	Sent      int
	Failed    int // steps no channel could deliver, rescheduled
	Skipped   int // lost claims and stale instances
	Completed int
	Errors    int // store errors
}

// Orchestrator drives sequence instances through their campaign steps.
type Orchestrator struct {
	catalog    *Catalog
	store      Store
	dispatcher Dispatcher
	provider   content.Provider
	renderer   *content.Renderer
	pacer      Pacer
	observers  []StepObserver
	guards     []Guard
	cfg        Config
	logger     *slog.Logger
	nowFunc    func() time.Time
	newID      func() string
}

// NewOrchestrator wires an orchestrator. provider may be nil, in which case the
// catalog fallback offers are used.
func NewOrchestrator(catalog *Catalog, store Store, dispatcher Dispatcher, provider content.Provider, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ContentTimeout <= 0 {
		cfg.ContentTimeout = DefaultContentTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		catalog:    catalog,
		store:      store,
		dispatcher: dispatcher,
		provider:   provider,
		renderer:   content.NewRenderer(),
		cfg:        cfg,
		logger:     logger.With("component", "orchestrator"),
		nowFunc:    time.Now,
		newID:      uuid.NewString,
	}
}

// SetPacer enables pacing between the sends of one batch.
func (o *Orchestrator) SetPacer(p Pacer) { o.pacer = p }

// Observe registers a StepObserver.
func (o *Orchestrator) Observe(obs StepObserver) { o.observers = append(o.observers, obs) }

// AddGuard registers a Guard consulted after each claim.
func (o *Orchestrator) AddGuard(g Guard) { o.guards = append(o.guards, g) }

// Catalog returns the campaign catalog.
func (o *Orchestrator) Catalog() *Catalog { return o.catalog }

// SetClock replaces the time source.
func (o *Orchestrator) SetClock(now func() time.Time) { o.nowFunc = now }

// Start begins req.Campaign for the customer, replacing any active instance of
// the same campaign.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*Instance, error) {
	camp, err := o.catalog.Campaign(req.Campaign)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.CustomerKey) == "" {
		return nil, errors.New("customer key is required")
	}
	now := o.nowFunc()
	inst := Instance{
		ID:          o.newID(),
		Campaign:    camp.Name,
		CustomerKey: req.CustomerKey,
		Recipient:   req.Recipient,
		Context:     req.Context,
		CurrentStep: 0,
		NextStepAt:  now.Add(camp.Steps[0].Delay),
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	cancelled, err := o.store.Start(ctx, inst, now)
	if err != nil {
		return nil, err
	}
	if cancelled != nil {
		o.logger.Info("replaced active sequence", "campaign", camp.Name, "customer", req.CustomerKey, "cancelled_id", cancelled.ID)
	}
	o.logger.Info("sequence started", "id", inst.ID, "campaign", camp.Name, "customer", req.CustomerKey, "next_step_at", inst.NextStepAt)
	return &inst, nil
}

// Cancel stops the customer's active instance of campaign. It reports whether
// one was running.
func (o *Orchestrator) Cancel(ctx context.Context, campaign, customerKey string) (bool, error) {
	inst, err := o.store.Cancel(ctx, campaign, customerKey, o.nowFunc())
	if err != nil {
		return false, err
	}
	if inst == nil {
		return false, nil
	}
	o.logger.Info("sequence cancelled", "id", inst.ID, "campaign", campaign, "customer", customerKey)
	return true, nil
}

// Active returns the customer's active instance of campaign, or nil.
func (o *Orchestrator) Active(ctx context.Context, campaign, customerKey string) (*Instance, error) {
	return o.store.Active(ctx, campaign, customerKey)
}

// Get returns an instance by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Instance, error) {
	return o.store.Get(ctx, id)
}

// ProcessPendingSteps runs every due step once. A done context stops the batch
// and leaves the remaining instances for the next call; running out of time
// while pacing ends the batch without an error.
func (o *Orchestrator) ProcessPendingSteps(ctx context.Context) (StepSummary, error) {
	var sum StepSummary
	due, err := o.store.ListDue(ctx, o.nowFunc(), o.cfg.BatchSize)
	if err != nil {
		return sum, fmt.Errorf("list due sequences: %w", err)
	}
	sum.Due = len(due)

	sent := 0
	for i, inst := range due {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		attempted, err := o.processOne(ctx, inst, &sum, sent > 0)
		if err != nil {
			// out of time while pacing: the rest stays due for the next call
			o.logger.Info("step batch ended while pacing", "sent", sum.Sent, "left", len(due)-i, "reason", err)
			return sum, nil
		}
		if attempted {
			sent++
		}
	}
	return sum, nil
}

// processOne runs the current step of inst. It reports whether a send was
// attempted; an error from the pacer means the batch must stop.
func (o *Orchestrator) processOne(ctx context.Context, inst Instance, sum *StepSummary, pace bool) (bool, error) {
	log := o.logger.With("id", inst.ID, "campaign", inst.Campaign, "customer", inst.CustomerKey, "step", inst.CurrentStep)

	camp, err := o.catalog.Campaign(inst.Campaign)
	if err != nil || inst.CurrentStep >= len(camp.Steps) {
		log.Error("sequence has no runnable step, cancelling", "error", err)
		if _, err := o.store.Cancel(ctx, inst.Campaign, inst.CustomerKey, o.nowFunc()); err != nil {
			sum.Errors++
		} else {
			sum.Skipped++
		}
		return false, nil
	}
	step := camp.Steps[inst.CurrentStep]

	if pace && o.pacer != nil {
		if err := o.pacer.Pause(ctx, inst.CustomerKey, step.Channels[0]); err != nil {
			return false, err
		}
	}

	now := o.nowFunc()
	if err := o.store.Claim(ctx, inst.ID, inst.CurrentStep, now, now.Add(o.cfg.RetryInterval)); err != nil {
		if errors.Is(err, ErrConflict) {
			sum.Skipped++
			return false, nil
		}
		sum.Errors++
		log.Error("claim step failed", "error", err)
		return false, nil
	}

	for _, g := range o.guards {
		stop, err := g.Stop(ctx, inst)
		if err != nil {
			// the claim lease expires and the step is retried
			sum.Errors++
			log.Error("step guard failed", "error", err)
			return false, nil
		}
		if stop {
			if _, err := o.store.Cancel(ctx, inst.Campaign, inst.CustomerKey, now); err != nil {
				sum.Errors++
				log.Error("cancel stopped sequence failed", "error", err)
			} else {
				sum.Skipped++
				log.Info("sequence stopped before sending")
			}
			return false, nil
		}
	}

	offer := o.offer(ctx, inst, step, log)
	req := dispatch.Request{
		Recipient: inst.Recipient,
		Channels:  step.Channels,
		Messages:  o.render(inst, step, offer, log),
	}

	switch res := o.dispatcher.Dispatch(ctx, req).(type) {
	case dispatch.Success:
		sum.Sent++
		at := o.nowFunc()
		entry := HistoryEntry{Step: inst.CurrentStep, At: at, Channel: res.Channel, MessageID: res.MessageID}
		last := inst.CurrentStep == len(camp.Steps)-1
		next := at
		if !last {
			next = at.Add(camp.Steps[inst.CurrentStep+1].Delay)
		}
		if err := o.store.Advance(ctx, inst.ID, inst.CurrentStep, entry, next, last, at); err != nil {
			// cancelled while sending: the message went out, nothing else will
			log.Warn("advance after delivery failed", "error", err)
		} else if last {
			sum.Completed++
			log.Info("sequence completed", "channel", res.Channel)
		}
		inst.History = append(inst.History, entry)
		for _, obs := range o.observers {
			if err := obs.OnStepDelivered(ctx, inst, entry); err != nil {
				log.Warn("step observer failed", "error", err)
			}
		}
	case dispatch.Exhausted:
		sum.Failed++
		retryAt := o.nowFunc().Add(o.cfg.RetryInterval)
		if err := o.store.Reschedule(ctx, inst.ID, inst.CurrentStep, res.Error(), retryAt, now); err != nil && !errors.Is(err, ErrConflict) {
			sum.Errors++
			log.Error("reschedule failed", "error", err)
		}
		if res.RateLimitedOnly() {
			log.Info("step deferred by delivery budget", "retry_at", retryAt, "error", res.Error())
		} else {
			log.Warn("step delivery exhausted all channels", "retry_at", retryAt, "attempts", inst.Attempts+1, "error", res.Error())
		}
	}
	return true, nil
}

func (o *Orchestrator) offer(ctx context.Context, inst Instance, step StepTemplate, log *slog.Logger) content.Offer {
	fallback := step.Fallback
	if fallback.Discount == nil && step.Discount != nil {
		d := *step.Discount
		fallback.Discount = &d
	}
	offer := fallback
	if o.provider != nil {
		cctx, cancel := context.WithTimeout(ctx, o.cfg.ContentTimeout)
		generated, err := o.provider.Offer(cctx, content.OfferRequest{
			Campaign:    inst.Campaign,
			Step:        inst.CurrentStep,
			CustomerKey: inst.CustomerKey,
			Context:     inst.Context,
			Discount:    step.Discount,
		})
		cancel()
		switch {
		case err != nil:
			log.Warn("offer generation failed, using fallback", "error", fmt.Errorf("%w: %v", content.ErrRenderFailed, err))
		case generated.Empty():
			log.Warn("offer generation returned nothing, using fallback")
		default:
			offer = generated
			if offer.Discount == nil {
				offer.Discount = fallback.Discount
			}
		}
	}
	if offer.CTA == "" {
		if url, ok := inst.Context["checkout_url"].(string); ok {
			offer.CTA = url
		}
	}
	return offer
}

func (o *Orchestrator) render(inst Instance, step StepTemplate, offer content.Offer, log *slog.Logger) map[channels.Channel]channels.Message {
	vars := make(map[string]any, len(inst.Context)+2)
	for k, v := range inst.Context {
		vars[k] = v
	}
	vars["campaign"] = inst.Campaign
	vars["step"] = inst.CurrentStep

	msgs := make(map[channels.Channel]channels.Message, len(step.Channels))
	for _, c := range step.Channels {
		msg, err := o.renderer.Message(step.Messages[c], offer, vars)
		if err != nil {
			log.Warn("template render failed, sending offer text", "channel", c, "error", err)
			msg = offer.Message()
		}
		msgs[c] = msg
	}
	return msgs
}
