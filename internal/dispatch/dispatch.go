// Package dispatch delivers one message over the first channel that accepts it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/imrishuroy/go-cart-recovery/internal/budget"
	"github.com/imrishuroy/go-cart-recovery/internal/channels"
)

// DefaultSendTimeout bounds a single channel send.
const DefaultSendTimeout = 15 * time.Second

var (
	ErrRateLimited          = errors.New("rate_limited")
	ErrChannelSendFailed    = errors.New("channel_send_failed")
	ErrAllChannelsExhausted = errors.New("all_channels_exhausted")
	ErrNoAddress            = errors.New("no_address")
	ErrNoContent            = errors.New("no_content")
)

// Gate is the budget check the dispatcher consults before every send. An allowed
// decision must already count the send.
type Gate interface {
	Acquire(ctx context.Context, to channels.Recipient, c channels.Channel, now time.Time) budget.Decision
}

// Request is one delivery across a prioritized channel list.
type Request struct {
	Recipient channels.Recipient
	Channels  []channels.Channel
	Messages  map[channels.Channel]channels.Message
}

// Attempt records what happened on one channel.
type Attempt struct {
	Channel channels.Channel
	Err     error
	At      time.Time
}

// Result is either Success or Exhausted.
type Result interface {
	result()
}

// Success means the channel's transport accepted the message.
type Success struct {
	Channel   channels.Channel
	MessageID string
	// Attempts lists channels tried before the successful one.
	Attempts []Attempt
}

func (Success) result() {}

// Exhausted means no channel accepted the message.
type Exhausted struct {
	Attempts map[channels.Channel]Attempt
	Order    []channels.Channel
}

func (Exhausted) result() {}

func (e Exhausted) Error() string {
	parts := make([]string, 0, len(e.Order))
	for _, c := range e.Order {
		if a, ok := e.Attempts[c]; ok {
			parts = append(parts, fmt.Sprintf("%s: %v", c, a.Err))
		}
	}
	return ErrAllChannelsExhausted.Error() + " (" + strings.Join(parts, "; ") + ")"
}

func (e Exhausted) Unwrap() error { return ErrAllChannelsExhausted }

// RateLimitedOnly reports whether every channel was refused by the budget
// rather than failing to send.
func (e Exhausted) RateLimitedOnly() bool {
	if len(e.Attempts) == 0 {
		return false
	}
	for _, a := range e.Attempts {
		if !errors.Is(a.Err, ErrRateLimited) {
			return false
		}
	}
	return true
}

// Dispatcher walks channels in order and stops at the first success.
type Dispatcher struct {
	gate    Gate
	senders channels.Senders
	timeout time.Duration
	logger  *slog.Logger
	nowFunc func() time.Time
}

// New creates a Dispatcher. timeout <= 0 uses DefaultSendTimeout.
func New(gate Gate, senders channels.Senders, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		gate:    gate,
		senders: senders,
		timeout: timeout,
		logger:  logger.With("component", "dispatch"),
		nowFunc: time.Now,
	}
}

// SetClock replaces the time source handed to the gate.
func (d *Dispatcher) SetClock(now func() time.Time) { d.nowFunc = now }

// Dispatch tries each channel of req once, in order.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	exhausted := Exhausted{Attempts: make(map[channels.Channel]Attempt)}
	var tried []Attempt

	fail := func(c channels.Channel, err error) {
		a := Attempt{Channel: c, Err: err, At: d.nowFunc()}
		exhausted.Attempts[c] = a
		exhausted.Order = append(exhausted.Order, c)
		tried = append(tried, a)
	}

	for _, c := range req.Channels {
		if _, seen := exhausted.Attempts[c]; seen {
			continue
		}
		if err := ctx.Err(); err != nil {
			fail(c, fmt.Errorf("%w: %w", ErrChannelSendFailed, err))
			continue
		}

		address := req.Recipient.Address(c)
		if address == "" {
			fail(c, ErrNoAddress)
			continue
		}
		msg, ok := req.Messages[c]
		if !ok || strings.TrimSpace(msg.Body) == "" {
			fail(c, ErrNoContent)
			continue
		}
		sender, err := d.senders.Get(c)
		if err != nil {
			fail(c, fmt.Errorf("%w: %w", ErrChannelSendFailed, err))
			continue
		}

		decision := d.gate.Acquire(ctx, req.Recipient, c, d.nowFunc())
		if !decision.Allowed {
			d.logger.Info("channel refused by budget", "channel", c, "reason", decision.Reason)
			fail(c, fmt.Errorf("%w: %s", ErrRateLimited, decision.Reason))
			continue
		}

		id, err := d.send(ctx, sender, address, msg)
		if err != nil {
			d.logger.Warn("channel send failed", "channel", c, "error", err)
			fail(c, fmt.Errorf("%w: %w", ErrChannelSendFailed, err))
			continue
		}
		d.logger.Info("message sent", "channel", c, "message_id", id)
		return Success{Channel: c, MessageID: id, Attempts: tried}
	}
	return exhausted
}

// send runs the transport call with a deadline. A reply arriving after the
// deadline is dropped.
func (d *Dispatcher) send(ctx context.Context, sender channels.Sender, address string, msg channels.Message) (string, error) {
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type reply struct {
		id  string
		err error
	}
	done := make(chan reply, 1)
	go func() {
		id, err := sender.Send(sendCtx, address, msg)
		done <- reply{id: id, err: err}
	}()

	select {
	case r := <-done:
		return r.id, r.err
	case <-sendCtx.Done():
		return "", fmt.Errorf("send timed out: %w", sendCtx.Err())
	}
}
