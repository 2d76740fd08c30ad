package budget

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/imrishuroy/go-cart-recovery/internal/channels"
)

// Tracker enforces the delivery budget for every (recipient, channel) pair.
type Tracker struct {
	policy   Policy
	counters CounterStore
	consent  ConsentStore
	logger   *slog.Logger
	nowFunc  func() time.Time

	mu   sync.Mutex
	rand *rand.Rand
}

// NewTracker builds a Tracker. A nil logger falls back to slog.Default.
func NewTracker(policy Policy, counters CounterStore, consent ConsentStore, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.Location == nil {
		policy.Location = time.UTC
	}
	return &Tracker{
		policy:   policy,
		counters: counters,
		consent:  consent,
		logger:   logger.With("component", "budget"),
		nowFunc:  time.Now,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Policy returns the policy the tracker enforces.
func (t *Tracker) Policy() Policy { return t.policy }

// CanSend checks opt-in, quiet hours, then the hourly and daily caps without
// recording anything.
func (t *Tracker) CanSend(ctx context.Context, to channels.Recipient, c channels.Channel, now time.Time) Decision {
	address, d, ok := t.precheck(ctx, to, c, now)
	if !ok {
		return d
	}

	chCaps, err := t.effectiveChannelCaps(ctx, c, now)
	if err != nil {
		return t.unavailable(c, err)
	}
	if !chCaps.Unlimited() {
		usage, err := t.counters.Usage(ctx, ChannelKey(c), now)
		if err != nil {
			return t.unavailable(c, err)
		}
		if ok, reason := chCaps.admits(usage); !ok {
			return deny(channelReason(reason), nil)
		}
	}

	caps := t.policy.recipientCaps(c)
	usage, err := t.counters.Usage(ctx, Key{Recipient: address, Channel: c}, now)
	if err != nil {
		return t.unavailable(c, err)
	}
	d = Decision{Allowed: true, Reason: ReasonOK, Usage: usage, Caps: caps}
	if ok, reason := caps.admits(usage); !ok {
		d.Allowed, d.Reason = false, reason
	}
	return d
}

// RecordSend counts a send at now against the recipient and the channel.
func (t *Tracker) RecordSend(ctx context.Context, to channels.Recipient, c channels.Channel, now time.Time) error {
	address := to.Address(c)
	if address == "" {
		return nil
	}
	if err := t.counters.Record(ctx, ChannelKey(c), now); err != nil {
		return err
	}
	return t.counters.Record(ctx, Key{Recipient: address, Channel: c}, now)
}

// Acquire runs the same checks as CanSend but reserves the send atomically, so
// concurrent callers can never push a window past its cap. An allowed Decision
// means the send has already been recorded.
func (t *Tracker) Acquire(ctx context.Context, to channels.Recipient, c channels.Channel, now time.Time) Decision {
	address, d, ok := t.precheck(ctx, to, c, now)
	if !ok {
		return d
	}

	chCaps, err := t.effectiveChannelCaps(ctx, c, now)
	if err != nil {
		return t.unavailable(c, err)
	}

	key := Key{Recipient: address, Channel: c}
	caps := t.policy.recipientCaps(c)
	usage, reserved, err := t.counters.Reserve(ctx, key, now, caps)
	if err != nil {
		return t.unavailable(c, err)
	}
	if !reserved {
		d = Decision{Reason: ReasonHourlyCap, Usage: usage, Caps: caps}
		if _, reason := caps.admits(usage); reason != ReasonOK {
			d.Reason = reason
		}
		return d
	}

	// the recipient slot is held; the channel-wide slot must follow or it is given back
	if chCaps.Unlimited() {
		err = t.counters.Record(ctx, ChannelKey(c), now)
	} else {
		var chUsage Usage
		chUsage, reserved, err = t.counters.Reserve(ctx, ChannelKey(c), now, chCaps)
		if err == nil && !reserved {
			t.release(ctx, key, now)
			_, reason := chCaps.admits(chUsage)
			return deny(channelReason(reason), nil)
		}
	}
	if err != nil {
		t.release(ctx, key, now)
		return t.unavailable(c, err)
	}
	return Decision{Allowed: true, Reason: ReasonOK, Usage: usage, Caps: caps}
}

// release gives back a reservation. A failed release leaves the slot used,
// which only under-sends.
func (t *Tracker) release(ctx context.Context, key Key, at time.Time) {
	if err := t.counters.Release(ctx, key, at); err != nil {
		t.logger.Warn("release budget reservation failed", "key", key.String(), "error", err)
	}
}

// NextAllowedDelay returns a random gap in [MinGap, MaxGap] to wait before the
// next send, so consecutive sends do not follow a fixed rhythm.
func (t *Tracker) NextAllowedDelay(recipient string, c channels.Channel) time.Duration {
	lo, hi := t.policy.MinGap, t.policy.MaxGap
	if hi <= lo {
		return lo
	}
	t.mu.Lock()
	n := t.rand.Int63n(int64(hi-lo) + 1)
	t.mu.Unlock()
	return lo + time.Duration(n)
}

// Caps returns the effective recipient and channel-wide caps for c at now.
func (t *Tracker) Caps(ctx context.Context, c channels.Channel, now time.Time) (recipient, channel Caps, err error) {
	channel, err = t.effectiveChannelCaps(ctx, c, now)
	return t.policy.recipientCaps(c), channel, err
}

func (t *Tracker) precheck(ctx context.Context, to channels.Recipient, c channels.Channel, now time.Time) (string, Decision, bool) {
	address := to.Address(c)
	if address == "" {
		return "", deny(ReasonNoAddress, nil), false
	}
	if t.consent != nil {
		opted, err := t.consent.OptedIn(ctx, address, c)
		if err != nil {
			return "", t.unavailable(c, err), false
		}
		if !opted {
			return "", deny(ReasonNotOptedIn, nil), false
		}
	}
	if t.policy.Quiet.Contains(now.In(t.location(to.TimeZone))) {
		return "", deny(ReasonQuietHours, nil), false
	}
	return address, Decision{}, true
}

func (t *Tracker) effectiveChannelCaps(ctx context.Context, c channels.Channel, now time.Time) (Caps, error) {
	caps := t.policy.channelCaps(c)
	if caps.Unlimited() || t.policy.WarmUp.Mode == "" || t.policy.WarmUp.Mode == WarmUpOff {
		return caps, nil
	}
	started, err := t.counters.WarmUpStart(ctx, c, now)
	if err != nil {
		return Caps{}, err
	}
	return t.policy.WarmUp.Apply(caps, now.Sub(started)), nil
}

func (t *Tracker) location(tz string) *time.Location {
	if tz == "" {
		return t.policy.Location
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		t.logger.Warn("unknown recipient timezone, using default", "timezone", tz, "error", err)
		return t.policy.Location
	}
	return loc
}

func (t *Tracker) unavailable(c channels.Channel, err error) Decision {
	t.logger.Error("budget store unavailable, denying send", "channel", c, "error", err)
	return deny(ReasonStoreUnavailable, err)
}

func channelReason(r Reason) Reason {
	switch r {
	case ReasonHourlyCap:
		return ReasonChannelHourlyCap
	case ReasonDailyCap:
		return ReasonChannelDailyCap
	}
	return r
}
