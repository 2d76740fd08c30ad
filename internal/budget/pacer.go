package budget

import (
	"context"
	"errors"
	"time"

	"github.com/imrishuroy/go-cart-recovery/internal/channels"
)

// ErrNoTimeLeft is returned by Pause when the next gap would outlast the
// context deadline.
var ErrNoTimeLeft = errors.New("send gap exceeds remaining time")

// Pacer spaces consecutive sends by the tracker's randomized gap.
type Pacer struct {
	tracker *Tracker
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewPacer returns a Pacer that really sleeps.
func NewPacer(t *Tracker) *Pacer {
	return &Pacer{tracker: t, sleep: sleepContext}
}

// Pause waits NextAllowedDelay or until ctx is done, whichever comes first.
// It returns ErrNoTimeLeft without waiting when the gap cannot end before the
// deadline of ctx.
func (p *Pacer) Pause(ctx context.Context, recipient string, c channels.Channel) error {
	d := p.tracker.NextAllowedDelay(recipient, c)
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < d {
		return ErrNoTimeLeft
	}
	return p.sleep(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
