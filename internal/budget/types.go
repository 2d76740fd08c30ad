// Package budget implements the delivery budget ("anti-ban") that decides whether
// a message may be sent to a recipient on a channel right now.
//
// Every decision fails closed: when consent or counter state cannot be read the
// send is denied.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/imrishuroy/go-cart-recovery/internal/channels"
)

const (
	HourWindow = time.Hour
	DayWindow  = 24 * time.Hour
)

// AllRecipients is the recipient part of a channel-wide key.
const AllRecipients = "*"

// Reason explains a Decision.
type Reason string

const (
	ReasonOK               Reason = "ok"
	ReasonNoAddress        Reason = "no_address"
	ReasonNotOptedIn       Reason = "not_opted_in"
	ReasonQuietHours       Reason = "quiet_hours"
	ReasonHourlyCap        Reason = "hourly_cap"
	ReasonDailyCap         Reason = "daily_cap"
	ReasonChannelHourlyCap Reason = "channel_hourly_cap"
	ReasonChannelDailyCap  Reason = "channel_daily_cap"
	ReasonStoreUnavailable Reason = "store_unavailable"
)

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed bool
	Reason  Reason
	Usage   Usage // recipient usage observed by the check
	Caps    Caps  // effective recipient caps after warm-up
	Err     error // set when Reason is ReasonStoreUnavailable
}

func (d Decision) String() string {
	if d.Allowed {
		return "allow"
	}
	if d.Err != nil {
		return fmt.Sprintf("deny(%s: %v)", d.Reason, d.Err)
	}
	return fmt.Sprintf("deny(%s)", d.Reason)
}

func deny(reason Reason, err error) Decision {
	return Decision{Allowed: false, Reason: reason, Err: err}
}

// Key identifies one budget record.
type Key struct {
	Recipient string
	Channel   channels.Channel
}

func (k Key) String() string {
	return string(k.Channel) + "#" + k.Recipient
}

// ChannelKey returns the channel-wide key for c.
func ChannelKey(c channels.Channel) Key {
	return Key{Recipient: AllRecipients, Channel: c}
}

// Usage is the state of one budget record at a point in time.
type Usage struct {
	LastHour   int
	LastDay    int
	LastSendAt time.Time
	Total      int64
}

// Caps bounds the sends in the trailing hour and day. Zero means unlimited.
type Caps struct {
	Hourly int `yaml:"hourly" json:"hourly"`
	Daily  int `yaml:"daily" json:"daily"`
}

// Unlimited reports whether c imposes no bound at all.
func (c Caps) Unlimited() bool {
	return c.Hourly <= 0 && c.Daily <= 0
}

// admits reports whether one more send fits into c given u.
func (c Caps) admits(u Usage) (bool, Reason) {
	if c.Hourly > 0 && u.LastHour >= c.Hourly {
		return false, ReasonHourlyCap
	}
	if c.Daily > 0 && u.LastDay >= c.Daily {
		return false, ReasonDailyCap
	}
	return true, ReasonOK
}

// CounterStore persists rolling send counters. Reserve must be atomic per key:
// the check against caps and the increment happen as one operation.
type CounterStore interface {
	Usage(ctx context.Context, key Key, now time.Time) (Usage, error)
	Record(ctx context.Context, key Key, now time.Time) error
	// Reserve records a send at now if it fits into caps. It returns the usage
	// observed before the reservation and whether the send was recorded.
	Reserve(ctx context.Context, key Key, now time.Time, caps Caps) (Usage, bool, error)
	// Release removes one send recorded at exactly at. Missing sends are ignored.
	Release(ctx context.Context, key Key, at time.Time) error
	// WarmUpStart returns when channel c was first used, recording now if unknown.
	WarmUpStart(ctx context.Context, c channels.Channel, now time.Time) (time.Time, error)
}

// ConsentStore answers whether an address accepts messages on a channel.
type ConsentStore interface {
	OptedIn(ctx context.Context, address string, c channels.Channel) (bool, error)
	SetOptIn(ctx context.Context, address string, c channels.Channel, optedIn bool) error
}

func windowCounts(sends []time.Time, now time.Time) (hour, day int) {
	hourStart := now.Add(-HourWindow)
	dayStart := now.Add(-DayWindow)
	for _, t := range sends {
		if t.After(dayStart) {
			day++
			if t.After(hourStart) {
				hour++
			}
		}
	}
	return hour, day
}
