package budget

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/imrishuroy/go-cart-recovery/internal/channels"
)

// QuietHours is a daily window, in recipient local time, during which nothing is
// sent. Start > End wraps midnight (22 to 8). Start == End disables it.
type QuietHours struct {
	Start int `yaml:"start" json:"start"`
	End   int `yaml:"end" json:"end"`
}

// Enabled reports whether the window is non-empty.
func (q QuietHours) Enabled() bool {
	return q.Start != q.End
}

// Contains reports whether local falls inside the window.
func (q QuietHours) Contains(local time.Time) bool {
	if !q.Enabled() {
		return false
	}
	h := local.Hour()
	if q.Start < q.End {
		return h >= q.Start && h < q.End
	}
	return h >= q.Start || h < q.End
}

// WarmUpMode selects the ramp curve for new channels.
type WarmUpMode string

const (
	WarmUpOff     WarmUpMode = "off"
	WarmUpLinear  WarmUpMode = "linear"
	WarmUpStepped WarmUpMode = "stepped"
)

// WarmUpStep applies Fraction of the full caps from Day (0-based) onwards.
type WarmUpStep struct {
	Day      int     `yaml:"day" json:"day"`
	Fraction float64 `yaml:"fraction" json:"fraction"`
}

// WarmUp ramps caps up over the first days of a channel's use.
type WarmUp struct {
	Mode          WarmUpMode   `yaml:"mode" json:"mode"`
	Days          int          `yaml:"days" json:"days"`
	StartFraction float64      `yaml:"start_fraction" json:"start_fraction"`
	Steps         []WarmUpStep `yaml:"steps" json:"steps"`
}

// Validate checks the ramp definition.
func (w WarmUp) Validate() error {
	switch w.Mode {
	case "", WarmUpOff:
		return nil
	case WarmUpLinear:
		if w.Days <= 0 {
			return fmt.Errorf("linear warm-up needs days > 0")
		}
		if w.StartFraction <= 0 || w.StartFraction > 1 {
			return fmt.Errorf("linear warm-up start_fraction must be in (0,1], got %v", w.StartFraction)
		}
	case WarmUpStepped:
		if len(w.Steps) == 0 {
			return fmt.Errorf("stepped warm-up needs at least one step")
		}
		for _, s := range w.Steps {
			if s.Fraction <= 0 || s.Fraction > 1 || s.Day < 0 {
				return fmt.Errorf("invalid warm-up step %+v", s)
			}
		}
	default:
		return fmt.Errorf("unknown warm-up mode %q", w.Mode)
	}
	return nil
}

// Fraction returns the share of the full caps allowed for a channel of the given age.
func (w WarmUp) Fraction(age time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	switch w.Mode {
	case WarmUpLinear:
		if w.Days <= 0 {
			return 1
		}
		ramp := float64(age) / float64(time.Duration(w.Days)*DayWindow)
		if ramp >= 1 {
			return 1
		}
		return w.StartFraction + (1-w.StartFraction)*ramp
	case WarmUpStepped:
		steps := append([]WarmUpStep(nil), w.Steps...)
		sort.Slice(steps, func(i, j int) bool { return steps[i].Day < steps[j].Day })
		day := int(age / DayWindow)
		f := 1.0
		if len(steps) > 0 && day < steps[0].Day {
			// before the first step the first fraction still applies
			return steps[0].Fraction
		}
		for _, s := range steps {
			if s.Day <= day {
				f = s.Fraction
			}
		}
		return f
	}
	return 1
}

// Apply scales caps by the warm-up fraction for age. Bounded caps never drop below 1.
func (w WarmUp) Apply(c Caps, age time.Duration) Caps {
	f := w.Fraction(age)
	if f >= 1 {
		return c
	}
	return Caps{Hourly: scale(c.Hourly, f), Daily: scale(c.Daily, f)}
}

func scale(limit int, f float64) int {
	if limit <= 0 {
		return limit
	}
	v := int(math.Floor(float64(limit) * f))
	if v < 1 {
		return 1
	}
	return v
}

// Policy is the full anti-ban configuration.
type Policy struct {
	// Recipient caps per channel; Default applies to channels not listed.
	Default Caps
	Limits  map[channels.Channel]Caps
	// Channel-wide caps across all recipients, the main target of warm-up.
	ChannelLimits map[channels.Channel]Caps

	Quiet    QuietHours
	Location *time.Location // used when the recipient has no timezone

	MinGap time.Duration
	MaxGap time.Duration

	WarmUp WarmUp
}

// DefaultPolicy mirrors the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		Default: Caps{Hourly: 1, Daily: 3},
		ChannelLimits: map[channels.Channel]Caps{
			channels.WhatsApp: {Hourly: 60, Daily: 500},
		},
		Quiet:    QuietHours{Start: 22, End: 8},
		Location: time.UTC,
		MinGap:   45 * time.Second,
		MaxGap:   3 * time.Minute,
		WarmUp:   WarmUp{Mode: WarmUpLinear, Days: 14, StartFraction: 0.2},
	}
}

// Validate checks the policy for obvious misconfiguration.
func (p Policy) Validate() error {
	if p.Quiet.Start < 0 || p.Quiet.Start > 23 || p.Quiet.End < 0 || p.Quiet.End > 23 {
		return fmt.Errorf("quiet hours must be within 0..23, got %d..%d", p.Quiet.Start, p.Quiet.End)
	}
	if p.MinGap < 0 || p.MaxGap < p.MinGap {
		return fmt.Errorf("invalid send gap range %s..%s", p.MinGap, p.MaxGap)
	}
	return p.WarmUp.Validate()
}

func (p Policy) recipientCaps(c channels.Channel) Caps {
	if caps, ok := p.Limits[c]; ok {
		return caps
	}
	return p.Default
}

func (p Policy) channelCaps(c channels.Channel) Caps {
	return p.ChannelLimits[c]
}
