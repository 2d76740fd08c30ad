package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-cart-recovery/internal/budget"
	"github.com/imrishuroy/go-cart-recovery/internal/channels"
)

type gateFunc func(c channels.Channel) budget.Decision

func (g gateFunc) Acquire(_ context.Context, _ channels.Recipient, c channels.Channel, _ time.Time) budget.Decision {
	return g(c)
}

var allowAll = gateFunc(func(channels.Channel) budget.Decision {
	return budget.Decision{Allowed: true, Reason: budget.ReasonOK}
})

type fakeSender struct {
	mu    sync.Mutex
	calls []string
	id    string
	err   error
	delay time.Duration
}

func (f *fakeSender) Send(ctx context.Context, address string, _ channels.Message) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, address)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.id, f.err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var sara = channels.Recipient{Phone: "+966500000001", Email: "sara@example.com"}

func request(order ...channels.Channel) Request {
	msgs := map[channels.Channel]channels.Message{}
	for _, c := range order {
		msgs[c] = channels.Message{Body: "come back"}
	}
	return Request{Recipient: sara, Channels: order, Messages: msgs}
}

func TestFallbackOrder(t *testing.T) {
	wa := &fakeSender{err: errors.New("whatsapp 503")}
	sms := &fakeSender{id: "sms-1"}
	email := &fakeSender{id: "email-1"}
	d := New(allowAll, channels.Senders{channels.WhatsApp: wa, channels.SMS: sms, channels.Email: email}, time.Second, nil)

	res := d.Dispatch(context.Background(), request(channels.WhatsApp, channels.SMS, channels.Email))
	ok, isSuccess := res.(Success)
	require.True(t, isSuccess, "got %#v", res)
	assert.Equal(t, channels.SMS, ok.Channel)
	assert.Equal(t, "sms-1", ok.MessageID)
	require.Len(t, ok.Attempts, 1)
	assert.ErrorIs(t, ok.Attempts[0].Err, ErrChannelSendFailed)

	assert.Equal(t, 1, wa.count())
	assert.Equal(t, 1, sms.count())
	assert.Equal(t, 0, email.count(), "later channels are not tried after a success")
}

func TestRateLimitedChannelIsSkippedWithoutSending(t *testing.T) {
	wa := &fakeSender{id: "wa-1"}
	sms := &fakeSender{id: "sms-1"}
	gate := gateFunc(func(c channels.Channel) budget.Decision {
		if c == channels.WhatsApp {
			return budget.Decision{Allowed: false, Reason: budget.ReasonHourlyCap}
		}
		return budget.Decision{Allowed: true}
	})
	d := New(gate, channels.Senders{channels.WhatsApp: wa, channels.SMS: sms}, time.Second, nil)

	res := d.Dispatch(context.Background(), request(channels.WhatsApp, channels.SMS))
	ok, isSuccess := res.(Success)
	require.True(t, isSuccess)
	assert.Equal(t, channels.SMS, ok.Channel)
	assert.Equal(t, 0, wa.count())
	assert.ErrorIs(t, ok.Attempts[0].Err, ErrRateLimited)
	assert.Contains(t, ok.Attempts[0].Err.Error(), "hourly_cap")
}

func TestExhausted(t *testing.T) {
	wa := &fakeSender{err: errors.New("blocked")}
	email := &fakeSender{err: errors.New("bounced")}
	d := New(allowAll, channels.Senders{channels.WhatsApp: wa, channels.Email: email}, time.Second, nil)

	req := request(channels.WhatsApp, channels.SMS, channels.Email, channels.WhatsApp)
	res := d.Dispatch(context.Background(), req)
	ex, isExhausted := res.(Exhausted)
	require.True(t, isExhausted)

	assert.Equal(t, []channels.Channel{channels.WhatsApp, channels.SMS, channels.Email}, ex.Order)
	assert.ErrorIs(t, ex, ErrAllChannelsExhausted)
	assert.ErrorIs(t, ex.Attempts[channels.SMS].Err, ErrChannelSendFailed, "no sender registered")
	assert.ErrorIs(t, ex.Attempts[channels.Email].Err, ErrChannelSendFailed)
	assert.Equal(t, 1, wa.count(), "a channel is never retried within one dispatch")
	assert.False(t, ex.RateLimitedOnly())
	assert.Contains(t, ex.Error(), "bounced")
}

func TestMissingAddressAndContent(t *testing.T) {
	email := &fakeSender{id: "e"}
	d := New(allowAll, channels.Senders{channels.Email: email, channels.SMS: &fakeSender{id: "s"}}, time.Second, nil)

	req := request(channels.SMS, channels.Email)
	req.Recipient = channels.Recipient{Email: "sara@example.com"}
	req.Messages[channels.Email] = channels.Message{}

	ex, isExhausted := d.Dispatch(context.Background(), req).(Exhausted)
	require.True(t, isExhausted)
	assert.ErrorIs(t, ex.Attempts[channels.SMS].Err, ErrNoAddress)
	assert.ErrorIs(t, ex.Attempts[channels.Email].Err, ErrNoContent)
	assert.Equal(t, 0, email.count())
}

func TestSendTimeoutFallsThrough(t *testing.T) {
	slow := &fakeSender{id: "late", delay: 200 * time.Millisecond}
	sms := &fakeSender{id: "sms-1"}
	d := New(allowAll, channels.Senders{channels.WhatsApp: slow, channels.SMS: sms}, 20*time.Millisecond, nil)

	res := d.Dispatch(context.Background(), request(channels.WhatsApp, channels.SMS))
	ok, isSuccess := res.(Success)
	require.True(t, isSuccess)
	assert.Equal(t, channels.SMS, ok.Channel)
	assert.ErrorIs(t, ok.Attempts[0].Err, context.DeadlineExceeded)
}

func TestRateLimitedOnly(t *testing.T) {
	deny := gateFunc(func(channels.Channel) budget.Decision {
		return budget.Decision{Reason: budget.ReasonQuietHours}
	})
	d := New(deny, channels.Senders{channels.WhatsApp: &fakeSender{}, channels.SMS: &fakeSender{}}, time.Second, nil)
	ex, isExhausted := d.Dispatch(context.Background(), request(channels.WhatsApp, channels.SMS)).(Exhausted)
	require.True(t, isExhausted)
	assert.True(t, ex.RateLimitedOnly())
}

func TestBudgetTrackerAsGate(t *testing.T) {
	p := budget.DefaultPolicy()
	p.Quiet = budget.QuietHours{}
	p.WarmUp = budget.WarmUp{Mode: budget.WarmUpOff}
	tracker := budget.NewTracker(p, budget.NewMemoryStore(), budget.NewMemoryConsent(true), nil)
	wa := &fakeSender{id: "wa"}
	d := New(tracker, channels.Senders{channels.WhatsApp: wa}, time.Second, nil)

	_, first := d.Dispatch(context.Background(), request(channels.WhatsApp)).(Success)
	require.True(t, first)

	ex, isExhausted := d.Dispatch(context.Background(), request(channels.WhatsApp)).(Exhausted)
	require.True(t, isExhausted)
	assert.ErrorIs(t, ex.Attempts[channels.WhatsApp].Err, ErrRateLimited)
	assert.Equal(t, 1, wa.count())
}
