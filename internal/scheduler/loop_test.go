package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-cart-recovery/internal/budget"
	"github.com/imrishuroy/go-cart-recovery/internal/carts"
	"github.com/imrishuroy/go-cart-recovery/internal/channels"
	"github.com/imrishuroy/go-cart-recovery/internal/dispatch"
	"github.com/imrishuroy/go-cart-recovery/internal/recovery"
	"github.com/imrishuroy/go-cart-recovery/internal/sequences"
)

type fakeDetector struct {
	sum   carts.DueSummary
	err   error
	calls int
}

func (f *fakeDetector) ProcessDue(context.Context) (carts.DueSummary, error) {
	f.calls++
	return f.sum, f.err
}

type fakeSteps struct {
	sum   sequences.StepSummary
	err   error
	calls int
}

func (f *fakeSteps) ProcessPendingSteps(context.Context) (sequences.StepSummary, error) {
	f.calls++
	return f.sum, f.err
}

type fakeMetrics struct {
	mu     sync.Mutex
	counts []map[string]int
	err    error
}

func (f *fakeMetrics) PutCounts(_ context.Context, counts map[string]int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts = append(f.counts, counts)
	return f.err
}

func TestTickRollsUpBothPasses(t *testing.T) {
	det := &fakeDetector{sum: carts.DueSummary{Due: 3, Abandoned: 2, Skipped: 1}}
	steps := &fakeSteps{sum: sequences.StepSummary{Due: 4, Sent: 2, Failed: 1, Skipped: 1, Completed: 1}}
	m := &fakeMetrics{}
	l := New(det, steps, m, Config{}, nil)

	r, err := l.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Rollup{Abandoned: 2, Sent: 2, Failed: 1, Skipped: 2, Completed: 1}, r)
	require.Len(t, m.counts, 1)
	assert.Equal(t, 2, m.counts[0]["CartsAbandoned"])
	assert.Equal(t, 1, m.counts[0]["SequencesCompleted"])
}

func TestTickKeepsGoingAfterDetectorError(t *testing.T) {
	det := &fakeDetector{err: errors.New("scan failed")}
	steps := &fakeSteps{sum: sequences.StepSummary{Sent: 1}}
	l := New(det, steps, nil, Config{}, nil)

	r, err := l.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan failed")
	assert.Equal(t, 1, steps.calls)
	assert.Equal(t, 1, r.Sent)
}

func TestTickIgnoresMetricsFailure(t *testing.T) {
	m := &fakeMetrics{err: errors.New("throttled")}
	l := New(&fakeDetector{}, &fakeSteps{}, m, Config{}, nil)

	_, err := l.Tick(context.Background())
	assert.NoError(t, err)
	assert.Len(t, m.counts, 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	det := &fakeDetector{}
	l := New(det, &fakeSteps{}, nil, Config{PollInterval: time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, l.Run(ctx))
	assert.GreaterOrEqual(t, det.calls, 2)
}

const scenarioCatalog = `
campaigns:
  cart_recovery:
    steps:
      - delay: 30m
        channels: [whatsapp, sms]
        messages:
          whatsapp:
            body: "Your cart ({{money .total .currency}}) is waiting: {{.checkout_url}}"
        fallback:
          headline: Your cart is waiting
          body: Come back.
      - delay: 2h
        channels: [whatsapp, sms]
        fallback:
          headline: Still there?
          body: Your items are selling fast.
`

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type outbox struct {
	mu   sync.Mutex
	sent []string
}

func (o *outbox) sender(c channels.Channel) channels.Sender {
	return channels.SenderFunc(func(_ context.Context, address string, msg channels.Message) (string, error) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.sent = append(o.sent, string(c)+"|"+address+"|"+msg.Body)
		return "msg-" + string(c), nil
	})
}

type pipeline struct {
	loop     *Loop
	detector *carts.Detector
	orch     *sequences.Orchestrator
	outbox   *outbox
	clock    *clock
}

func newPipeline(t *testing.T, start time.Time) *pipeline {
	return newPipelineWithStore(t, start, carts.NewMemoryStore())
}

func newPipelineWithStore(t *testing.T, start time.Time, store carts.Store) *pipeline {
	t.Helper()
	clk := &clock{now: start}

	catalog, err := sequences.ParseCatalog([]byte(scenarioCatalog))
	require.NoError(t, err)

	det := carts.NewDetector(store, 30*time.Minute, nil)
	det.SetClock(clk.Now)

	tracker := budget.NewTracker(budget.DefaultPolicy(), budget.NewMemoryStore(), nil, nil)
	ob := &outbox{}
	disp := dispatch.New(tracker, channels.Senders{
		channels.WhatsApp: ob.sender(channels.WhatsApp),
		channels.SMS:      ob.sender(channels.SMS),
	}, time.Second, nil)
	disp.SetClock(clk.Now)

	orch := sequences.NewOrchestrator(catalog, sequences.NewMemoryStore(), disp, nil, sequences.Config{}, nil)
	orch.SetClock(clk.Now)

	svc := recovery.NewService(orch, det, false, nil)
	det.HandleAbandoned(svc)
	det.HandleConverted(svc)
	orch.Observe(svc)
	orch.AddGuard(svc)

	return &pipeline{
		loop:     New(det, orch, nil, Config{}, nil),
		detector: det,
		orch:     orch,
		outbox:   ob,
		clock:    clk,
	}
}

func (p *pipeline) tick(t *testing.T, at time.Time) Rollup {
	t.Helper()
	p.clock.Set(at)
	r, err := p.loop.Tick(context.Background())
	require.NoError(t, err)
	return r
}

var c1 = carts.Key{Platform: "shopify", Store: "store1", CartID: "c1"}

func activity(at time.Time) carts.ActivityEvent {
	return carts.ActivityEvent{
		Key:         c1,
		Contact:     carts.Contact{Phone: "+966500000001"},
		Total:       500,
		Currency:    "SAR",
		Items:       []carts.Item{{Name: "Oud", Quantity: 1, Price: 500}},
		CheckoutURL: "https://store1.example/checkout/c1",
		Timestamp:   at,
	}
}

func TestRecoveryScenario(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	p := newPipeline(t, t0)
	customer := "shopify:store1:+966500000001"

	_, err := p.detector.OnActivity(ctx, activity(t0))
	require.NoError(t, err)

	assert.Equal(t, Rollup{}, p.tick(t, t0.Add(10*time.Minute)))

	// more activity re-arms the debounce
	p.clock.Set(t0.Add(20 * time.Minute))
	_, err = p.detector.OnActivity(ctx, activity(t0.Add(20*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, 0, p.tick(t, t0.Add(35*time.Minute)).Abandoned)

	r := p.tick(t, t0.Add(50*time.Minute))
	assert.Equal(t, 1, r.Abandoned)
	assert.Equal(t, 0, r.Sent)
	assert.Equal(t, 0, p.tick(t, t0.Add(51*time.Minute)).Abandoned, "abandonment fires once")

	inst, err := p.orch.Active(ctx, sequences.CampaignCartRecovery, customer)
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, 0, inst.CurrentStep)
	assert.True(t, inst.NextStepAt.Equal(t0.Add(80*time.Minute)))

	stepAt := t0.Add(80 * time.Minute)
	r = p.tick(t, stepAt)
	assert.Equal(t, 1, r.Sent)
	assert.Equal(t, 0, p.tick(t, stepAt).Sent, "a repeated tick sends nothing")
	require.Len(t, p.outbox.sent, 1)
	assert.Equal(t, "whatsapp|+966500000001|Your cart (500.00 SAR) is waiting: https://store1.example/checkout/c1", p.outbox.sent[0])

	inst, err = p.orch.Active(ctx, sequences.CampaignCartRecovery, customer)
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, 1, inst.CurrentStep)
	assert.True(t, inst.NextStepAt.Equal(stepAt.Add(2*time.Hour)))

	cart, err := p.detector.Store().Get(ctx, c1)
	require.NoError(t, err)
	assert.Equal(t, carts.StatusReminded, cart.Status)
	assert.Equal(t, 1, cart.ReminderCount)

	p.clock.Set(stepAt.Add(time.Hour))
	require.NoError(t, p.detector.OnConverted(ctx, c1))

	inst, err = p.orch.Active(ctx, sequences.CampaignCartRecovery, customer)
	require.NoError(t, err)
	assert.Nil(t, inst)

	assert.Equal(t, 0, p.tick(t, stepAt.Add(3*time.Hour)).Sent)
	assert.Len(t, p.outbox.sent, 1)

	cart, err = p.detector.Store().Get(ctx, c1)
	require.NoError(t, err)
	assert.Equal(t, carts.StatusRecovered, cart.Status)

	// activity on a converted cart never re-arms it
	out, err := p.detector.OnActivity(ctx, activity(stepAt.Add(4*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "already_final", out.Reason)
}

func TestScenarioAllChannelsFailKeepsStep(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	p := newPipeline(t, t0)

	// night in UTC: quiet hours refuse every channel
	night := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	p.clock.Set(night.Add(-80 * time.Minute))
	_, err := p.detector.OnActivity(ctx, activity(p.clock.Now()))
	require.NoError(t, err)
	require.Equal(t, 1, p.tick(t, night.Add(-50*time.Minute)).Abandoned)

	r := p.tick(t, night)
	assert.Equal(t, 0, r.Sent)
	assert.Equal(t, 1, r.Failed)

	inst, err := p.orch.Active(ctx, sequences.CampaignCartRecovery, "shopify:store1:+966500000001")
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, 0, inst.CurrentStep)
	assert.True(t, inst.NextStepAt.After(night))
	assert.Empty(t, p.outbox.sent)
}

// convertingStore converts the cart right after it is marked abandoned.
type convertingStore struct {
	carts.Store
	det *carts.Detector
}

func (s *convertingStore) MarkAbandoned(ctx context.Context, key carts.Key, now time.Time) (*carts.Cart, error) {
	c, err := s.Store.MarkAbandoned(ctx, key, now)
	if err == nil {
		err = s.det.OnConverted(ctx, key)
	}
	return c, err
}

func TestConversionDuringAbandonStartsNothing(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	store := &convertingStore{Store: carts.NewMemoryStore()}
	p := newPipelineWithStore(t, t0, store)
	store.det = p.detector

	_, err := p.detector.OnActivity(ctx, activity(t0))
	require.NoError(t, err)

	r := p.tick(t, t0.Add(31*time.Minute))
	assert.Equal(t, 1, r.Abandoned)
	assert.Equal(t, 1, r.Skipped)

	cart, err := p.detector.Store().Get(ctx, c1)
	require.NoError(t, err)
	assert.Equal(t, carts.StatusConverted, cart.Status)

	inst, err := p.orch.Active(ctx, sequences.CampaignCartRecovery, "shopify:store1:+966500000001")
	require.NoError(t, err)
	assert.Nil(t, inst)

	assert.Equal(t, 0, p.tick(t, t0.Add(2*time.Hour)).Sent)
	assert.Empty(t, p.outbox.sent)
}

func TestConvertedCartStopsRunningSequence(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	p := newPipeline(t, t0)
	customer := "shopify:store1:+966500000001"

	_, err := p.detector.OnActivity(ctx, activity(t0))
	require.NoError(t, err)
	require.Equal(t, 1, p.tick(t, t0.Add(31*time.Minute)).Abandoned)

	// conversion recorded without reaching the orchestrator
	_, err = p.detector.Store().MarkConverted(ctx, c1, t0.Add(40*time.Minute))
	require.NoError(t, err)
	inst, err := p.orch.Active(ctx, sequences.CampaignCartRecovery, customer)
	require.NoError(t, err)
	require.NotNil(t, inst)

	r := p.tick(t, t0.Add(2*time.Hour))
	assert.Equal(t, 0, r.Sent)
	assert.Equal(t, 1, r.Skipped)
	assert.Empty(t, p.outbox.sent)

	inst, err = p.orch.Active(ctx, sequences.CampaignCartRecovery, customer)
	require.NoError(t, err)
	assert.Nil(t, inst)
}
