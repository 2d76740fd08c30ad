// Package app wires the pipeline from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/imrishuroy/go-cart-recovery/internal/aws"
	"github.com/imrishuroy/go-cart-recovery/internal/budget"
	"github.com/imrishuroy/go-cart-recovery/internal/carts"
	"github.com/imrishuroy/go-cart-recovery/internal/channels"
	"github.com/imrishuroy/go-cart-recovery/internal/config"
	"github.com/imrishuroy/go-cart-recovery/internal/content"
	"github.com/imrishuroy/go-cart-recovery/internal/dispatch"
	"github.com/imrishuroy/go-cart-recovery/internal/handlers"
	"github.com/imrishuroy/go-cart-recovery/internal/idempotency"
	"github.com/imrishuroy/go-cart-recovery/internal/ingest"
	"github.com/imrishuroy/go-cart-recovery/internal/recovery"
	"github.com/imrishuroy/go-cart-recovery/internal/scheduler"
	"github.com/imrishuroy/go-cart-recovery/internal/sequences"
)

// App holds every wired component.
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Clients      *aws.AWSClients // nil when nothing needs AWS
	Detector     *carts.Detector
	Tracker      *budget.Tracker
	Consent      budget.ConsentStore
	Dispatcher   *dispatch.Dispatcher
	Orchestrator *sequences.Orchestrator
	Recovery     *recovery.Service
	Loop         *scheduler.Loop
	Idempotency  idempotency.Keeper
	Direct       *ingest.Direct
	Ingestor     ingest.Ingestor // Direct, or the events queue when configured

	closers []func() error
}

// New builds the App described by cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	if a.needsAWS() {
		clients, err := aws.NewAWSClients(ctx, cfg.AWS.Region, cfg.AWS.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("init aws clients: %w", err)
		}
		a.Clients = clients
	}

	catalog, err := sequences.LoadCatalog(cfg.Sequences.CatalogPath)
	if err != nil {
		return nil, err
	}
	if err := catalog.Validate(content.NewRenderer()); err != nil {
		return nil, fmt.Errorf("invalid campaign catalog: %w", err)
	}

	policy, err := Policy(cfg.Budget)
	if err != nil {
		return nil, err
	}
	counters, err := a.counterStore()
	if err != nil {
		return nil, err
	}
	a.Consent = a.consentStore()
	a.Tracker = budget.NewTracker(policy, counters, a.Consent, logger)

	a.Dispatcher = dispatch.New(a.Tracker, a.senders(), cfg.Dispatch.SendTimeout, logger)

	var provider content.Provider
	if cfg.Content.URL != "" {
		provider = content.NewHTTPProvider(cfg.Content.URL, cfg.Content.Token, cfg.Content.Timeout)
	}

	a.Orchestrator = sequences.NewOrchestrator(catalog, a.sequenceStore(), a.Dispatcher, provider, sequences.Config{
		RetryInterval:  cfg.Sequences.RetryInterval,
		BatchSize:      cfg.Sequences.BatchSize,
		ContentTimeout: cfg.Content.Timeout,
	}, logger)
	if cfg.Sequences.Pace {
		a.Orchestrator.SetPacer(budget.NewPacer(a.Tracker))
	}

	a.Detector = carts.NewDetector(a.cartStore(), cfg.Detector.Debounce, logger)
	a.Recovery = recovery.NewService(a.Orchestrator, a.Detector, cfg.Sequences.StartPostPurchase, logger)
	a.Detector.HandleAbandoned(a.Recovery)
	a.Detector.HandleConverted(a.Recovery)
	a.Orchestrator.Observe(a.Recovery)
	a.Orchestrator.AddGuard(a.Recovery)

	var metrics scheduler.Metrics
	if cfg.AWS.MetricsNamespace != "" && a.Clients != nil {
		metrics = aws.NewMetricsPublisher(a.Clients.CloudWatch, cfg.AWS.MetricsNamespace)
	}
	a.Loop = scheduler.New(a.Detector, a.Orchestrator, metrics, scheduler.Config{
		PollInterval: cfg.Scheduler.PollInterval,
		TickTimeout:  cfg.Scheduler.TickTimeout,
	}, logger)

	if cfg.Tables.Backend == config.BackendDynamoDB {
		a.Idempotency = idempotency.NewStore(a.Clients.DynamoDB, cfg.Tables.Idempotency, cfg.Events.IdempotencyTTL)
	} else {
		a.Idempotency = idempotency.NewMemoryStore(cfg.Events.IdempotencyTTL)
	}
	a.Direct = ingest.NewDirect(a.Detector)
	a.Ingestor = a.Direct
	if cfg.Events.QueueURL != "" {
		a.Ingestor = ingest.NewQueue(aws.NewPublisher(a.Clients.SQS, cfg.Events.QueueURL))
	}

	logger.Info("app wired",
		"store_backend", cfg.Tables.Backend,
		"budget_backend", cfg.Budget.Backend,
		"sender_mode", cfg.Dispatch.SenderMode,
		"queued_events", cfg.Events.QueueURL != "",
		"campaigns", catalog.Names())
	return a, nil
}

// Router returns the HTTP API for the App.
func (a *App) Router() *gin.Engine {
	return handlers.NewRouter(handlers.HandlerConfig{
		Ingestor:    a.Ingestor,
		Idempotency: a.Idempotency,
		Sequences:   a.Orchestrator,
		Ticker:      a.Loop,
		Consents:    a.Consent,
		Budget:      a.Tracker,
		Logger:      a.Logger,
	})
}

// Close releases connections.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

func (a *App) needsAWS() bool {
	cfg := a.Config
	return cfg.Tables.Backend == config.BackendDynamoDB ||
		cfg.Budget.Backend == config.BackendDynamoDB ||
		cfg.Dispatch.SenderMode == config.SenderQueue ||
		cfg.Events.QueueURL != "" ||
		cfg.AWS.MetricsNamespace != ""
}

func (a *App) cartStore() carts.Store {
	if a.Config.Tables.Backend == config.BackendDynamoDB {
		return carts.NewDynamoStore(a.Clients.DynamoDB, a.Config.Tables.Carts)
	}
	return carts.NewMemoryStore()
}

func (a *App) sequenceStore() sequences.Store {
	if a.Config.Tables.Backend == config.BackendDynamoDB {
		return sequences.NewDynamoStore(a.Clients.DynamoDB, a.Config.Tables.Sequences)
	}
	return sequences.NewMemoryStore()
}

func (a *App) consentStore() budget.ConsentStore {
	if a.Config.Tables.Backend == config.BackendDynamoDB {
		return budget.NewDynamoConsent(a.Clients.DynamoDB, a.Config.Tables.Consents, a.Config.Budget.DefaultOptIn)
	}
	return budget.NewMemoryConsent(a.Config.Budget.DefaultOptIn)
}

func (a *App) counterStore() (budget.CounterStore, error) {
	cfg := a.Config
	switch cfg.Budget.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		return budget.NewRedisStore(client, cfg.Redis.Prefix), nil
	case config.BackendDynamoDB:
		return budget.NewDynamoStore(a.Clients.DynamoDB, cfg.Tables.Budgets, cfg.Tables.Channels), nil
	case config.BackendMemory:
		return budget.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown budget backend %q", cfg.Budget.Backend)
}

func (a *App) senders() channels.Senders {
	d := a.Config.Dispatch
	out := channels.Senders{}
	for _, c := range channels.All {
		switch d.SenderMode {
		case config.SenderQueue:
			if url := d.OutboxFor(c); url != "" {
				out[c] = channels.NewQueueSender(c, aws.NewPublisher(a.Clients.SQS, url))
			}
		default:
			if gw := d.GatewayFor(c); gw.URL != "" {
				out[c] = channels.NewHTTPSender(c, gw)
			}
		}
	}
	if len(out) == 0 {
		a.Logger.Warn("no channel senders configured, every step will be rescheduled")
	}
	return out
}

// Policy builds the delivery budget policy from configuration.
func Policy(cfg config.Budget) (budget.Policy, error) {
	p := budget.DefaultPolicy()
	p.Default = budget.Caps{Hourly: cfg.HourlyCap, Daily: cfg.DailyCap}
	p.ChannelLimits = map[channels.Channel]budget.Caps{
		channels.WhatsApp: {Hourly: cfg.ChannelHourly, Daily: cfg.ChannelDaily},
	}
	p.Quiet = budget.QuietHours{Start: cfg.QuietStart, End: cfg.QuietEnd}
	if cfg.TimeZone != "" {
		loc, err := time.LoadLocation(cfg.TimeZone)
		if err != nil {
			return p, fmt.Errorf("quiet hours timezone: %w", err)
		}
		p.Location = loc
	}
	p.MinGap, p.MaxGap = cfg.MinGap, cfg.MaxGap
	if cfg.WarmUpMode != "" {
		p.WarmUp = budget.WarmUp{Mode: budget.WarmUpMode(cfg.WarmUpMode), Days: cfg.WarmUpDays, StartFraction: cfg.WarmUpStart}
		for _, st := range cfg.WarmUpSteps {
			p.WarmUp.Steps = append(p.WarmUp.Steps, budget.WarmUpStep{Day: st.Day, Fraction: st.Fraction})
		}
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("invalid budget policy: %w", err)
	}
	return p, nil
}
