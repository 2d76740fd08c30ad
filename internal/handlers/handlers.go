// Package handlers exposes the HTTP API on gin.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-cart-recovery/internal/budget"
	"github.com/imrishuroy/go-cart-recovery/internal/channels"
	"github.com/imrishuroy/go-cart-recovery/internal/idempotency"
	"github.com/imrishuroy/go-cart-recovery/internal/ingest"
	"github.com/imrishuroy/go-cart-recovery/internal/scheduler"
	"github.com/imrishuroy/go-cart-recovery/internal/sequences"
	"github.com/imrishuroy/go-cart-recovery/internal/validation"
)

// Sequences is the part of the orchestrator the API drives.
type Sequences interface {
	Start(ctx context.Context, req sequences.StartRequest) (*sequences.Instance, error)
	Active(ctx context.Context, campaign, customerKey string) (*sequences.Instance, error)
	Cancel(ctx context.Context, campaign, customerKey string) (bool, error)
}

// Ticker runs one scheduler cycle.
type Ticker interface {
	Tick(ctx context.Context) (scheduler.Rollup, error)
}

// Budget reports the effective caps of a channel.
type Budget interface {
	Caps(ctx context.Context, c channels.Channel, now time.Time) (recipient, channel budget.Caps, err error)
}

// HandlerConfig groups dependencies for the routes. Nil optional
// dependencies disable their routes.
type HandlerConfig struct {
	Ingestor    ingest.Ingestor
	Idempotency idempotency.Keeper // optional
	Sequences   Sequences
	Ticker      Ticker              // optional
	Consents    budget.ConsentStore // optional
	Budget      Budget              // optional
	Logger      *slog.Logger
}

type api struct {
	cfg    HandlerConfig
	v      *validatorv10.Validate
	logger *slog.Logger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(cfg HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	Register(r, cfg)
	return r
}

// Register adds the API routes to r.
func Register(r gin.IRouter, cfg HandlerConfig) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{cfg: cfg, v: validation.New(), logger: logger.With("component", "http")}

	r.POST("/events/activity", a.activity)
	r.POST("/events/conversion", a.conversion)

	r.POST("/sequences", a.startSequence)
	r.GET("/sequences/:campaign/:customer", a.getSequence)
	r.DELETE("/sequences/:campaign/:customer", a.cancelSequence)

	if cfg.Ticker != nil {
		r.POST("/tick", a.tick)
	}
	if cfg.Consents != nil {
		r.PUT("/consents", a.putConsent)
	}
	if cfg.Budget != nil {
		r.GET("/budget/:channel", a.getBudget)
	}
}

func (a *api) tick(c *gin.Context) {
	rollup, err := a.cfg.Ticker.Tick(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "tick_failed", "detail": err.Error(), "rollup": rollup})
		return
	}
	c.JSON(http.StatusOK, rollup)
}

func (a *api) putConsent(c *gin.Context) {
	var req validation.ConsentRequest
	if err := validation.BindAndValidate(c, &req, a.v); err != nil {
		return
	}
	ch := channels.Channel(req.Channel)
	if err := a.cfg.Consents.SetOptIn(c.Request.Context(), req.Address, ch, *req.OptedIn); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "consent_update_failed", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel": ch, "address": req.Address, "opted_in": *req.OptedIn})
}

func (a *api) getBudget(c *gin.Context) {
	ch, err := channels.Parse(c.Param("channel"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_channel"})
		return
	}
	recipient, channel, err := a.cfg.Budget.Caps(c.Request.Context(), ch, time.Now())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "budget_unavailable", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel": ch, "recipient_caps": recipient, "channel_caps": channel})
}
