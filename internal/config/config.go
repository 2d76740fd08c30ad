// Package config loads service configuration from an optional YAML file and
// the environment. Environment variables win over the file.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/imrishuroy/go-cart-recovery/internal/channels"
)

// Storage backends
const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
)

// Sender modes
const (
	SenderHTTP  = "http"
	SenderQueue = "queue"
)

// Config is the full service configuration.
type Config struct {
	RunLocal bool   `yaml:"run_local" env:"RUN_LOCAL" env-default:"false"`
	HTTPAddr string `yaml:"http_addr" env:"HTTP_ADDR" env-default:":8080"`

	Log       Log       `yaml:"log"`
	AWS       AWS       `yaml:"aws"`
	Tables    Tables    `yaml:"tables"`
	Redis     Redis     `yaml:"redis"`
	Events    Events    `yaml:"events"`
	Detector  Detector  `yaml:"detector"`
	Sequences Sequences `yaml:"sequences"`
	Dispatch  Dispatch  `yaml:"dispatch"`
	Budget    Budget    `yaml:"budget"`
	Content   Content   `yaml:"content"`
	Scheduler Scheduler `yaml:"scheduler"`
}

type Log struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

type AWS struct {
	Region           string `yaml:"region" env:"AWS_REGION"`
	Endpoint         string `yaml:"endpoint" env:"AWS_ENDPOINT_OVERRIDE"`
	MetricsNamespace string `yaml:"metrics_namespace" env:"METRICS_NAMESPACE"` // empty disables CloudWatch
}

type Tables struct {
	Backend     string `yaml:"backend" env:"STORE_BACKEND" env-default:"dynamodb"`
	Carts       string `yaml:"carts" env:"CARTS_TABLE" env-default:"carts"`
	Sequences   string `yaml:"sequences" env:"SEQUENCES_TABLE" env-default:"sequences"`
	Budgets     string `yaml:"budgets" env:"BUDGETS_TABLE" env-default:"budgets"`
	Channels    string `yaml:"channels" env:"CHANNELS_TABLE" env-default:"channels"`
	Consents    string `yaml:"consents" env:"CONSENTS_TABLE" env-default:"consents"`
	Idempotency string `yaml:"idempotency" env:"IDEMPOTENCY_TABLE" env-default:"idempotency"`
}

type Redis struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	Prefix   string `yaml:"prefix" env:"REDIS_PREFIX" env-default:"budget"`
}

type Events struct {
	QueueURL       string        `yaml:"queue_url" env:"EVENTS_QUEUE_URL"` // set: API enqueues, worker applies
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl" env:"IDEMPOTENCY_TTL" env-default:"48h"`
}

type Detector struct {
	Debounce time.Duration `yaml:"debounce" env:"ABANDON_DEBOUNCE" env-default:"30m"`
}

type Sequences struct {
	CatalogPath       string        `yaml:"catalog_path" env:"CATALOG_PATH"` // empty: embedded catalog
	RetryInterval     time.Duration `yaml:"retry_interval" env:"STEP_RETRY_INTERVAL" env-default:"10m"`
	BatchSize         int           `yaml:"batch_size" env:"STEP_BATCH_SIZE" env-default:"50"`
	StartPostPurchase bool          `yaml:"start_post_purchase" env:"RECOVERY_START_POST_PURCHASE" env-default:"false"`
	Pace              bool          `yaml:"pace" env:"STEP_PACING" env-default:"true"`
}

type Dispatch struct {
	SendTimeout  time.Duration                               `yaml:"send_timeout" env:"SEND_TIMEOUT" env-default:"15s"`
	SenderMode   string                                      `yaml:"sender_mode" env:"SENDER_MODE" env-default:"http"`
	OutboxURLs   map[channels.Channel]string                 `yaml:"outbox_urls"`
	Gateways     map[channels.Channel]channels.GatewayConfig `yaml:"gateways"`
	WhatsAppURL  string                                      `yaml:"-" env:"WHATSAPP_GATEWAY_URL"`
	SMSURL       string                                      `yaml:"-" env:"SMS_GATEWAY_URL"`
	EmailURL     string                                      `yaml:"-" env:"EMAIL_GATEWAY_URL"`
	GatewayToken string                                      `yaml:"-" env:"GATEWAY_TOKEN"`
	OutboxQueue  string                                      `yaml:"-" env:"OUTBOX_QUEUE_URL"` // shared outbox for every channel
}

type Budget struct {
	Backend       string        `yaml:"backend" env:"BUDGET_BACKEND" env-default:"dynamodb"`
	HourlyCap     int           `yaml:"hourly_cap" env:"BUDGET_HOURLY_CAP" env-default:"1"`
	DailyCap      int           `yaml:"daily_cap" env:"BUDGET_DAILY_CAP" env-default:"3"`
	ChannelHourly int           `yaml:"channel_hourly_cap" env:"BUDGET_CHANNEL_HOURLY_CAP" env-default:"60"`
	ChannelDaily  int           `yaml:"channel_daily_cap" env:"BUDGET_CHANNEL_DAILY_CAP" env-default:"500"`
	QuietStart    int           `yaml:"quiet_start" env:"QUIET_HOURS_START" env-default:"22"`
	QuietEnd      int           `yaml:"quiet_end" env:"QUIET_HOURS_END" env-default:"8"`
	TimeZone      string        `yaml:"timezone" env:"QUIET_HOURS_TZ" env-default:"UTC"`
	MinGap        time.Duration `yaml:"min_gap" env:"SEND_MIN_GAP" env-default:"45s"`
	MaxGap        time.Duration `yaml:"max_gap" env:"SEND_MAX_GAP" env-default:"3m"`
	WarmUpMode    string        `yaml:"warmup_mode" env:"WARMUP_MODE" env-default:"linear"`
	WarmUpDays    int           `yaml:"warmup_days" env:"WARMUP_DAYS" env-default:"14"`
	WarmUpStart   float64       `yaml:"warmup_start_fraction" env:"WARMUP_START_FRACTION" env-default:"0.2"`
	WarmUpSteps   WarmUpSteps   `yaml:"warmup_steps" env:"WARMUP_STEPS"` // stepped mode only
	DefaultOptIn  bool          `yaml:"default_opt_in" env:"CONSENT_DEFAULT_OPT_IN" env-default:"true"`
}

// WarmUpStep caps a channel at Fraction of its limits from Day on.
type WarmUpStep struct {
	Day      int     `yaml:"day"`
	Fraction float64 `yaml:"fraction"`
}

// WarmUpSteps is a stepped ramp. In the environment it is written as
// day:fraction pairs, e.g. "0:0.2,3:0.5,7:1".
type WarmUpSteps []WarmUpStep

// SetValue parses the environment form.
func (w *WarmUpSteps) SetValue(s string) error {
	var steps WarmUpSteps
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		day, fraction, ok := strings.Cut(pair, ":")
		if !ok {
			return fmt.Errorf("warm-up step %q: want day:fraction", pair)
		}
		d, err := strconv.Atoi(strings.TrimSpace(day))
		if err != nil {
			return fmt.Errorf("warm-up step %q: %w", pair, err)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(fraction), 64)
		if err != nil {
			return fmt.Errorf("warm-up step %q: %w", pair, err)
		}
		steps = append(steps, WarmUpStep{Day: d, Fraction: f})
	}
	*w = steps
	return nil
}

type Content struct {
	URL     string        `yaml:"url" env:"CONTENT_URL"` // empty: catalog fallback offers only
	Token   string        `yaml:"token" env:"CONTENT_TOKEN"`
	Timeout time.Duration `yaml:"timeout" env:"CONTENT_TIMEOUT" env-default:"20s"`
}

type Scheduler struct {
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL" env-default:"2m"`
	TickTimeout  time.Duration `yaml:"tick_timeout" env:"TICK_TIMEOUT" env-default:"90s"`
}

// Load reads .env when present, then the YAML file named by CONFIG_PATH if
// set, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: cannot read .env: %v", err)
	}

	var cfg Config
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad is Load that exits on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}
	return cfg
}

// Validate rejects unknown backends and modes.
func (c *Config) Validate() error {
	switch c.Tables.Backend {
	case BackendMemory, BackendDynamoDB:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Tables.Backend)
	}
	switch c.Budget.Backend {
	case BackendMemory, BackendDynamoDB:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("BUDGET_BACKEND=redis needs REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown BUDGET_BACKEND %q", c.Budget.Backend)
	}
	switch c.Dispatch.SenderMode {
	case SenderHTTP, SenderQueue:
	default:
		return fmt.Errorf("unknown SENDER_MODE %q", c.Dispatch.SenderMode)
	}
	if c.Budget.WarmUpMode == "stepped" && len(c.Budget.WarmUpSteps) == 0 {
		return fmt.Errorf("WARMUP_MODE=stepped needs WARMUP_STEPS")
	}
	return nil
}

// GatewayFor merges the per-channel gateway from the file with the
// environment overrides.
func (d Dispatch) GatewayFor(c channels.Channel) channels.GatewayConfig {
	gw := d.Gateways[c]
	var url string
	switch c {
	case channels.WhatsApp:
		url = d.WhatsAppURL
	case channels.SMS:
		url = d.SMSURL
	case channels.Email:
		url = d.EmailURL
	}
	if url != "" {
		gw.URL = url
	}
	if gw.Token == "" {
		gw.Token = d.GatewayToken
	}
	return gw
}

// OutboxFor returns the outbox queue of channel c.
func (d Dispatch) OutboxFor(c channels.Channel) string {
	if u := d.OutboxURLs[c]; u != "" {
		return u
	}
	return d.OutboxQueue
}
