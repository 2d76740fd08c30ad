package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// GatewayConfig describes an HTTP messaging gateway (WhatsApp session bridge,
// SMS provider, email relay).
type GatewayConfig struct {
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	Timeout       time.Duration `yaml:"timeout"`
}

// HTTPSender posts messages as JSON to a gateway endpoint.
type HTTPSender struct {
	channel Channel
	url     string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

type gatewayRequest struct {
	Channel Channel `json:"channel"`
	To      string  `json:"to"`
	Message
}

type gatewayResponse struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

// NewHTTPSender builds a sender for channel c. A zero rate disables client-side pacing.
func NewHTTPSender(c Channel, cfg GatewayConfig) *HTTPSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		if burst <= 0 {
			burst = 1
		}
	}
	return &HTTPSender{
		channel: c,
		url:     cfg.URL,
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Send implements Sender.
func (s *HTTPSender) Send(ctx context.Context, address string, msg Message) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%s gateway: wait for rate limiter: %w", s.channel, err)
	}

	payload, err := json.Marshal(gatewayRequest{Channel: s.channel, To: address, Message: msg})
	if err != nil {
		return "", fmt.Errorf("%s gateway: marshal request: %w", s.channel, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%s gateway: build request: %w", s.channel, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s gateway: %w", s.channel, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("%s gateway: read response: %w", s.channel, err)
	}

	var out gatewayResponse
	_ = json.Unmarshal(body, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reason := out.Error
		if reason == "" {
			reason = string(body)
		}
		return "", fmt.Errorf("%s gateway: status %d: %s", s.channel, resp.StatusCode, reason)
	}
	return out.ID, nil
}
