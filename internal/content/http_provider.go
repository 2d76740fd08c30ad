package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProvider asks a remote content service for offers.
type HTTPProvider struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPProvider creates a provider posting OfferRequest JSON to url.
func NewHTTPProvider(url, token string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{url: url, token: token, client: &http.Client{Timeout: timeout}}
}

// Offer posts req and decodes the returned Offer. Non-2xx responses and empty
// offers are reported as ErrRenderFailed.
func (p *HTTPProvider) Offer(ctx context.Context, req OfferRequest) (Offer, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Offer{}, fmt.Errorf("%w: marshal request: %v", ErrRenderFailed, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return Offer{}, fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Offer{}, fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Offer{}, fmt.Errorf("%w: status %d: %s", ErrRenderFailed, resp.StatusCode, bytes.TrimSpace(body))
	}
	var o Offer
	if err := json.Unmarshal(body, &o); err != nil {
		return Offer{}, fmt.Errorf("%w: decode: %v", ErrRenderFailed, err)
	}
	if o.Empty() {
		return Offer{}, fmt.Errorf("%w: empty offer", ErrRenderFailed)
	}
	return o, nil
}
