// Package content produces the words of a reminder: an offer from a content
// provider and a per-channel rendering of it.
package content

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/imrishuroy/go-cart-recovery/internal/channels"
)

// ErrRenderFailed marks any failure to produce content; callers fall back to
// static text.
var ErrRenderFailed = errors.New("content_render_failed")

// Discount attached to an offer.
type Discount struct {
	Code    string `json:"code" yaml:"code"`
	Percent int    `json:"percent" yaml:"percent"`
}

// Offer is the channel independent content of one reminder.
type Offer struct {
	Headline string    `json:"headline" yaml:"headline"`
	Body     string    `json:"body" yaml:"body"`
	CTA      string    `json:"cta" yaml:"cta"`
	Discount *Discount `json:"discount,omitempty" yaml:"discount,omitempty"`
}

// Empty reports whether the offer carries no text at all.
func (o Offer) Empty() bool {
	return strings.TrimSpace(o.Headline) == "" && strings.TrimSpace(o.Body) == ""
}

// Message renders the offer as plain text, used when a channel template fails.
func (o Offer) Message() channels.Message {
	body := strings.TrimSpace(strings.Join([]string{o.Headline, o.Body}, "\n\n"))
	msg := channels.Message{Subject: o.Headline, Body: body, CTA: o.CTA}
	if o.Discount != nil {
		msg.DiscountCode = o.Discount.Code
		if o.Discount.Code != "" {
			msg.Body += fmt.Sprintf("\n\nUse code %s for %d%% off.", o.Discount.Code, o.Discount.Percent)
		}
	}
	return msg
}

// OfferRequest describes the reminder an offer is needed for.
type OfferRequest struct {
	Campaign    string         `json:"campaign"`
	Step        int            `json:"step"`
	CustomerKey string         `json:"customer_key"`
	Context     map[string]any `json:"context"`
	Discount    *Discount      `json:"discount,omitempty"`
}

// Provider generates offers. Implementations may be slow or fail; any error is
// treated as ErrRenderFailed by callers.
type Provider interface {
	Offer(ctx context.Context, req OfferRequest) (Offer, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req OfferRequest) (Offer, error)

// Offer calls f.
func (f ProviderFunc) Offer(ctx context.Context, req OfferRequest) (Offer, error) {
	return f(ctx, req)
}

// StaticProvider serves fixed offers keyed by campaign and step.
type StaticProvider struct {
	offers map[string]Offer
}

// NewStaticProvider returns an empty StaticProvider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{offers: make(map[string]Offer)}
}

func staticKey(campaign string, step int) string {
	return fmt.Sprintf("%s#%d", campaign, step)
}

// Set registers the offer for (campaign, step).
func (p *StaticProvider) Set(campaign string, step int, o Offer) {
	p.offers[staticKey(campaign, step)] = o
}

// Offer returns the registered offer with the request's discount applied.
func (p *StaticProvider) Offer(_ context.Context, req OfferRequest) (Offer, error) {
	o, ok := p.offers[staticKey(req.Campaign, req.Step)]
	if !ok {
		return Offer{}, fmt.Errorf("%w: no static offer for %s step %d", ErrRenderFailed, req.Campaign, req.Step)
	}
	if o.Discount == nil && req.Discount != nil {
		d := *req.Discount
		o.Discount = &d
	}
	return o, nil
}
