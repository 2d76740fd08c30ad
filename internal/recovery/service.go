// Package recovery connects cart events to campaign sequences.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/imrishuroy/go-cart-recovery/internal/carts"
	"github.com/imrishuroy/go-cart-recovery/internal/sequences"
)

// Sequencer is the part of the orchestrator the service drives.
type Sequencer interface {
	Start(ctx context.Context, req sequences.StartRequest) (*sequences.Instance, error)
	Cancel(ctx context.Context, campaign, customerKey string) (bool, error)
}

// Carts reads carts and records delivered reminders on them.
type Carts interface {
	Cart(ctx context.Context, key carts.Key) (*carts.Cart, error)
	MarkReminded(ctx context.Context, key carts.Key) error
}

// Service starts recovery on abandonment, stops it on conversion and counts
// delivered reminders on the cart.
type Service struct {
	sequencer         Sequencer
	carts             Carts
	startPostPurchase bool
	logger            *slog.Logger
}

// NewService creates the bridge. When startPostPurchase is set a conversion
// also starts the post_purchase campaign.
func NewService(sequencer Sequencer, cs Carts, startPostPurchase bool, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		sequencer:         sequencer,
		carts:             cs,
		startPostPurchase: startPostPurchase,
		logger:            logger.With("component", "recovery"),
	}
}

// CartContext is the template context of a cart's sequences.
func CartContext(c carts.Cart) map[string]any {
	items := make([]any, 0, len(c.Items))
	for _, it := range c.Items {
		items = append(items, map[string]any{"name": it.Name, "quantity": it.Quantity, "price": it.Price})
	}
	return map[string]any{
		"cart_key":      c.CartKey,
		"customer_name": c.CustomerName,
		"total":         c.Total,
		"currency":      c.Currency,
		"checkout_url":  c.CheckoutURL,
		"items":         items,
		"item_count":    c.ItemCount(),
		"store":         c.Store,
	}
}

// OnAbandoned starts cart_recovery for the cart's owner.
func (s *Service) OnAbandoned(ctx context.Context, c carts.Cart) error {
	inst, err := s.sequencer.Start(ctx, sequences.StartRequest{
		Campaign:    sequences.CampaignCartRecovery,
		CustomerKey: c.CustomerKey(),
		Recipient:   c.Recipient(),
		Context:     CartContext(c),
	})
	if err != nil {
		return fmt.Errorf("start cart recovery for %s: %w", c.CartKey, err)
	}
	s.logger.Info("cart recovery started", "cart_key", c.CartKey, "sequence_id", inst.ID)
	return nil
}

// OnConverted stops cart_recovery and optionally starts post_purchase.
func (s *Service) OnConverted(ctx context.Context, c carts.Cart) error {
	cancelled, err := s.sequencer.Cancel(ctx, sequences.CampaignCartRecovery, c.CustomerKey())
	if err != nil {
		return fmt.Errorf("cancel cart recovery for %s: %w", c.CartKey, err)
	}
	if cancelled {
		s.logger.Info("cart recovery stopped by conversion", "cart_key", c.CartKey, "status", c.Status)
	}
	if !s.startPostPurchase {
		return nil
	}
	if _, err := s.sequencer.Start(ctx, sequences.StartRequest{
		Campaign:    sequences.CampaignPostPurchase,
		CustomerKey: c.CustomerKey(),
		Recipient:   c.Recipient(),
		Context:     CartContext(c),
	}); err != nil {
		return fmt.Errorf("start post purchase for %s: %w", c.CartKey, err)
	}
	return nil
}

// OnStepDelivered marks the originating cart reminded after a cart_recovery step.
func (s *Service) OnStepDelivered(ctx context.Context, inst sequences.Instance, entry sequences.HistoryEntry) error {
	if inst.Campaign != sequences.CampaignCartRecovery {
		return nil
	}
	key, ok, err := cartKey(inst)
	if !ok || err != nil {
		return err
	}
	return s.carts.MarkReminded(ctx, key)
}

// Stop cancels a cart_recovery instance whose cart was converted or recovered
// after the sequence started.
func (s *Service) Stop(ctx context.Context, inst sequences.Instance) (bool, error) {
	if inst.Campaign != sequences.CampaignCartRecovery {
		return false, nil
	}
	key, ok, err := cartKey(inst)
	if !ok || err != nil {
		return false, err
	}
	c, err := s.carts.Cart(ctx, key)
	if err != nil {
		return false, fmt.Errorf("load cart %s: %w", key, err)
	}
	return c != nil && c.Status.Final(), nil
}

func cartKey(inst sequences.Instance) (carts.Key, bool, error) {
	raw, _ := inst.Context["cart_key"].(string)
	if raw == "" {
		return carts.Key{}, false, nil
	}
	key, err := carts.ParseKey(raw)
	if err != nil {
		return carts.Key{}, false, err
	}
	return key, true, nil
}
