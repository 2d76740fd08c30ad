package validation

import (
	"time"

	"github.com/imrishuroy/go-cart-recovery/internal/carts"
	"github.com/imrishuroy/go-cart-recovery/internal/channels"
)

// CartKey identifies a cart as sent by the commerce webhook normalizer.
type CartKey struct {
	Platform string `json:"platform" validate:"required"`
	Store    string `json:"store" validate:"required"`
	CartID   string `json:"cart_id" validate:"required"`
}

func (k CartKey) toKey() carts.Key {
	return carts.Key{Platform: k.Platform, Store: k.Store, CartID: k.CartID}
}

// Contact is optional as a whole; an event without any contact is accepted and skipped.
type Contact struct {
	Phone string `json:"phone,omitempty" validate:"omitempty,e164"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
}

// Item represents a single cart line.
type Item struct {
	Name     string  `json:"name" validate:"required"`
	Quantity int     `json:"quantity" validate:"required,min=1"` // must be >= 1
	Price    float64 `json:"price" validate:"gte=0"`             // price per unit
}

// ActivityRequest is the payload for POST /events/activity
type ActivityRequest struct {
	CartKey      CartKey    `json:"cart_key" validate:"required"`
	Contact      Contact    `json:"contact"`
	Total        float64    `json:"total" validate:"gte=0"`
	Currency     string     `json:"currency" validate:"omitempty,len=3"`
	Items        []Item     `json:"items" validate:"omitempty,dive"`
	CheckoutURL  string     `json:"checkout_url,omitempty" validate:"omitempty,url"`
	CustomerName string     `json:"customer_name,omitempty"`
	TimeZone     string     `json:"timezone,omitempty" validate:"omitempty,iana_tz"`
	Timestamp    *time.Time `json:"timestamp,omitempty"` // optional client timestamp
}

// Event converts the request into a detector event.
func (r ActivityRequest) Event() carts.ActivityEvent {
	items := make([]carts.Item, 0, len(r.Items))
	for _, it := range r.Items {
		items = append(items, carts.Item{Name: it.Name, Quantity: it.Quantity, Price: it.Price})
	}
	ev := carts.ActivityEvent{
		Key:          r.CartKey.toKey(),
		Contact:      carts.Contact{Phone: r.Contact.Phone, Email: r.Contact.Email},
		CustomerName: r.CustomerName,
		TimeZone:     r.TimeZone,
		Total:        r.Total,
		Currency:     r.Currency,
		Items:        items,
		CheckoutURL:  r.CheckoutURL,
	}
	if r.Timestamp != nil {
		ev.Timestamp = *r.Timestamp
	}
	return ev
}

// ConversionRequest is the payload for POST /events/conversion
type ConversionRequest struct {
	CartKey CartKey `json:"cart_key" validate:"required"`
}

// Key returns the converted cart's key.
func (r ConversionRequest) Key() carts.Key { return r.CartKey.toKey() }

// Recipient is where a manually started sequence delivers.
type Recipient struct {
	Phone    string `json:"phone,omitempty" validate:"omitempty,e164"`
	Email    string `json:"email,omitempty" validate:"omitempty,email"`
	TimeZone string `json:"timezone,omitempty" validate:"omitempty,iana_tz"`
}

// StartSequenceRequest is the payload for POST /sequences
type StartSequenceRequest struct {
	Campaign    string         `json:"campaign" validate:"required"`
	CustomerKey string         `json:"customer_key" validate:"required"`
	Recipient   Recipient      `json:"recipient"`
	Context     map[string]any `json:"context,omitempty"`
}

// ChannelRecipient converts the request recipient.
func (r StartSequenceRequest) ChannelRecipient() channels.Recipient {
	return channels.Recipient{Phone: r.Recipient.Phone, Email: r.Recipient.Email, TimeZone: r.Recipient.TimeZone}
}

// ConsentRequest is the payload for PUT /consents
type ConsentRequest struct {
	Channel string `json:"channel" validate:"required,oneof=whatsapp sms email"`
	Address string `json:"address" validate:"required"`
	OptedIn *bool  `json:"opted_in" validate:"required"`
}
