package carts

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/imrishuroy/go-cart-recovery/internal/channels"
)

// Status is the lifecycle state of a cart.
type Status string

// Cart statuses
const (
	StatusActive    Status = "active"
	StatusAbandoned Status = "abandoned"
	StatusReminded  Status = "reminded"
	StatusConverted Status = "converted"
	StatusRecovered Status = "recovered" // converted after at least one reminder
)

// Final reports whether no reminder may ever be sent for a cart in this status.
func (s Status) Final() bool {
	return s == StatusConverted || s == StatusRecovered
}

var (
	// ErrNoContact is returned for activity that carries neither phone nor email.
	ErrNoContact = errors.New("cart has no contact")
	// ErrAlreadyFinal is returned when activity arrives for a converted cart.
	ErrAlreadyFinal = errors.New("cart already converted")
	// ErrStatusMismatch indicates a conditional transition lost to a concurrent change.
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
	// ErrInvalidKey is returned by ParseKey.
	ErrInvalidKey = errors.New("invalid cart key")
)

// Key identifies a cart as platform:store:cart-id.
type Key struct {
	Platform string `json:"platform" validate:"required"`
	Store    string `json:"store" validate:"required"`
	CartID   string `json:"cart_id" validate:"required"`
}

func (k Key) String() string {
	return k.Platform + ":" + k.Store + ":" + k.CartID
}

// Validate checks that every part is present.
func (k Key) Validate() error {
	if k.Platform == "" || k.Store == "" || k.CartID == "" {
		return fmt.Errorf("%w: %q", ErrInvalidKey, k.String())
	}
	return nil
}

// ParseKey parses platform:store:cart-id. The cart id may itself contain colons.
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	k := Key{Platform: parts[0], Store: parts[1], CartID: parts[2]}
	return k, k.Validate()
}

// Contact holds the ways to reach the cart owner.
type Contact struct {
	Phone string `json:"phone,omitempty" dynamodbav:"phone,omitempty"`
	Email string `json:"email,omitempty" dynamodbav:"email,omitempty"`
}

// Empty reports whether neither phone nor email is known.
func (c Contact) Empty() bool {
	return strings.TrimSpace(c.Phone) == "" && strings.TrimSpace(c.Email) == ""
}

// Item is one cart line.
type Item struct {
	Name     string  `json:"name" dynamodbav:"name"`
	Quantity int     `json:"quantity" dynamodbav:"quantity"`
	Price    float64 `json:"price" dynamodbav:"price"`
}

// Cart represents the item stored in the carts DynamoDB table.
type Cart struct {
	CartKey        string    `json:"cart_key" dynamodbav:"cart_key"` // PK
	Platform       string    `json:"platform" dynamodbav:"platform"`
	Store          string    `json:"store" dynamodbav:"store"`
	CartID         string    `json:"cart_id" dynamodbav:"cart_id"`
	Contact        Contact   `json:"contact" dynamodbav:"contact"`
	CustomerName   string    `json:"customer_name,omitempty" dynamodbav:"customer_name,omitempty"`
	TimeZone       string    `json:"timezone,omitempty" dynamodbav:"timezone,omitempty"`
	Total          float64   `json:"total" dynamodbav:"total"`
	Currency       string    `json:"currency" dynamodbav:"currency"`
	Items          []Item    `json:"items,omitempty" dynamodbav:"items,omitempty"`
	CheckoutURL    string    `json:"checkout_url,omitempty" dynamodbav:"checkout_url,omitempty"`
	Status         Status    `json:"status" dynamodbav:"status"`
	DueAt          int64     `json:"due_at,omitempty" dynamodbav:"due_at,omitempty"` // debounce deadline, epoch seconds; 0 when not armed
	ReminderCount  int       `json:"reminder_count" dynamodbav:"reminder_count"`
	LastActivityAt time.Time `json:"last_activity_at" dynamodbav:"last_activity_at"`
	AbandonedAt    time.Time `json:"abandoned_at,omitempty" dynamodbav:"abandoned_at"`
	ConvertedAt    time.Time `json:"converted_at,omitempty" dynamodbav:"converted_at"`
	CreatedAt      time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

// Key returns the parsed cart key.
func (c Cart) Key() Key {
	return Key{Platform: c.Platform, Store: c.Store, CartID: c.CartID}
}

// Due reports whether the debounce deadline has passed at now.
func (c Cart) Due(now time.Time) bool {
	return c.Status == StatusActive && c.DueAt > 0 && c.DueAt <= now.Unix()
}

// CustomerKey identifies the cart owner within a store: platform:store:phone,
// falling back to the email when no phone is known.
func (c Cart) CustomerKey() string {
	id := c.Contact.Phone
	if id == "" {
		id = strings.ToLower(c.Contact.Email)
	}
	return c.Platform + ":" + c.Store + ":" + id
}

// Recipient returns the contact points for message delivery.
func (c Cart) Recipient() channels.Recipient {
	return channels.Recipient{Phone: c.Contact.Phone, Email: c.Contact.Email, TimeZone: c.TimeZone}
}

// ItemCount sums the quantities of all lines.
func (c Cart) ItemCount() int {
	n := 0
	for _, it := range c.Items {
		n += it.Quantity
	}
	return n
}

// ActivityEvent is a normalized cart snapshot from a commerce webhook.
type ActivityEvent struct {
	Key          Key
	Contact      Contact
	CustomerName string
	TimeZone     string
	Total        float64
	Currency     string
	Items        []Item
	CheckoutURL  string
	Timestamp    time.Time
}

// apply merges the snapshot into c. Empty fields keep their previous value.
func (e ActivityEvent) apply(c *Cart) {
	c.CartKey = e.Key.String()
	c.Platform, c.Store, c.CartID = e.Key.Platform, e.Key.Store, e.Key.CartID
	if e.Contact.Phone != "" {
		c.Contact.Phone = e.Contact.Phone
	}
	if e.Contact.Email != "" {
		c.Contact.Email = e.Contact.Email
	}
	if e.CustomerName != "" {
		c.CustomerName = e.CustomerName
	}
	if e.TimeZone != "" {
		c.TimeZone = e.TimeZone
	}
	if e.Currency != "" {
		c.Currency = e.Currency
	}
	if e.CheckoutURL != "" {
		c.CheckoutURL = e.CheckoutURL
	}
	c.Total = e.Total
	c.Items = e.Items
}
