// Package channels defines the messaging channels a reminder can travel on and
// the uniform sender contract every transport implements.
package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Channel identifies a transport for reaching a customer.
type Channel string

const (
	WhatsApp Channel = "whatsapp"
	SMS      Channel = "sms"
	Email    Channel = "email"
)

// All lists the known channels in default priority order.
var All = []Channel{WhatsApp, SMS, Email}

// ErrUnknownChannel is returned by Parse for unsupported channel names.
var ErrUnknownChannel = errors.New("unknown channel")

// ErrNoSender is returned when no sender is registered for a channel.
var ErrNoSender = errors.New("no sender registered for channel")

// Parse converts a case-insensitive name into a Channel.
func Parse(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, s)
	}
	return c, nil
}

// Valid reports whether c is one of the known channels.
func (c Channel) Valid() bool {
	switch c {
	case WhatsApp, SMS, Email:
		return true
	}
	return false
}

// Recipient carries the contact points of one customer.
type Recipient struct {
	Phone    string `json:"phone,omitempty" dynamodbav:"phone,omitempty"`
	Email    string `json:"email,omitempty" dynamodbav:"email,omitempty"`
	TimeZone string `json:"timezone,omitempty" dynamodbav:"timezone,omitempty"` // IANA name, e.g. Asia/Riyadh
}

// Address returns the address used on channel c, or "" when the recipient
// cannot be reached there.
func (r Recipient) Address(c Channel) string {
	switch c {
	case WhatsApp, SMS:
		return r.Phone
	case Email:
		return r.Email
	}
	return ""
}

// Message is a fully rendered message for a single channel.
type Message struct {
	Subject      string `json:"subject,omitempty"`
	Body         string `json:"body"`
	CTA          string `json:"cta,omitempty"`
	DiscountCode string `json:"discount_code,omitempty"`
}

// Sender delivers a message to an address on one channel. A nil error means the
// transport accepted the message; the returned id is the transport's reference.
type Sender interface {
	Send(ctx context.Context, address string, msg Message) (string, error)
}

// Senders maps channels to their transports.
type Senders map[Channel]Sender

// Get returns the sender for c or ErrNoSender.
func (s Senders) Get(c Channel) (Sender, error) {
	sender, ok := s[c]
	if !ok || sender == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSender, c)
	}
	return sender, nil
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, address string, msg Message) (string, error)

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, address string, msg Message) (string, error) {
	return f(ctx, address, msg)
}
