package content

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/imrishuroy/go-cart-recovery/internal/channels"
)

// Template is the per-channel message layout. Fields are text/template sources
// evaluated against the sequence context plus "offer".
type Template struct {
	Subject string `yaml:"subject,omitempty" json:"subject,omitempty"`
	Body    string `yaml:"body" json:"body"`
}

var funcs = template.FuncMap{
	"money": func(amount any, currency any) string {
		var v float64
		switch n := amount.(type) {
		case float64:
			v = n
		case float32:
			v = float64(n)
		case int:
			v = float64(n)
		case int64:
			v = float64(n)
		}
		return strings.TrimSpace(fmt.Sprintf("%.2f %v", v, currency))
	},
	"default": func(def, v any) any {
		if v == nil {
			return def
		}
		if s, ok := v.(string); ok && s == "" {
			return def
		}
		return v
	},
	"upper": strings.ToUpper,
}

// Renderer compiles and caches templates.
type Renderer struct {
	mu    sync.RWMutex
	cache map[string]*template.Template
}

// NewRenderer returns an empty Renderer.
func NewRenderer() *Renderer {
	return &Renderer{cache: make(map[string]*template.Template)}
}

// Compile parses src, returning ErrRenderFailed for invalid templates.
func (r *Renderer) Compile(src string) (*template.Template, error) {
	r.mu.RLock()
	t, ok := r.cache[src]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}
	t, err := template.New("msg").Funcs(funcs).Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrRenderFailed, err)
	}
	r.mu.Lock()
	r.cache[src] = t
	r.mu.Unlock()
	return t, nil
}

// Render executes src against data.
func (r *Renderer) Render(src string, data map[string]any) (string, error) {
	t, err := r.Compile(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: execute: %v", ErrRenderFailed, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Message renders tmpl for offer and vars. An empty body template uses the
// offer's plain text.
func (r *Renderer) Message(tmpl Template, offer Offer, vars map[string]any) (channels.Message, error) {
	if strings.TrimSpace(tmpl.Body) == "" {
		return offer.Message(), nil
	}
	data := make(map[string]any, len(vars)+1)
	for k, v := range vars {
		data[k] = v
	}
	data["offer"] = offer

	body, err := r.Render(tmpl.Body, data)
	if err != nil {
		return channels.Message{}, err
	}
	msg := channels.Message{Body: body, CTA: offer.CTA, Subject: offer.Headline}
	if tmpl.Subject != "" {
		if msg.Subject, err = r.Render(tmpl.Subject, data); err != nil {
			return channels.Message{}, err
		}
	}
	if offer.Discount != nil {
		msg.DiscountCode = offer.Discount.Code
	}
	return msg, nil
}
