package sequences

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/imrishuroy/go-cart-recovery/internal/channels"
	"github.com/imrishuroy/go-cart-recovery/internal/content"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Campaign names
const (
	CampaignCartRecovery = "cart_recovery"
	CampaignPostPurchase = "post_purchase"
	CampaignWinback      = "winback"
)

// StepTemplate describes one message of a campaign.
type StepTemplate struct {
	Delay    time.Duration                         `yaml:"delay"`
	Channels []channels.Channel                    `yaml:"channels"`
	Messages map[channels.Channel]content.Template `yaml:"messages"`
	Discount *content.Discount                     `yaml:"discount,omitempty"`
	Fallback content.Offer                         `yaml:"fallback"`
}

// Campaign is an ordered list of steps.
type Campaign struct {
	Name  string         `yaml:"-"`
	Steps []StepTemplate `yaml:"steps"`
}

// Catalog holds the campaigns the orchestrator can run.
type Catalog struct {
	Campaigns map[string]Campaign `yaml:"campaigns"`
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for name, camp := range c.Campaigns {
		camp.Name = name
		c.Campaigns[name] = camp
	}
	if err := c.Validate(content.NewRenderer()); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadCatalog reads path, or returns the embedded default when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return ParseCatalog(defaultCatalog)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog is invalid: %v", err))
	}
	return c
}

// Campaign looks up a campaign by name.
func (c *Catalog) Campaign(name string) (Campaign, error) {
	camp, ok := c.Campaigns[name]
	if !ok {
		return Campaign{}, fmt.Errorf("%w: %q", ErrUnknownCampaign, name)
	}
	return camp, nil
}

// Names lists the campaign names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.Campaigns))
	for name := range c.Campaigns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks every campaign and compiles every template.
func (c *Catalog) Validate(r *content.Renderer) error {
	if len(c.Campaigns) == 0 {
		return errors.New("catalog has no campaigns")
	}
	var errs []error
	for _, name := range c.Names() {
		camp := c.Campaigns[name]
		if len(camp.Steps) == 0 {
			errs = append(errs, fmt.Errorf("%s: no steps", name))
		}
		for i, step := range camp.Steps {
			where := fmt.Sprintf("%s step %d", name, i)
			if step.Delay < 0 {
				errs = append(errs, fmt.Errorf("%s: negative delay", where))
			}
			if len(step.Channels) == 0 {
				errs = append(errs, fmt.Errorf("%s: no channels", where))
			}
			for _, ch := range step.Channels {
				if !ch.Valid() {
					errs = append(errs, fmt.Errorf("%s: %w: %q", where, channels.ErrUnknownChannel, ch))
				}
			}
			if step.Fallback.Empty() {
				errs = append(errs, fmt.Errorf("%s: fallback offer is empty", where))
			}
			for ch, tmpl := range step.Messages {
				if _, err := r.Compile(tmpl.Body); err != nil {
					errs = append(errs, fmt.Errorf("%s %s body: %w", where, ch, err))
				}
				if tmpl.Subject == "" {
					continue
				}
				if _, err := r.Compile(tmpl.Subject); err != nil {
					errs = append(errs, fmt.Errorf("%s %s subject: %w", where, ch, err))
				}
			}
		}
	}
	return errors.Join(errs...)
}
