package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/imrishuroy/go-cart-recovery/internal/channels"
	"github.com/imrishuroy/go-cart-recovery/internal/content"
	"github.com/imrishuroy/go-cart-recovery/internal/sequences"
)

// sampleContext mirrors the context a real cart_recovery instance carries.
var sampleContext = map[string]any{
	"cart_key":      "shopify:demo-store:cart-1",
	"customer_name": "Sara",
	"total":         500.0,
	"currency":      "SAR",
	"checkout_url":  "https://demo-store.example/checkout/cart-1",
	"items":         []any{map[string]any{"name": "Oud", "quantity": 1, "price": 500.0}},
	"item_count":    1,
	"store":         "demo-store",
}

type stepRow struct {
	Campaign string             `json:"campaign"`
	Step     int                `json:"step"`
	Delay    string             `json:"delay"`
	Channels []channels.Channel `json:"channels"`
	Discount *content.Discount  `json:"discount,omitempty"`
}

// NewTemplatesCommand inspects the campaign catalog.
func NewTemplatesCommand(opts *RootOptions) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List the campaigns of the catalog",
		Long:  "List, validate and preview campaign steps. Without --catalog the embedded catalog is used.",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := sequences.LoadCatalog(path)
			if err != nil {
				return err
			}
			var rows []stepRow
			for _, name := range catalog.Names() {
				camp, _ := catalog.Campaign(name)
				for i, s := range camp.Steps {
					rows = append(rows, stepRow{Campaign: name, Step: i, Delay: s.Delay.String(), Channels: s.Channels, Discount: s.Discount})
				}
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), rows)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CAMPAIGN\tSTEP\tDELAY\tCHANNELS\tDISCOUNT")
			for _, r := range rows {
				discount := "-"
				if r.Discount != nil {
					discount = fmt.Sprintf("%s (%d%%)", r.Discount.Code, r.Discount.Percent)
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%v\t%s\n", r.Campaign, r.Step, r.Delay, r.Channels, discount)
			}
			return tw.Flush()
		},
	}
	cmd.PersistentFlags().StringVar(&path, "catalog", "", "catalog YAML file (default: embedded)")

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Parse and compile every template of the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := sequences.LoadCatalog(path)
			if err != nil {
				return err
			}
			if err := catalog.Validate(content.NewRenderer()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "catalog ok: %d campaigns\n", len(catalog.Campaigns))
			return nil
		},
	})

	var channel string
	render := &cobra.Command{
		Use:   "render <campaign> <step>",
		Short: "Render one step with a sample cart",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := sequences.LoadCatalog(path)
			if err != nil {
				return err
			}
			camp, err := catalog.Campaign(args[0])
			if err != nil {
				return err
			}
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 0 || n >= len(camp.Steps) {
				return fmt.Errorf("step must be 0..%d", len(camp.Steps)-1)
			}
			step := camp.Steps[n]
			c := step.Channels[0]
			if channel != "" {
				if c, err = channels.Parse(channel); err != nil {
					return err
				}
			}

			offer := step.Fallback
			offer.Discount = step.Discount
			offer.CTA = sampleContext["checkout_url"].(string)
			vars := make(map[string]any, len(sampleContext)+2)
			for k, v := range sampleContext {
				vars[k] = v
			}
			vars["campaign"], vars["step"] = camp.Name, n

			msg, err := content.NewRenderer().Message(step.Messages[c], offer, vars)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), msg)
			}
			out := cmd.OutOrStdout()
			if msg.Subject != "" {
				fmt.Fprintf(out, "Subject: %s\n\n", msg.Subject)
			}
			fmt.Fprintln(out, msg.Body)
			return nil
		},
	}
	render.Flags().StringVar(&channel, "channel", "", "channel to render (default: the step's first channel)")
	cmd.AddCommand(render)

	return cmd
}
