package validation

import (
	"fmt"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
)

// itemsTolerance absorbs float rounding between the total and the line sum.
const itemsTolerance = 0.01

// New returns a configured validator with the custom tags and struct-level
// rules registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	_ = v.RegisterValidation("iana_tz", func(fl validatorv10.FieldLevel) bool {
		_, err := time.LoadLocation(fl.Field().String())
		return err == nil
	})

	v.RegisterStructValidation(activityStructValidation, ActivityRequest{})
	v.RegisterStructValidation(startSequenceStructValidation, StartSequenceRequest{})

	return v
}

// activityStructValidation rejects a total below the sum of the lines. A total
// above it is fine (shipping, taxes).
func activityStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(ActivityRequest)
	if len(req.Items) == 0 {
		return
	}

	var sum float64
	for _, it := range req.Items {
		sum += float64(it.Quantity) * it.Price
	}
	if sum-req.Total >= itemsTolerance {
		sl.ReportError(req.Total, "total", "Total", "total_covers_items", fmt.Sprintf("items sum %.2f > total %.2f", sum, req.Total))
	}
}

func startSequenceStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(StartSequenceRequest)
	if req.Recipient.Phone == "" && req.Recipient.Email == "" {
		sl.ReportError(req.Recipient, "recipient", "Recipient", "recipient_contact", "phone or email required")
	}
}
