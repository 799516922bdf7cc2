package validation

import (
	"reflect"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
)

const (
	minKeyLen = 8
	maxKeyLen = 255
)

// New returns a configured validator with the custom tags and struct-level rules registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()
	v.RegisterTagNameFunc(jsonFieldName)

	_ = v.RegisterValidation("idempotency_key", validIdempotencyKey)

	// a successful payment must name the charge it refers to
	v.RegisterStructValidation(webhookStructValidation, PaymentWebhookRequest{})

	return v
}

// validIdempotencyKey accepts 8..255 printable ASCII characters without spaces.
func validIdempotencyKey(fl validatorv10.FieldLevel) bool {
	s := fl.Field().String()
	if len(s) < minKeyLen || len(s) > maxKeyLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] <= ' ' || s[i] > '~' {
			return false
		}
	}
	return true
}

func webhookStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(PaymentWebhookRequest)
	if req.Status == WebhookSucceeded && req.PaymentReference == "" {
		sl.ReportError(req.PaymentReference, "payment_reference", "PaymentReference", "required_for_success", "")
	}
}

// jsonFieldName reports fields by their JSON name so error bodies match the payload.
func jsonFieldName(f reflect.StructField) string {
	name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	switch name {
	case "-":
		return ""
	case "":
		return f.Name
	}
	return name
}
