package payments

import (
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Callback outcome reasons surfaced to the buyer's browser.
const (
	ReasonBadSignature   = "bad_signature"
	ReasonServerError    = "server_error"
	ReasonStatusMismatch = "status_mismatch"
	ReasonCancelOrFailed = "cancel_or_failed"
	ReasonOrderCancelled = "order_cancelled"
	ReasonInvalidOrder   = "invalid_order"
)

// Outcome is the result of reconciling one gateway redirect.
type Outcome struct {
	OrderID uuid.UUID
	Success bool
	Reason  string
}

func succeeded(orderID uuid.UUID) Outcome {
	return Outcome{OrderID: orderID, Success: true}
}

func failed(orderID uuid.UUID, reason string) Outcome {
	return Outcome{OrderID: orderID, Reason: reason}
}

// statusReason renders a gateway status as status_<lower>.
func statusReason(status string) string {
	lower := strings.ToLower(strings.TrimSpace(status))
	if lower == "" {
		lower = "unknown"
	}
	return "status_" + lower
}

// MetricLabel is the outcome label counted in payment_callbacks_total.
func (o Outcome) MetricLabel() string {
	if o.Success {
		return "success"
	}
	return o.Reason
}

// RedirectURL builds the frontend page the buyer lands on.
func (o Outcome) RedirectURL(frontend string) string {
	base := strings.TrimRight(frontend, "/")
	params := url.Values{}
	orderID := ""
	if o.OrderID != uuid.Nil {
		orderID = o.OrderID.String()
	}
	params.Set("orderId", orderID)
	if o.Success {
		return base + "/payment/success?" + params.Encode()
	}
	params.Set("reason", o.Reason)
	return base + "/payment/failure?" + params.Encode()
}
