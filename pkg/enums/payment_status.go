package enums

import "strings"

// PaymentStatus tracks the lifecycle of a payment record. Gateway-reported
// statuses (lower-cased) are stored verbatim, so the set is open.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusInitiated PaymentStatus = "initiated"
	PaymentStatusSuccess   PaymentStatus = "success"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// String implements fmt.Stringer.
func (p PaymentStatus) String() string {
	return string(p)
}

// IsSuccess reports whether money has been confirmed for the payment.
func (p PaymentStatus) IsSuccess() bool {
	return p == PaymentStatusSuccess
}

// GatewayPaymentStatus maps a gateway-declared status onto the stored form.
func GatewayPaymentStatus(raw string) PaymentStatus {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return PaymentStatusFailed
	}
	return PaymentStatus(normalized)
}
