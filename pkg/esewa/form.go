package esewa

import (
	"errors"
	"strings"

	"github.com/krishiconnect/marketplace-backend/pkg/config"
	"github.com/shopspring/decimal"
)

// Signer builds signed outbound forms and verifies inbound callbacks with the
// merchant's shared secret.
type Signer struct {
	productCode string
	secret      string
	formURL     string
}

// NewSigner builds a Signer from the gateway configuration.
func NewSigner(cfg config.GatewayConfig) (*Signer, error) {
	if strings.TrimSpace(cfg.ProductCode) == "" {
		return nil, errors.New("esewa product code is required")
	}
	if cfg.SecretKey == "" {
		return nil, errors.New("esewa secret key is required")
	}
	if strings.TrimSpace(cfg.FormURL) == "" {
		return nil, errors.New("esewa form url is required")
	}
	return &Signer{
		productCode: strings.TrimSpace(cfg.ProductCode),
		secret:      cfg.SecretKey,
		formURL:     strings.TrimSpace(cfg.FormURL),
	}, nil
}

// ProductCode returns the merchant code sent on every request.
func (s *Signer) ProductCode() string {
	return s.productCode
}

// OutboundParams carries the order data needed for a payment form.
type OutboundParams struct {
	Amount          decimal.Decimal
	TransactionUUID string
	SuccessURL      string
	FailureURL      string
}

// FormFields is the field set the browser posts to the gateway form.
type FormFields struct {
	Amount                string `json:"amount"`
	TaxAmount             string `json:"tax_amount"`
	TotalAmount           string `json:"total_amount"`
	TransactionUUID       string `json:"transaction_uuid"`
	ProductCode           string `json:"product_code"`
	ProductServiceCharge  string `json:"product_service_charge"`
	ProductDeliveryCharge string `json:"product_delivery_charge"`
	SuccessURL            string `json:"success_url"`
	FailureURL            string `json:"failure_url"`
	SignedFieldNames      string `json:"signed_field_names"`
	Signature             string `json:"signature"`
}

// OutboundRequest is the redirect payload handed to the buyer's browser.
type OutboundRequest struct {
	FormURL string     `json:"formUrl"`
	Fields  FormFields `json:"fields"`
}

// BuildOutboundRequest produces the signed form for a transaction. Tax and
// charges are always zero so the total equals the order amount.
func (s *Signer) BuildOutboundRequest(params OutboundParams) (*OutboundRequest, error) {
	if strings.TrimSpace(params.TransactionUUID) == "" {
		return nil, errors.New("transaction uuid is required")
	}
	if !params.Amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}

	zero := decimal.Zero
	total := params.Amount

	fields := FormFields{
		Amount:                params.Amount.String(),
		TaxAmount:             zero.String(),
		TotalAmount:           total.String(),
		TransactionUUID:       params.TransactionUUID,
		ProductCode:           s.productCode,
		ProductServiceCharge:  zero.String(),
		ProductDeliveryCharge: zero.String(),
		SuccessURL:            params.SuccessURL,
		FailureURL:            params.FailureURL,
		SignedFieldNames:      SignedFieldNames,
	}
	fields.Signature = Sign(s.secret, CanonicalMessage(map[string]string{
		"total_amount":     fields.TotalAmount,
		"transaction_uuid": fields.TransactionUUID,
		"product_code":     fields.ProductCode,
	}, SignedFieldNames))

	return &OutboundRequest{FormURL: s.formURL, Fields: fields}, nil
}
