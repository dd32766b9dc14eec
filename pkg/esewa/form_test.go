package esewa

import (
	"encoding/json"
	"testing"

	"github.com/krishiconnect/marketplace-backend/pkg/config"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildOutboundRequestSignsCanonicalFields(t *testing.T) {
	signer := testSigner(t)
	req, err := signer.BuildOutboundRequest(OutboundParams{
		Amount:          decimal.RequireFromString("1250.50"),
		TransactionUUID: "ORD-abc-1",
		SuccessURL:      "http://api.test/api/payments/esewa/success?orderId=abc",
		FailureURL:      "http://api.test/api/payments/esewa/failure?orderId=abc",
	})
	require.NoError(t, err)

	assert.Equal(t, "https://rc-epay.esewa.com.np/api/epay/main/v2/form", req.FormURL)
	f := req.Fields
	assert.Equal(t, "1250.5", f.Amount)
	assert.Equal(t, "1250.5", f.TotalAmount)
	assert.Equal(t, "0", f.TaxAmount)
	assert.Equal(t, "0", f.ProductServiceCharge)
	assert.Equal(t, "0", f.ProductDeliveryCharge)
	assert.Equal(t, "EPAYTEST", f.ProductCode)
	assert.Equal(t, SignedFieldNames, f.SignedFieldNames)
	assert.Equal(t, "6K63mlpIPCbVCzRxR3vx2k1sGsM9s9q0BxM05JA2lPY=", f.Signature)
}

func TestOutboundSignatureVerifiesAsCallback(t *testing.T) {
	signer := testSigner(t)
	req, err := signer.BuildOutboundRequest(OutboundParams{
		Amount:          decimal.NewFromInt(300),
		TransactionUUID: "ORD-xyz-2",
	})
	require.NoError(t, err)

	raw, err := json.Marshal(req.Fields)
	require.NoError(t, err)
	var fields map[string]string
	require.NoError(t, json.Unmarshal(raw, &fields))

	cb := &Callback{SignedFieldNames: fields["signed_field_names"], Signature: fields["signature"], Fields: fields}
	require.NoError(t, signer.Verify(cb))
}

func TestBuildOutboundRequestValidatesInput(t *testing.T) {
	signer := testSigner(t)
	_, err := signer.BuildOutboundRequest(OutboundParams{Amount: decimal.NewFromInt(10)})
	assert.Error(t, err)
	_, err = signer.BuildOutboundRequest(OutboundParams{Amount: decimal.Zero, TransactionUUID: "ORD-1-1"})
	assert.Error(t, err)
}

func TestNewSignerRequiresConfig(t *testing.T) {
	_, err := NewSigner(config.GatewayConfig{SecretKey: "s", FormURL: "http://x"})
	assert.Error(t, err)
	_, err = NewSigner(config.GatewayConfig{ProductCode: "P", FormURL: "http://x"})
	assert.Error(t, err)
	_, err = NewSigner(config.GatewayConfig{ProductCode: "P", SecretKey: "s"})
	assert.Error(t, err)
}
