package esewa

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	pkgerrors "github.com/krishiconnect/marketplace-backend/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCallbackKeepsLiteralScalars(t *testing.T) {
	data := "eyJzdGF0dXMiOiJDT01QTEVURSIsInRvdGFsX2Ftb3VudCI6MTAwMC4wLCJ0cmFuc2FjdGlvbl91dWlkIjoiT1JELTEtMSIsIm9rIjp0cnVlLCJ4IjpudWxsfQ=="
	cb, err := DecodeCallback(data)
	require.NoError(t, err)

	assert.Equal(t, StatusComplete, cb.Status)
	assert.True(t, cb.IsComplete())
	assert.Equal(t, "1000.0", cb.TotalAmount)
	assert.Equal(t, "ORD-1-1", cb.TransactionUUID)
	assert.Equal(t, "true", cb.Fields["ok"])
	assert.Equal(t, "null", cb.Fields["x"])
}

func TestDecodeCallbackAcceptsURLSafeAlphabet(t *testing.T) {
	cb, err := DecodeCallback("eyJzdGF0dXMiOiJQRU5ESU5HIiwibm90ZSI6ImE-PmI_PyJ9")
	require.NoError(t, err)
	assert.Equal(t, "PENDING", cb.Status)
	assert.False(t, cb.IsComplete())
	assert.Equal(t, "a>>b??", cb.Fields["note"])
}

func TestDecodeCallbackRestoresPlusFromQuery(t *testing.T) {
	payload := map[string]string{"status": "COMPLETE", "signature": "ab+/cd=="}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	encoded := base64.StdEncoding.EncodeToString(raw)

	cb, err := DecodeCallback(encoded)
	require.NoError(t, err)
	assert.Equal(t, "ab+/cd==", cb.Signature)
}

func TestDecodeCallbackRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "   ", "!!!not-base64!!!", base64.StdEncoding.EncodeToString([]byte("[1,2]"))} {
		_, err := DecodeCallback(input)
		require.Error(t, err, "input %q", input)
		assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))
	}
}

func TestDecodedCallbackRoundTripsThroughVerify(t *testing.T) {
	signer := testSigner(t)
	fields := map[string]string{
		"transaction_code":   "000AWEO",
		"status":             StatusComplete,
		"total_amount":       "1000.0",
		"transaction_uuid":   "ORD-7-1",
		"product_code":       "EPAYTEST",
		"signed_field_names": "transaction_code,status,total_amount,transaction_uuid,product_code,signed_field_names",
	}
	fields["signature"] = Sign(testSecret, CanonicalMessage(fields, fields["signed_field_names"]))
	raw, err := json.Marshal(fields)
	require.NoError(t, err)

	cb, err := DecodeCallback(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	require.NoError(t, signer.Verify(cb))
	assert.Equal(t, "000AWEO", cb.TransactionCode)
}
