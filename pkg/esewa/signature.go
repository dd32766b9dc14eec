package esewa

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	pkgerrors "github.com/krishiconnect/marketplace-backend/pkg/errors"
)

const (
	// SignedFieldNames is the field order the merchant signs on outbound requests.
	SignedFieldNames = "total_amount,transaction_uuid,product_code"

	fieldSeparator = ","
)

// CanonicalMessage joins name=value pairs in the order declared by
// signedFieldNames. Absent fields render with an empty value.
func CanonicalMessage(fields map[string]string, signedFieldNames string) string {
	names := splitFieldNames(signedFieldNames)
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+fields[name])
	}
	return strings.Join(pairs, fieldSeparator)
}

// Sign returns the base64 HMAC-SHA256 of message under secret.
func Sign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func splitFieldNames(raw string) []string {
	parts := strings.Split(raw, fieldSeparator)
	names := make([]string, 0, len(parts))
	for _, part := range parts {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Verify recomputes the signature over the callback's own signed field list
// and compares it in constant time with the one the gateway supplied.
func (s *Signer) Verify(cb *Callback) error {
	if cb == nil {
		return pkgerrors.New(pkgerrors.CodeInvalidSignature, "callback is required")
	}
	if len(splitFieldNames(cb.SignedFieldNames)) == 0 || cb.Signature == "" {
		return pkgerrors.New(pkgerrors.CodeInvalidSignature, "callback is missing signed fields or signature")
	}
	expected := Sign(s.secret, CanonicalMessage(cb.Fields, cb.SignedFieldNames))
	if !hmac.Equal([]byte(expected), []byte(cb.Signature)) {
		return pkgerrors.New(pkgerrors.CodeInvalidSignature, "callback signature mismatch")
	}
	return nil
}
