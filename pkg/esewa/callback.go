package esewa

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"

	pkgerrors "github.com/krishiconnect/marketplace-backend/pkg/errors"
)

// StatusComplete is the gateway's completion sentinel.
const StatusComplete = "COMPLETE"

// Callback is the decoded redirect envelope. Fields keeps every top-level
// value as its literal text so signatures can be recomputed byte for byte.
type Callback struct {
	Status           string
	TransactionCode  string
	TransactionUUID  string
	TotalAmount      string
	ProductCode      string
	SignedFieldNames string
	Signature        string
	Fields           map[string]string
}

// IsComplete reports whether the gateway declared the payment complete.
func (c *Callback) IsComplete() bool {
	return c != nil && c.Status == StatusComplete
}

// DecodeCallback parses the base64 JSON envelope sent in the data query param.
func DecodeCallback(data string) (*Callback, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "callback data is required")
	}
	raw, err := decodeBase64(data)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "callback data is not base64")
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "callback data is not a json object")
	}

	fields := make(map[string]string, len(envelope))
	for key, value := range envelope {
		fields[key] = scalarText(value)
	}

	return &Callback{
		Status:           fields["status"],
		TransactionCode:  fields["transaction_code"],
		TransactionUUID:  fields["transaction_uuid"],
		TotalAmount:      fields["total_amount"],
		ProductCode:      fields["product_code"],
		SignedFieldNames: fields["signed_field_names"],
		Signature:        fields["signature"],
		Fields:           fields,
	}, nil
}

func decodeBase64(data string) ([]byte, error) {
	// query strings sometimes turn '+' into ' '
	data = strings.ReplaceAll(data, " ", "+")
	if raw, err := base64.StdEncoding.DecodeString(data); err == nil {
		return raw, nil
	}
	if raw, err := base64.URLEncoding.DecodeString(data); err == nil {
		return raw, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
}

// scalarText renders a JSON value the way it reads in the payload: strings
// unquoted, everything else as written.
func scalarText(value json.RawMessage) string {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(trimmed)
}
