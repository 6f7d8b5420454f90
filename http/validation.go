package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	spl402 "github.com/astrohackerx/spl402-sub000"
)

// paymentPayloadSchema describes the X-Payment header body. Scheme-specific
// checks are left to the verifier so that rejections keep their order.
const paymentPayloadSchema = `{
  "type": "object",
  "required": ["spl402Version", "scheme", "network", "payload"],
  "properties": {
    "spl402Version": {"type": "integer"},
    "scheme": {"type": "string"},
    "network": {"type": "string"},
    "payload": {
      "type": "object",
      "required": ["from", "to", "amount", "signature", "timestamp"],
      "properties": {
        "from": {"type": "string"},
        "to": {"type": "string"},
        "amount": {"type": ["number", "string"]},
        "signature": {"type": "string"},
        "timestamp": {"type": "integer"},
        "mint": {"type": "string"}
      }
    }
  }
}`

var paymentSchemaLoader = gojsonschema.NewStringLoader(paymentPayloadSchema)

// DecodePaymentHeader parses an X-Payment header. The header may carry the
// JSON payload directly or base64-encoded.
func DecodePaymentHeader(header string) (*spl402.PaymentPayload, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("%w: header is empty", spl402.ErrInvalidPayload)
	}

	raw := []byte(header)
	if !strings.HasPrefix(header, "{") {
		decoded, err := base64.StdEncoding.DecodeString(header)
		if err != nil {
			decoded, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(header, "="))
		}
		if err != nil {
			return nil, fmt.Errorf("%w: neither JSON nor base64", spl402.ErrInvalidPayload)
		}
		raw = decoded
	}

	if err := validatePayloadJSON(raw); err != nil {
		return nil, err
	}

	var payload spl402.PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", spl402.ErrInvalidPayload, err)
	}
	return &payload, nil
}

func validatePayloadJSON(raw []byte) error {
	result, err := gojsonschema.Validate(paymentSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: not valid JSON: %v", spl402.ErrInvalidPayload, err)
	}
	if result.Valid() {
		return nil
	}

	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return fmt.Errorf("%w: %s", spl402.ErrInvalidPayload, strings.Join(problems, "; "))
}

// EncodePaymentHeader renders a payload for the X-Payment header.
func EncodePaymentHeader(payload *spl402.PaymentPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return string(data), nil
}

// DecodeRequirementHeader parses an X-Payment-Required header.
func DecodeRequirementHeader(header string) (*spl402.PaymentRequirement, error) {
	header = strings.TrimSpace(header)
	raw := []byte(header)
	if !strings.HasPrefix(header, "{") {
		decoded, err := base64.StdEncoding.DecodeString(header)
		if err != nil {
			return nil, fmt.Errorf("%w: neither JSON nor base64", spl402.ErrInvalidRequirement)
		}
		raw = decoded
	}

	var req spl402.PaymentRequirement
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", spl402.ErrInvalidRequirement, err)
	}
	return &req, nil
}

// EncodeRequirementHeader renders a requirement for the X-Payment-Required
// header.
func EncodeRequirementHeader(req *spl402.PaymentRequirement) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment requirement: %w", err)
	}
	return string(data), nil
}
