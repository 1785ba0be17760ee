package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrBadPayload    = errors.New("malformed callback payload")
	ErrMissingFields = errors.New("missing required fields")
	ErrNullField     = errors.New("required field cannot be null")
)

// Callback keys in the order they are validated and reported.
var (
	RequiredCallbackFields = []string{
		"internal_id", "status", "tx_hash", "operation_type", "asset",
		"amount", "from_address", "to_address", "user_id",
	}
	OptionalCallbackFields = []string{"tx_link", "confirmations", "block_number", "error_message"}
)

// FieldError carries the offending field names alongside a sentinel error.
type FieldError struct {
	Err    error
	Fields []string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, strings.Join(e.Fields, ", "))
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// CallbackPayload is the typed form of a gateway status callback.
// Optional fields are nil when the key is absent or null.
type CallbackPayload struct {
	InternalID    string            `json:"internal_id"`
	Status        TransactionStatus `json:"status"`
	TxHash        string            `json:"tx_hash"`
	OperationType string            `json:"operation_type"`
	Asset         string            `json:"asset"`
	Amount        decimal.Decimal   `json:"amount"`
	FromAddress   string            `json:"from_address"`
	ToAddress     string            `json:"to_address"`
	AccountID     int64             `json:"user_id"`
	TxLink        *string           `json:"tx_link"`
	Confirmations *int64            `json:"confirmations"`
	BlockNumber   *int64            `json:"block_number"`
	ErrorMessage  *string           `json:"error_message"`

	// Raw is the body as received, kept for dead-lettering.
	Raw json.RawMessage `json:"-"`
}

// DecodeCallbackPayload validates key presence and nullness, then decodes each field into its type.
func DecodeCallbackPayload(body []byte) (*CallbackPayload, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: body must be a JSON object", ErrBadPayload)
	}

	var missing []string
	for _, field := range RequiredCallbackFields {
		value, ok := raw[field]
		if !ok {
			missing = append(missing, field)
			continue
		}
		if isJSONNull(value) {
			return nil, &FieldError{Err: ErrNullField, Fields: []string{field}}
		}
	}
	if len(missing) > 0 {
		return nil, &FieldError{Err: ErrMissingFields, Fields: missing}
	}

	payload := &CallbackPayload{Raw: append(json.RawMessage(nil), body...)}
	var err error

	if payload.InternalID, err = decodeString(raw, "internal_id"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.InternalID) == "" {
		return nil, fmt.Errorf("%w: internal_id must not be empty", ErrBadPayload)
	}

	statusRaw, err := decodeString(raw, "status")
	if err != nil {
		return nil, err
	}
	if payload.Status, err = ParseTransactionStatus(statusRaw); err != nil {
		return nil, err
	}

	if payload.TxHash, err = decodeString(raw, "tx_hash"); err != nil {
		return nil, err
	}
	if payload.OperationType, err = decodeString(raw, "operation_type"); err != nil {
		return nil, err
	}
	if payload.Asset, err = decodeString(raw, "asset"); err != nil {
		return nil, err
	}
	if err := payload.Amount.UnmarshalJSON(raw["amount"]); err != nil {
		return nil, fmt.Errorf("%w: amount: %v", ErrBadPayload, err)
	}
	if err := CheckAmountRange(payload.Amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if payload.FromAddress, err = decodeString(raw, "from_address"); err != nil {
		return nil, err
	}
	if payload.ToAddress, err = decodeString(raw, "to_address"); err != nil {
		return nil, err
	}
	if payload.AccountID, err = decodeAccountID(raw["user_id"]); err != nil {
		return nil, err
	}

	if payload.TxLink, err = decodeOptionalString(raw, "tx_link"); err != nil {
		return nil, err
	}
	if payload.ErrorMessage, err = decodeOptionalString(raw, "error_message"); err != nil {
		return nil, err
	}
	if payload.Confirmations, err = decodeOptionalInt(raw, "confirmations"); err != nil {
		return nil, err
	}
	if payload.BlockNumber, err = decodeOptionalInt(raw, "block_number"); err != nil {
		return nil, err
	}

	return payload, nil
}

func isJSONNull(value json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(value), []byte("null"))
}

func decodeString(raw map[string]json.RawMessage, field string) (string, error) {
	var value string
	if err := json.Unmarshal(raw[field], &value); err != nil {
		return "", fmt.Errorf("%w: %s must be a string", ErrBadPayload, field)
	}
	return value, nil
}

func decodeOptionalString(raw map[string]json.RawMessage, field string) (*string, error) {
	value, ok := raw[field]
	if !ok || isJSONNull(value) {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return nil, fmt.Errorf("%w: %s must be a string or null", ErrBadPayload, field)
	}
	return &s, nil
}

func decodeOptionalInt(raw map[string]json.RawMessage, field string) (*int64, error) {
	value, ok := raw[field]
	if !ok || isJSONNull(value) {
		return nil, nil
	}
	var n int64
	if err := json.Unmarshal(value, &n); err != nil {
		return nil, fmt.Errorf("%w: %s must be an integer or null", ErrBadPayload, field)
	}
	return &n, nil
}

// decodeAccountID accepts a JSON integer or a string holding one.
func decodeAccountID(value json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(value, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		if parsed, parseErr := strconv.ParseInt(strings.TrimSpace(s), 10, 64); parseErr == nil {
			return parsed, nil
		}
	}
	return 0, fmt.Errorf("%w: user_id must be an integer", ErrBadPayload)
}
