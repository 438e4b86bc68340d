package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Error codes carried by the error variant of a response.
const (
	CodeUnknownCapability = "unknown_capability"
	CodeTooManyCalls      = "too_many_calls"
	CodeNetworkError      = "network_error"
)

// ErrMalformedEnvelope wraps every reason a posted message is not a call.
var ErrMalformedEnvelope = errors.New("malformed call envelope")

// CallEnvelope is posted by the bridge client for every invoke.
type CallEnvelope struct {
	Name       string          `json:"name"`
	Data       json.RawMessage `json:"data"`
	CallbackID string          `json:"callbackId"`
}

// ResponseEnvelope is delivered back to the bridge client.
type ResponseEnvelope struct {
	CallbackID   string      `json:"callbackId"`
	ResponseData interface{} `json:"responseData"`
	KeepAlive    bool        `json:"keepAlive"`
}

// ErrorDetail describes a failed call.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the responseData of a failed call.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// NewErrorResponse builds the error variant of responseData.
func NewErrorResponse(code, message string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Code: code, Message: message}}
}

type rawEnvelope struct {
	Name       *string         `json:"name"`
	Data       json.RawMessage `json:"data"`
	CallbackID *string         `json:"callbackId"`
}

// ParseCallEnvelope decodes body and checks that name, data and callbackId
// are all present and well typed.
func ParseCallEnvelope(body []byte) (*CallEnvelope, error) {
	var raw rawEnvelope
	if err := sonic.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if raw.Name == nil || *raw.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrMalformedEnvelope)
	}
	if raw.CallbackID == nil || *raw.CallbackID == "" {
		return nil, fmt.Errorf("%w: missing callbackId", ErrMalformedEnvelope)
	}
	data := bytes.TrimSpace(raw.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, fmt.Errorf("%w: missing data", ErrMalformedEnvelope)
	}
	return &CallEnvelope{
		Name:       *raw.Name,
		Data:       json.RawMessage(data),
		CallbackID: *raw.CallbackID,
	}, nil
}

// EncodeResponse serializes env for embedding in script text. U+2028 and
// U+2029 are escaped because they terminate lines in older JS parsers.
func EncodeResponse(env *ResponseEnvelope) ([]byte, error) {
	payload, err := sonic.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	payload = bytes.ReplaceAll(payload, []byte("\u2028"), []byte(`\u2028`))
	payload = bytes.ReplaceAll(payload, []byte("\u2029"), []byte(`\u2029`))
	return payload, nil
}
