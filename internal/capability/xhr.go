package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/userscript-bridge/internal/bridge"
	"github.com/GriffinCanCode/userscript-bridge/internal/logging"
	"github.com/GriffinCanCode/userscript-bridge/internal/network"
)

// XHRName is the capability behind GM_xmlhttpRequest.
const XHRName = "xhr"

// Network failure policies.
const (
	PolicyPartial = "partial"
	PolicyError   = "error"
)

// ErrMissingField drops an xhr call without a url or method.
var ErrMissingField = errors.New("url and method are required")

// XHRRequest is the wire form of a network call. Headers stay raw so that a
// value which is not an object is ignored instead of failing the call.
type XHRRequest struct {
	URL     string          `json:"url"`
	Method  string          `json:"method"`
	Headers json.RawMessage `json:"headers"`
	Body    json.RawMessage `json:"body"`
}

// XHRData mirrors the fields GM_xmlhttpRequest hands to onload.
type XHRData struct {
	ResponseText    *string `json:"responseText"`
	Status          int     `json:"status"`
	StatusText      string  `json:"statusText"`
	ResponseHeaders string  `json:"responseHeaders"`
	FinalURL        string  `json:"finalUrl"`
}

// XHRResponse carries either data or, under PolicyError, an error.
type XHRResponse struct {
	Data  *XHRData            `json:"data,omitempty"`
	Error *bridge.ErrorDetail `json:"error,omitempty"`
}

// XHR performs network calls for scripts through a network adapter.
type XHR struct {
	adapter *network.Adapter
	policy  string
	logger  *logging.Logger
}

// NewXHR creates the capability. policy is PolicyPartial or PolicyError.
func NewXHR(adapter *network.Adapter, policy string, logger *logging.Logger) *XHR {
	if policy == "" {
		policy = PolicyPartial
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &XHR{
		adapter: adapter,
		policy:  policy,
		logger:  logger.Named("xhr"),
	}
}

// Handler returns the typed bridge handler.
func (x *XHR) Handler() bridge.Handler {
	return bridge.Typed(x.handle)
}

func (x *XHR) handle(ctx context.Context, call *bridge.Call, req XHRRequest, reply func(XHRResponse)) error {
	if req.URL == "" || req.Method == "" {
		return ErrMissingField
	}

	body, err := requestBody(req.Body)
	if err != nil {
		return err
	}

	_, err = x.adapter.Send(ctx, &network.Request{
		Method: req.Method,
		URL:    req.URL,
		Header: x.requestHeader(call, req.Headers),
		Body:   body,
	}, func(res *network.Result) {
		reply(x.response(res))
	})
	if err != nil {
		x.logger.Warn("Network request not started",
			zap.String("callback_id", call.CallbackID),
			zap.String("url", req.URL),
			zap.Error(err))
		reply(x.response(&network.Result{Err: err}))
	}
	return nil
}

// response maps a finished task to the wire form, applying the failure
// policy.
func (x *XHR) response(res *network.Result) XHRResponse {
	if res.Err != nil && x.policy == PolicyError {
		return XHRResponse{Error: &bridge.ErrorDetail{
			Code:    bridge.CodeNetworkError,
			Message: res.Err.Error(),
		}}
	}

	data := &XHRData{}
	header := http.Header{}
	if res.Head != nil {
		header = res.Head.Header
		data.Status = res.Head.Status
		data.StatusText = res.Head.StatusText
		data.ResponseHeaders = formatHeaders(header)
		data.FinalURL = res.Head.FinalURL
	}

	raw := res.Body
	if decoded, err := network.DecodeBody(header, raw); err == nil {
		raw = decoded
	} else {
		x.logger.Debug("Keeping encoded body", zap.Error(err))
	}
	data.ResponseText = network.DecodeText(header, raw)

	return XHRResponse{Data: data}
}

// requestBody accepts a string body as is and any other JSON value as its
// JSON text.
func requestBody(raw json.RawMessage) ([]byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := sonic.UnmarshalString(trimmed, &s); err != nil {
			return nil, fmt.Errorf("invalid body: %w", err)
		}
		return []byte(s), nil
	}
	return []byte(trimmed), nil
}

// requestHeader builds the outgoing header from a headers object. Anything
// else is ignored.
func (x *XHR) requestHeader(call *bridge.Call, raw json.RawMessage) http.Header {
	header := http.Header{}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return header
	}

	var headers map[string]interface{}
	if err := sonic.UnmarshalString(trimmed, &headers); err != nil {
		x.logger.Debug("Ignoring headers that are not an object",
			zap.String("callback_id", call.CallbackID),
			zap.Error(err))
		return header
	}
	for key, value := range headers {
		if value == nil {
			continue
		}
		switch v := value.(type) {
		case string:
			header.Add(key, v)
		case []interface{}:
			for _, item := range v {
				header.Add(key, fmt.Sprint(item))
			}
		default:
			header.Add(key, fmt.Sprint(v))
		}
	}
	return header
}

// formatHeaders renders headers the way XMLHttpRequest.getAllResponseHeaders
// does: lower-case names, sorted, CRLF separated.
func formatHeaders(header http.Header) string {
	names := make([]string, 0, len(header))
	for name := range header {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(strings.ToLower(name))
		b.WriteString(": ")
		b.WriteString(strings.Join(header[name], ", "))
		b.WriteString("\r\n")
	}
	return b.String()
}
