package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/userscript-bridge/internal/bridge"
	"github.com/GriffinCanCode/userscript-bridge/internal/logging"
	"github.com/GriffinCanCode/userscript-bridge/internal/network"
)

type wireResponse struct {
	CallbackID   string `json:"callbackId"`
	KeepAlive    bool   `json:"keepAlive"`
	ResponseData struct {
		Data  *XHRData            `json:"data"`
		Error *bridge.ErrorDetail `json:"error"`
	} `json:"responseData"`
}

type channel struct {
	mu        sync.Mutex
	responses []wireResponse
	raw       []string
}

func (c *channel) Deliver(payload []byte) error {
	var resp wireResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, resp)
	c.raw = append(c.raw, string(payload))
	return nil
}

func (c *channel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.responses)
}

func (c *channel) wait(t *testing.T) wireResponse {
	t.Helper()
	require.Eventually(t, func() bool { return c.count() > 0 }, 2*time.Second, 5*time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responses[0]
}

func setup(t *testing.T, fetcher network.Fetcher, policy string, opts ...network.Option) *bridge.Dispatcher {
	t.Helper()
	adapter := network.NewAdapter(fetcher, logging.NewNop(), opts...)
	registry := bridge.NewRegistry(0, logging.NewNop())
	require.NoError(t, RegisterDefaults(registry, NewXHR(adapter, policy, logging.NewNop())))
	d := bridge.NewDispatcher(registry, logging.NewNop())
	t.Cleanup(func() {
		d.Close()
		_ = adapter.Close()
	})
	return d
}

func call(name, data string) []byte {
	return []byte(`{"name":"` + name + `","data":` + data + `,"callbackId":"cb_1_1"}`)
}

func chunks(header http.Header, parts ...string) network.FetcherFunc {
	return func(ctx context.Context, req *network.Request, sink network.Sink) error {
		h := header
		if h == nil {
			h = http.Header{}
		}
		sink.OnResponse(&network.ResponseHead{Status: 200, StatusText: "OK", Header: h, FinalURL: req.URL})
		for _, p := range parts {
			sink.OnData([]byte(p))
		}
		return nil
	}
}

func TestXHRAccumulatesChunks(t *testing.T) {
	d := setup(t, chunks(nil, "ab", "cd"), PolicyPartial)
	ch := &channel{}

	d.HandleMessage(ch, call(XHRName, `{"url":"http://test/ok","method":"GET"}`))

	resp := ch.wait(t)
	assert.Equal(t, "cb_1_1", resp.CallbackID)
	assert.True(t, resp.KeepAlive)
	require.NotNil(t, resp.ResponseData.Data)
	require.NotNil(t, resp.ResponseData.Data.ResponseText)
	assert.Equal(t, "abcd", *resp.ResponseData.Data.ResponseText)
	assert.Equal(t, 200, resp.ResponseData.Data.Status)
	assert.Equal(t, "OK", resp.ResponseData.Data.StatusText)
	assert.Equal(t, "http://test/ok", resp.ResponseData.Data.FinalURL)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, ch.count())
}

func TestXHRForwardsRequest(t *testing.T) {
	var got *network.Request
	var mu sync.Mutex
	fetcher := network.FetcherFunc(func(ctx context.Context, req *network.Request, sink network.Sink) error {
		mu.Lock()
		got = req
		mu.Unlock()
		return chunks(nil)(ctx, req, sink)
	})
	d := setup(t, fetcher, PolicyPartial)
	ch := &channel{}

	d.HandleMessage(ch, call(XHRName, `{"url":"http://test/post","method":"POST","headers":{"X-Token":"abc","X-Count":2},"body":"a=1"}`))
	ch.wait(t)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, "POST", got.Method)
	assert.Equal(t, "abc", got.Header.Get("X-Token"))
	assert.Equal(t, "2", got.Header.Get("X-Count"))
	assert.Equal(t, "a=1", string(got.Body))
}

func TestXHRIgnoresHeadersThatAreNotAnObject(t *testing.T) {
	tests := []struct {
		name    string
		headers string
	}{
		{"string", `"X-A: 1"`},
		{"number", `42`},
		{"array", `["X-A", "1"]`},
		{"null", `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := setup(t, chunks(nil, "ab", "cd"), PolicyPartial)
			ch := &channel{}

			d.HandleMessage(ch, call(XHRName, `{"url":"http://test/ok","method":"GET","headers":`+tt.headers+`}`))

			resp := ch.wait(t)
			require.NotNil(t, resp.ResponseData.Data)
			require.NotNil(t, resp.ResponseData.Data.ResponseText)
			assert.Equal(t, "abcd", *resp.ResponseData.Data.ResponseText)
		})
	}
}

func TestXHRFailurePolicies(t *testing.T) {
	failing := network.FetcherFunc(func(ctx context.Context, req *network.Request, sink network.Sink) error {
		sink.OnResponse(&network.ResponseHead{Status: 200, StatusText: "OK", Header: http.Header{}})
		sink.OnData([]byte("par"))
		return errors.New("connection reset")
	})

	t.Run("partial", func(t *testing.T) {
		d := setup(t, failing, PolicyPartial)
		ch := &channel{}
		d.HandleMessage(ch, call(XHRName, `{"url":"http://test/x","method":"GET"}`))

		resp := ch.wait(t)
		require.NotNil(t, resp.ResponseData.Data)
		assert.Nil(t, resp.ResponseData.Error)
		assert.Equal(t, "par", *resp.ResponseData.Data.ResponseText)
	})

	t.Run("error", func(t *testing.T) {
		d := setup(t, failing, PolicyError)
		ch := &channel{}
		d.HandleMessage(ch, call(XHRName, `{"url":"http://test/x","method":"GET"}`))

		resp := ch.wait(t)
		assert.Nil(t, resp.ResponseData.Data)
		require.NotNil(t, resp.ResponseData.Error)
		assert.Equal(t, bridge.CodeNetworkError, resp.ResponseData.Error.Code)
		assert.Contains(t, resp.ResponseData.Error.Message, "connection reset")
	})
}

func TestXHRAdapterFull(t *testing.T) {
	release := make(chan struct{})
	blocking := network.FetcherFunc(func(ctx context.Context, req *network.Request, sink network.Sink) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	d := setup(t, blocking, PolicyError, network.WithMaxTasks(1))
	defer close(release)

	first := &channel{}
	d.HandleMessage(first, call(XHRName, `{"url":"http://test/a","method":"GET"}`))

	second := &channel{}
	d.HandleMessage(second, call(XHRName, `{"url":"http://test/b","method":"GET"}`))

	resp := second.wait(t)
	require.NotNil(t, resp.ResponseData.Error)
	assert.Equal(t, bridge.CodeNetworkError, resp.ResponseData.Error.Code)
	assert.Equal(t, 0, first.count())
}

func TestXHRMissingFieldsAreDropped(t *testing.T) {
	d := setup(t, chunks(nil, "x"), PolicyError)
	ch := &channel{}

	d.HandleMessage(ch, call(XHRName, `{"method":"GET"}`))
	d.HandleMessage(ch, call(XHRName, `{"url":"http://test/x"}`))
	d.HandleMessage(ch, call(XHRName, `{"url":5,"method":"GET"}`))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, ch.count())
	assert.Equal(t, 0, d.Inflight())
}

func TestXHRDecodesBody(t *testing.T) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, _ = w.Write([]byte("compressed text"))
	require.NoError(t, w.Close())

	t.Run("content encoding", func(t *testing.T) {
		header := http.Header{"Content-Encoding": []string{"gzip"}}
		d := setup(t, chunks(header, buf.String()), PolicyPartial)
		ch := &channel{}
		d.HandleMessage(ch, call(XHRName, `{"url":"http://test/gz","method":"GET"}`))

		resp := ch.wait(t)
		assert.Equal(t, "compressed text", *resp.ResponseData.Data.ResponseText)
		assert.Contains(t, resp.ResponseData.Data.ResponseHeaders, "content-encoding: gzip\r\n")
	})

	t.Run("charset", func(t *testing.T) {
		header := http.Header{"Content-Type": []string{"text/plain; charset=iso-8859-1"}}
		d := setup(t, chunks(header, "caf\xe9"), PolicyPartial)
		ch := &channel{}
		d.HandleMessage(ch, call(XHRName, `{"url":"http://test/latin","method":"GET"}`))

		resp := ch.wait(t)
		assert.Equal(t, "café", *resp.ResponseData.Data.ResponseText)
	})

	t.Run("binary is null", func(t *testing.T) {
		png := "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01"
		d := setup(t, chunks(nil, png), PolicyPartial)
		ch := &channel{}
		d.HandleMessage(ch, call(XHRName, `{"url":"http://test/img","method":"GET"}`))

		ch.wait(t)
		assert.Contains(t, ch.raw[0], `"responseText":null`)
	})
}

func TestXHROverHTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(r.Method + ":" + string(body)))
	}))
	defer server.Close()

	d := setup(t, network.NewClient(network.DefaultClientConfig()), PolicyPartial)
	ch := &channel{}
	d.HandleMessage(ch, call(XHRName, `{"url":"`+server.URL+`","method":"put","body":{"k":"v"}}`))

	resp := ch.wait(t)
	data := resp.ResponseData.Data
	require.NotNil(t, data)
	assert.Equal(t, `PUT:{"k":"v"}`, *data.ResponseText)
	assert.Equal(t, http.StatusAccepted, data.Status)
	assert.Equal(t, "Accepted", data.StatusText)
	assert.Equal(t, server.URL, data.FinalURL)
}

func TestEcho(t *testing.T) {
	d := setup(t, chunks(nil), PolicyPartial)
	ch := &channel{}

	d.HandleMessage(ch, call(EchoName, `{"x":1}`))
	require.Equal(t, 1, ch.count())
	assert.JSONEq(t, `{"callbackId":"cb_1_1","responseData":{"x":1},"keepAlive":false}`, ch.raw[0])
}

func TestFormatHeaders(t *testing.T) {
	header := http.Header{
		"Content-Type": []string{"text/html"},
		"Set-Cookie":   []string{"a=1", "b=2"},
	}
	assert.Equal(t, "content-type: text/html\r\nset-cookie: a=1, b=2\r\n", formatHeaders(header))
}
