package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/userscript-bridge/internal/logging"
	"github.com/GriffinCanCode/userscript-bridge/internal/monitoring"
)

type recordingChannel struct {
	mu       sync.Mutex
	payloads []ResponseEnvelope
}

func (c *recordingChannel) Deliver(payload []byte) error {
	var env ResponseEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, env)
	return nil
}

func (c *recordingChannel) envelopes() []ResponseEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ResponseEnvelope(nil), c.payloads...)
}

type unserializable struct{}

func (unserializable) MarshalJSON() ([]byte, error) {
	return nil, assert.AnError
}

func newDispatcher(t *testing.T, opts ...DispatcherOption) (*Dispatcher, *monitoring.Metrics) {
	t.Helper()
	metrics := monitoring.NewMetrics()
	registry := NewRegistry(0, logging.NewNop())
	require.NoError(t, registry.Register("echo", echoHandler(), false))
	opts = append([]DispatcherOption{WithMetrics(metrics)}, opts...)
	d := NewDispatcher(registry, logging.NewNop(), opts...)
	t.Cleanup(d.Close)
	return d, metrics
}

func envelope(name, data, callbackID string) []byte {
	return []byte(`{"name":"` + name + `","data":` + data + `,"callbackId":"` + callbackID + `"}`)
}

func TestDispatchExactlyOneResponse(t *testing.T) {
	d, metrics := newDispatcher(t)
	ch := &recordingChannel{}

	d.HandleMessage(ch, envelope("echo", `{"x":1}`, "cb_1_100"))

	envs := ch.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, "cb_1_100", envs[0].CallbackID)
	assert.Equal(t, map[string]interface{}{"x": float64(1)}, envs[0].ResponseData)
	assert.False(t, envs[0].KeepAlive)
	assert.Equal(t, 0, d.Inflight())

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Calls.WithLabelValues("echo", monitoring.OutcomeDispatched)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Responses.WithLabelValues("echo")))
}

func TestDispatchMalformedIsDropped(t *testing.T) {
	d, metrics := newDispatcher(t, WithUnknownPolicy(PolicyError))
	ch := &recordingChannel{}

	for _, body := range []string{
		`not json`,
		`{"data":{},"callbackId":"cb_1_1"}`,
		`{"name":"echo","callbackId":"cb_1_1"}`,
		`{"name":"echo","data":{}}`,
	} {
		assert.NotPanics(t, func() { d.HandleMessage(ch, []byte(body)) })
	}

	assert.Empty(t, ch.envelopes())
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.Calls.WithLabelValues("", monitoring.OutcomeMalformed)))
}

func TestDispatchUnknownPolicy(t *testing.T) {
	t.Run("drop", func(t *testing.T) {
		d, metrics := newDispatcher(t)
		ch := &recordingChannel{}

		assert.NotPanics(t, func() { d.HandleMessage(ch, envelope("nope", `{}`, "cb_1_1")) })
		assert.Empty(t, ch.envelopes())
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Calls.WithLabelValues("", monitoring.OutcomeUnknown)))
	})

	t.Run("error", func(t *testing.T) {
		d, _ := newDispatcher(t, WithUnknownPolicy(PolicyError))
		ch := &recordingChannel{}

		d.HandleMessage(ch, envelope("nope", `{}`, "cb_1_1"))
		envs := ch.envelopes()
		require.Len(t, envs, 1)
		assert.Equal(t, "cb_1_1", envs[0].CallbackID)
		assert.False(t, envs[0].KeepAlive)
		assert.Equal(t, map[string]interface{}{
			"error": map[string]interface{}{
				"code":    CodeUnknownCapability,
				"message": `capability "nope" is not registered`,
			},
		}, envs[0].ResponseData)
	})
}

func TestDispatchSerializationFailure(t *testing.T) {
	d, metrics := newDispatcher(t)
	require.NoError(t, d.Registry().Register("bad", HandlerFunc(func(ctx context.Context, call *Call, reply Reply) error {
		reply(unserializable{})
		return nil
	}), false))
	ch := &recordingChannel{}

	assert.NotPanics(t, func() { d.HandleMessage(ch, envelope("bad", `{}`, "cb_1_1")) })
	assert.Empty(t, ch.envelopes())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SerializationFailures))
	assert.Equal(t, 0, d.Inflight())
}

func TestDispatchKeepAliveFlag(t *testing.T) {
	d, _ := newDispatcher(t)
	require.NoError(t, d.Registry().Register("stream", replyTwice(), true))
	ch := &recordingChannel{}

	d.HandleMessage(ch, envelope("stream", `{}`, "cb_1_1"))
	envs := ch.envelopes()
	require.Len(t, envs, 2)
	for _, env := range envs {
		assert.Equal(t, "cb_1_1", env.CallbackID)
		assert.True(t, env.KeepAlive)
	}
}

func TestDispatchInflightBound(t *testing.T) {
	d, metrics := newDispatcher(t, WithMaxInflight(1), WithUnknownPolicy(PolicyError))

	var mu sync.Mutex
	var held []Reply
	require.NoError(t, d.Registry().Register("hold", HandlerFunc(func(ctx context.Context, call *Call, reply Reply) error {
		mu.Lock()
		held = append(held, reply)
		mu.Unlock()
		return nil
	}), false))
	ch := &recordingChannel{}

	d.HandleMessage(ch, envelope("hold", `{}`, "cb_1_1"))
	assert.Equal(t, 1, d.Inflight())

	d.HandleMessage(ch, envelope("hold", `{}`, "cb_2_1"))
	envs := ch.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, "cb_2_1", envs[0].CallbackID)
	assert.Equal(t, CodeTooManyCalls, envs[0].ResponseData.(map[string]interface{})["error"].(map[string]interface{})["code"])
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Calls.WithLabelValues("hold", monitoring.OutcomeRejected)))

	mu.Lock()
	held[0]("ok")
	mu.Unlock()
	assert.Equal(t, 0, d.Inflight())

	d.HandleMessage(ch, envelope("hold", `{}`, "cb_3_1"))
	assert.Equal(t, 1, d.Inflight())
}

func TestDispatchHandlerFailureSettles(t *testing.T) {
	d, _ := newDispatcher(t)
	require.NoError(t, d.Registry().Register("panics", HandlerFunc(func(ctx context.Context, call *Call, reply Reply) error {
		panic("capability bug")
	}), false))
	require.NoError(t, d.Registry().Register("typed", Typed(func(ctx context.Context, call *Call, req struct{ N int }, reply func(int)) error {
		reply(req.N)
		return nil
	}), false))
	ch := &recordingChannel{}

	assert.NotPanics(t, func() { d.HandleMessage(ch, envelope("panics", `{}`, "cb_1_1")) })
	d.HandleMessage(ch, envelope("typed", `{"N":"x"}`, "cb_2_1"))

	assert.Empty(t, ch.envelopes())
	assert.Equal(t, 0, d.Inflight())
}

func TestDispatchCallCarriesChannel(t *testing.T) {
	d, _ := newDispatcher(t)
	var got *Call
	var gotCtx context.Context
	require.NoError(t, d.Registry().Register("inspect", HandlerFunc(func(ctx context.Context, call *Call, reply Reply) error {
		got = call
		gotCtx = ctx
		return nil
	}), false))
	ch := &recordingChannel{}

	d.HandleMessage(ch, envelope("inspect", `[1,2]`, "cb_9_9"))
	require.NotNil(t, got)
	assert.Equal(t, "inspect", got.Name)
	assert.Equal(t, "cb_9_9", got.CallbackID)
	assert.JSONEq(t, `[1,2]`, string(got.Data))
	assert.Same(t, ch, got.Channel)

	assert.NoError(t, gotCtx.Err())
	d.Close()
	assert.Error(t, gotCtx.Err())
}
