package content

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/GriffinCanCode/userscript-bridge/internal/logging"
	"github.com/GriffinCanCode/userscript-bridge/internal/monitoring"
)

type testExtension struct {
	scripts  []UserScript
	handlers map[string]MessageHandler
}

func (e *testExtension) UserScripts() []UserScript                  { return e.scripts }
func (e *testExtension) MessageHandlers() map[string]MessageHandler { return e.handlers }

func newTestView(t *testing.T, cfg Config) *View {
	t.Helper()
	v := New(cfg, logging.NewNop())
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func run(t *testing.T, v *View, script string) interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := v.Run(ctx, script)
	require.NoError(t, err)
	return val
}

func TestRunReturnsExportedValue(t *testing.T) {
	v := newTestView(t, DefaultConfig())

	tests := []struct {
		name   string
		script string
		want   interface{}
	}{
		{name: "number", script: "1 + 2", want: int64(3)},
		{name: "string", script: "'hello'.toUpperCase()", want: "HELLO"},
		{name: "undefined", script: "undefined", want: nil},
		{name: "window is global", script: "window === this", want: true},
		{name: "no require", script: "typeof require", want: "undefined"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, run(t, v, tt.script))
		})
	}
}

func TestEvaluateRunsInOrderOnLaterTurn(t *testing.T) {
	v := newTestView(t, DefaultConfig())

	run(t, v, "var x = 0")
	require.NoError(t, v.Evaluate("x = x + 1"))
	require.NoError(t, v.Evaluate("x = x * 10"))
	assert.Equal(t, int64(10), run(t, v, "x"))
}

func TestScriptErrorIsReturned(t *testing.T) {
	m := monitoring.NewMetrics()
	v := New(DefaultConfig(), logging.NewNop(), WithMetrics(m))
	defer v.Close()

	_, err := v.Run(context.Background(), "throw new Error('boom')")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// An Evaluate failure is only logged.
	require.NoError(t, v.Evaluate("undefinedFunction()"))
	assert.Equal(t, int64(1), run(t, v, "1"))
}

func TestSetTimeoutFiresOnLaterTurn(t *testing.T) {
	v := newTestView(t, DefaultConfig())

	got := run(t, v, `
		var log = [];
		setTimeout(function (tag) { log.push(tag); }, 0, 'timer');
		log.push('sync');
		log.join(',');
	`)
	assert.Equal(t, "sync", got)

	assert.Eventually(t, func() bool {
		return run(t, v, "log.join(',')") == "sync,timer"
	}, time.Second, 10*time.Millisecond)
}

func TestClearTimeoutCancels(t *testing.T) {
	v := newTestView(t, DefaultConfig())

	run(t, v, `
		var fired = false;
		var handle = setTimeout(function () { fired = true; }, 20);
		clearTimeout(handle);
	`)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, false, run(t, v, "fired"))
}

func TestScriptTimeoutInterrupts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ScriptTimeout = 50 * time.Millisecond
	v := newTestView(t, cfg)

	_, err := v.Run(context.Background(), "for (;;) {}")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrScriptTimeout))

	// The view keeps working after an interrupted job.
	assert.Equal(t, int64(2), run(t, v, "1 + 1"))
}

func TestRunHonorsContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ScriptTimeout = 0
	v := newTestView(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := v.Run(ctx, "for (;;) {}")
	require.Error(t, err)

	assert.Equal(t, int64(2), run(t, v, "1 + 1"))
}

func TestMessageHandlersReceiveJSON(t *testing.T) {
	v := newTestView(t, DefaultConfig())

	var mu sync.Mutex
	var bodies []string
	require.NoError(t, v.Install(&testExtension{
		handlers: map[string]MessageHandler{
			"ping": func(view *View, body []byte) {
				mu.Lock()
				bodies = append(bodies, string(body))
				mu.Unlock()
				_ = view.Evaluate("replied = true")
			},
		},
	}))

	run(t, v, `var replied = false; window.webkit.messageHandlers.ping.postMessage({a: 1, f: function () {}})`)

	mu.Lock()
	assert.Equal(t, []string{`{"a":1}`}, bodies)
	mu.Unlock()
	assert.Equal(t, true, run(t, v, "replied"))
}

func TestHandlerPanicIsContained(t *testing.T) {
	v := newTestView(t, DefaultConfig())
	require.NoError(t, v.Install(&testExtension{
		handlers: map[string]MessageHandler{
			"bad": func(*View, []byte) { panic("handler bug") },
		},
	}))

	run(t, v, "window.webkit.messageHandlers.bad.postMessage('x')")
	assert.Equal(t, int64(1), run(t, v, "1"))
}

func TestLoadResetsRuntimeAndRunsUserScripts(t *testing.T) {
	v := newTestView(t, DefaultConfig())
	require.NoError(t, v.Install(&testExtension{
		scripts: []UserScript{
			{Name: "end.js", Source: "order.push('end')", InjectionTime: AtDocumentEnd},
			{Name: "start.js", Source: "var order = ['start']", InjectionTime: AtDocumentStart},
		},
		handlers: map[string]MessageHandler{"ping": func(*View, []byte) {}},
	}))

	run(t, v, "var leftover = 1")

	ctx := context.Background()
	require.NoError(t, v.Load(ctx, "order.push('page')"))

	assert.Equal(t, "undefined", run(t, v, "typeof leftover"))
	assert.Equal(t, "start,page,end", run(t, v, "order.join(',')"))
	assert.Equal(t, "function", run(t, v, "typeof window.webkit.messageHandlers.ping.postMessage"))
}

func TestLoadDiscardsPendingTimers(t *testing.T) {
	v := newTestView(t, DefaultConfig())

	run(t, v, "setTimeout(function () { window.fired = true; }, 20)")
	require.NoError(t, v.Load(context.Background(), ""))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, "undefined", run(t, v, "typeof fired"))
}

func TestEvaluateInDropsScriptsForReplacedPage(t *testing.T) {
	v := newTestView(t, DefaultConfig())

	first := v.Generation()
	require.NoError(t, v.Load(context.Background(), "var hits = 0"))
	second := v.Generation()
	require.NotEqual(t, first, second)

	require.NoError(t, v.EvaluateIn(first, "hits += 1"))
	require.NoError(t, v.EvaluateIn(second, "hits += 10"))

	assert.Equal(t, int64(10), run(t, v, "hits"))
}

func TestLoadReturnsPageError(t *testing.T) {
	v := newTestView(t, DefaultConfig())
	err := v.Load(context.Background(), "syntax error here (")
	assert.Error(t, err)
}

func TestConsoleGoesToLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	v := New(DefaultConfig(), &logging.Logger{Logger: zap.New(core)})
	defer v.Close()

	run(t, v, "console.warn('careful', 42)")

	entries := logs.FilterMessage("careful 42").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
}

func TestClose(t *testing.T) {
	v := New(DefaultConfig(), logging.NewNop())
	require.NoError(t, v.Close())
	require.NoError(t, v.Close())

	_, err := v.Run(context.Background(), "1")
	assert.ErrorIs(t, err, ErrViewClosed)
	assert.ErrorIs(t, v.Evaluate("1"), ErrViewClosed)
	assert.ErrorIs(t, v.Load(context.Background(), ""), ErrViewClosed)
	assert.ErrorIs(t, v.Install(&testExtension{}), ErrViewClosed)
}
