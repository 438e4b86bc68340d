package content

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/userscript-bridge/internal/id"
	"github.com/GriffinCanCode/userscript-bridge/internal/logging"
	"github.com/GriffinCanCode/userscript-bridge/internal/monitoring"
)

type job func()

// View is an isolated script context driven by a single event loop.
type View struct {
	id      id.ViewID
	config  Config
	logger  *logging.Logger
	metrics *monitoring.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}

	mu       sync.Mutex
	queue    []job
	closed   bool
	scripts  []UserScript
	handlers map[string]MessageHandler

	// generation counts page loads; work bound to an older page is dropped.
	generation atomic.Uint64

	// Owned by the loop goroutine.
	vm        *goja.Runtime
	stringify goja.Callable
	timers    map[int64]*time.Timer
	nextTimer int64
}

// Option configures a View.
type Option func(*View)

// WithMetrics records view and script metrics.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(v *View) {
		v.metrics = m
	}
}

// New creates a view holding a blank page and starts its loop.
func New(config Config, logger *logging.Logger, opts ...Option) *View {
	ctx, cancel := context.WithCancel(context.Background())
	v := &View{
		id:       id.NewViewID(),
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
		handlers: make(map[string]MessageHandler),
		timers:   make(map[int64]*time.Timer),
	}
	for _, opt := range opts {
		opt(v)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	v.logger = logger.Named("content").With(zap.String("view_id", v.id.String()))

	v.reset()
	v.metrics.ViewOpened()
	go v.loop()
	return v
}

// ID returns the view identifier.
func (v *View) ID() id.ViewID {
	return v.id
}

// Install adds an extension's user scripts and message handlers. Handlers
// are reachable immediately; user scripts run from the next Load on.
func (v *View) Install(ext Extension) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	v.scripts = append(v.scripts, ext.UserScripts()...)
	for name, handler := range ext.MessageHandlers() {
		v.handlers[name] = handler
	}
	v.mu.Unlock()

	return v.enqueue(func() {
		v.installHandlers()
	})
}

// Load replaces the page: the runtime is recreated, document-start user
// scripts run, then source, then document-end user scripts. It returns the
// page source's error, if any.
func (v *View) Load(ctx context.Context, source string) error {
	result := make(chan error, 1)
	err := v.enqueue(func() {
		v.reset()
		v.runUserScripts(ctx, AtDocumentStart)
		_, err := v.exec(ctx, "page.js", source)
		v.runUserScripts(ctx, AtDocumentEnd)
		result <- err
	})
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("failed to load page: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-v.done:
		return ErrViewClosed
	}
}

// Evaluate schedules script on a later turn of the loop and returns without
// waiting. Errors are logged.
func (v *View) Evaluate(script string) error {
	return v.enqueue(func() {
		_, _ = v.exec(v.ctx, "evaluate.js", script)
	})
}

// Generation identifies the page currently loaded. It changes on every Load.
func (v *View) Generation() uint64 {
	return v.generation.Load()
}

// EvaluateIn is Evaluate for a script that belongs to one page: it is
// discarded if the view has loaded another page by the time it would run.
func (v *View) EvaluateIn(generation uint64, script string) error {
	return v.enqueue(func() {
		if v.generation.Load() != generation {
			v.logger.Debug("Discarding script for a replaced page",
				zap.Uint64("generation", generation))
			return
		}
		_, _ = v.exec(v.ctx, "evaluate.js", script)
	})
}

// Run evaluates script and waits for its exported value.
func (v *View) Run(ctx context.Context, script string) (interface{}, error) {
	type outcome struct {
		value interface{}
		err   error
	}
	result := make(chan outcome, 1)
	err := v.enqueue(func() {
		val, err := v.exec(ctx, "run.js", script)
		result <- outcome{value: exportValue(val), err: err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case out := <-result:
		return out.value, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-v.done:
		return nil, ErrViewClosed
	}
}

// Close stops the loop and discards queued work. It must not be called from
// a message handler.
func (v *View) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.queue = nil
	v.mu.Unlock()

	v.cancel()
	<-v.done

	v.stopTimers()
	v.metrics.ViewClosed()
	v.logger.Debug("View closed")
	return nil
}

func (v *View) enqueue(j job) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	v.queue = append(v.queue, j)
	v.mu.Unlock()

	select {
	case v.wake <- struct{}{}:
	default:
	}
	return nil
}

func (v *View) next() (job, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed || len(v.queue) == 0 {
		return nil, false
	}
	j := v.queue[0]
	v.queue[0] = nil
	v.queue = v.queue[1:]
	return j, true
}

func (v *View) loop() {
	defer close(v.done)
	for {
		select {
		case <-v.wake:
		case <-v.ctx.Done():
			return
		}
		for {
			j, ok := v.next()
			if !ok {
				break
			}
			j()
		}
	}
}

// reset tears down the current runtime along with its timers and callbacks.
func (v *View) reset() {
	v.stopTimers()
	v.generation.Add(1)

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	vm.SetMaxCallStackSize(1024)
	v.vm = vm

	stringify, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	if !ok {
		panic("goja runtime without JSON.stringify")
	}
	v.stringify = stringify

	v.setupGlobals()
	v.installHandlers()
}

func (v *View) stopTimers() {
	for timerID, t := range v.timers {
		t.Stop()
		delete(v.timers, timerID)
	}
}

func (v *View) runUserScripts(ctx context.Context, at InjectionTime) {
	v.mu.Lock()
	scripts := append([]UserScript(nil), v.scripts...)
	v.mu.Unlock()

	for _, s := range scripts {
		if s.InjectionTime != at {
			continue
		}
		if _, err := v.exec(ctx, s.Name, s.Source); err != nil {
			v.logger.Warn("User script failed", zap.String("script", s.Name), zap.Error(err))
		}
	}
}

// exec runs a script on the loop bounded by the script timeout, ctx and the
// view's lifetime.
func (v *View) exec(ctx context.Context, name, script string) (goja.Value, error) {
	stop := v.guard(ctx)
	val, err := v.vm.RunScript(name, script)
	stop()
	if err != nil {
		return nil, v.scriptError(name, err)
	}
	return val, nil
}

// call invokes a script function under the same bounds as exec.
func (v *View) call(name string, fn goja.Callable, args ...goja.Value) {
	stop := v.guard(v.ctx)
	_, err := fn(goja.Undefined(), args...)
	stop()
	if err != nil {
		_ = v.scriptError(name, err)
	}
}

func (v *View) guard(ctx context.Context) func() {
	vm := v.vm
	var mu sync.Mutex
	finished := false
	interrupt := func(reason error) {
		mu.Lock()
		defer mu.Unlock()
		if !finished {
			vm.Interrupt(reason)
		}
	}

	var timer *time.Timer
	if v.config.ScriptTimeout > 0 {
		timer = time.AfterFunc(v.config.ScriptTimeout, func() {
			interrupt(ErrScriptTimeout)
		})
	}
	stopCtx := context.AfterFunc(ctx, func() {
		interrupt(ctx.Err())
	})
	stopView := context.AfterFunc(v.ctx, func() {
		interrupt(ErrViewClosed)
	})

	return func() {
		mu.Lock()
		finished = true
		mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		stopCtx()
		stopView()
		vm.ClearInterrupt()
	}
}

func (v *View) scriptError(name string, err error) error {
	kind := "exception"
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if reason, ok := interrupted.Value().(error); ok {
			err = reason
		}
		kind = "interrupted"
		if errors.Is(err, ErrScriptTimeout) {
			kind = "timeout"
		}
	}
	v.metrics.RecordScriptError(kind)
	v.logger.Warn("Script failed",
		zap.String("script", name),
		zap.String("kind", kind),
		zap.Error(err))
	return err
}

// installHandlers publishes window.webkit.messageHandlers for the current
// runtime.
func (v *View) installHandlers() {
	v.mu.Lock()
	names := make([]string, 0, len(v.handlers))
	for name := range v.handlers {
		names = append(names, name)
	}
	v.mu.Unlock()
	sort.Strings(names)

	vm := v.vm
	handlers := vm.NewObject()
	for _, name := range names {
		port := vm.NewObject()
		_ = port.Set("postMessage", v.postMessage(name))
		_ = handlers.Set(name, port)
	}
	webkit := vm.NewObject()
	_ = webkit.Set("messageHandlers", handlers)
	_ = vm.Set("webkit", webkit)
}

func (v *View) postMessage(name string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		text, err := v.stringify(goja.Undefined(), call.Argument(0))
		if err != nil {
			panic(v.vm.NewTypeError("postMessage: message is not serializable: %v", err))
		}
		body := []byte("null")
		if !goja.IsUndefined(text) {
			body = []byte(text.String())
		}

		v.mu.Lock()
		handler := v.handlers[name]
		v.mu.Unlock()
		if handler == nil {
			return goja.Undefined()
		}

		defer func() {
			if r := recover(); r != nil {
				v.logger.Error("Message handler panicked",
					zap.String("handler", name),
					zap.Any("panic", r))
			}
		}()
		handler(v, body)
		return goja.Undefined()
	}
}

func exportValue(val goja.Value) interface{} {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil
	}
	return val.Export()
}
