package network

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/userscript-bridge/internal/id"
	"github.com/GriffinCanCode/userscript-bridge/internal/logging"
	"github.com/GriffinCanCode/userscript-bridge/internal/monitoring"
)

// DefaultMaxTasks bounds pending tasks when no limit is configured.
const DefaultMaxTasks = 256

// Adapter multiplexes script network requests over one Fetcher and folds
// each streamed response into a single completion callback.
type Adapter struct {
	fetcher  Fetcher
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	maxTasks int

	mu     sync.Mutex
	tasks  map[Handle]*task
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type task struct {
	handle  Handle
	method  string
	state   State
	head    *ResponseHead
	buf     bytes.Buffer
	done    CompletionFunc
	started time.Time
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithMaxTasks bounds the number of pending tasks.
func WithMaxTasks(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.maxTasks = n
		}
	}
}

// WithMetrics records task metrics.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(a *Adapter) {
		a.metrics = m
	}
}

// NewAdapter creates an adapter on top of fetcher.
func NewAdapter(fetcher Fetcher, logger *logging.Logger, opts ...Option) *Adapter {
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		fetcher:  fetcher,
		logger:   logger,
		maxTasks: DefaultMaxTasks,
		tasks:    make(map[Handle]*task),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Send starts req and returns its handle. done fires exactly once, from a
// background goroutine, after the task's state has been released.
func (a *Adapter) Send(ctx context.Context, req *Request, done CompletionFunc) (Handle, error) {
	if req == nil || req.URL == "" || req.Method == "" {
		return "", fmt.Errorf("%w: method and url are required", ErrInvalidRequest)
	}
	if done == nil {
		return "", fmt.Errorf("%w: completion callback is required", ErrInvalidRequest)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return "", ErrAdapterClosed
	}
	if len(a.tasks) >= a.maxTasks {
		a.mu.Unlock()
		return "", ErrTooManyTasks
	}
	t := &task{
		handle:  id.NewTaskID(),
		method:  req.Method,
		state:   StateStarted,
		done:    done,
		started: time.Now(),
	}
	a.tasks[t.handle] = t
	a.wg.Add(1)
	a.mu.Unlock()

	a.metrics.TaskStarted()
	a.logger.Debug("Network task started",
		zap.String("handle", t.handle.String()),
		zap.String("method", req.Method),
		zap.String("url", req.URL),
	)

	taskCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(a.ctx, cancel)

	go func() {
		defer a.wg.Done()
		defer cancel()
		defer stop()

		err := a.fetcher.Fetch(taskCtx, req, &taskSink{adapter: a, handle: t.handle})
		a.complete(t.handle, err)
	}()

	return t.handle, nil
}

// Pending returns the number of tasks that have not completed.
func (a *Adapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tasks)
}

// State reports the state of a pending task. Completed tasks are forgotten.
func (a *Adapter) State(handle Handle) (State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tasks[handle]
	if !ok {
		return 0, false
	}
	return t.state, true
}

// Close cancels every pending task and waits for their callbacks.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()
	return nil
}

func (a *Adapter) onResponse(handle Handle, head *ResponseHead) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tasks[handle]
	if !ok {
		return
	}
	// A new response replaces whatever an earlier one delivered.
	t.state = StateReceiving
	t.head = head
	t.buf.Reset()
}

func (a *Adapter) onData(handle Handle, chunk []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tasks[handle]
	if !ok {
		return
	}
	t.state = StateReceiving
	t.buf.Write(chunk)
}

// complete removes the task and fires its callback. Removal under the lock
// is what makes the callback fire once.
func (a *Adapter) complete(handle Handle, err error) {
	a.mu.Lock()
	t, ok := a.tasks[handle]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.tasks, handle)
	if err != nil {
		t.state = StateFailed
	} else {
		t.state = StateCompleted
	}
	result := &Result{
		Handle:   handle,
		Head:     t.head,
		Body:     t.buf.Bytes(),
		Err:      err,
		Duration: time.Since(t.started),
	}
	a.mu.Unlock()

	outcome := "ok"
	if err != nil {
		outcome = "error"
		a.logger.Warn("Network task failed",
			zap.String("handle", handle.String()),
			zap.Int("partial_bytes", len(result.Body)),
			zap.Error(err),
		)
	}
	a.metrics.TaskCompleted(t.method, outcome, len(result.Body), result.Duration)

	t.done(result)
}

type taskSink struct {
	adapter *Adapter
	handle  Handle
}

func (s *taskSink) OnResponse(head *ResponseHead) {
	s.adapter.onResponse(s.handle, head)
}

func (s *taskSink) OnData(chunk []byte) {
	s.adapter.onData(s.handle, chunk)
}
