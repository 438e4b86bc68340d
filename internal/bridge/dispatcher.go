package bridge

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/userscript-bridge/internal/logging"
	"github.com/GriffinCanCode/userscript-bridge/internal/monitoring"
)

// Policies for calls that cannot be dispatched.
const (
	PolicyDrop  = "drop"
	PolicyError = "error"
)

// DefaultMaxInflight bounds calls awaiting their first response.
const DefaultMaxInflight = 1024

// Dispatcher turns posted call envelopes into registry invocations and
// encodes the replies for the originating channel.
type Dispatcher struct {
	registry *Registry
	logger   *logging.Logger
	metrics  *monitoring.Metrics

	policy      string
	maxInflight int64
	inflight    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithUnknownPolicy selects PolicyDrop or PolicyError for unknown and
// rejected calls.
func WithUnknownPolicy(policy string) DispatcherOption {
	return func(d *Dispatcher) {
		d.policy = policy
	}
}

// WithMaxInflight bounds concurrently unanswered calls.
func WithMaxInflight(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxInflight = int64(n)
		}
	}
}

// WithMetrics records dispatch metrics.
func WithMetrics(m *monitoring.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, logger *logging.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		registry:    registry,
		logger:      logger.Named("dispatcher"),
		policy:      PolicyDrop,
		maxInflight: DefaultMaxInflight,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the registry calls are dispatched to.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Inflight returns the number of calls still waiting for a first response.
func (d *Dispatcher) Inflight() int {
	return int(d.inflight.Load())
}

// Close cancels the context handed to capability handlers.
func (d *Dispatcher) Close() {
	d.cancel()
}

// HandleMessage is the entry point for every message posted on the bridge
// channel. Nothing it encounters is returned to the caller: malformed,
// unknown and failing calls are logged and dropped or answered per policy.
func (d *Dispatcher) HandleMessage(ch Channel, body []byte) {
	env, err := ParseCallEnvelope(body)
	if err != nil {
		d.metrics.RecordCall("", monitoring.OutcomeMalformed)
		d.logger.Debug("Dropping malformed envelope", zap.Error(err))
		return
	}

	if _, ok := d.registry.Lookup(env.Name); !ok {
		d.metrics.RecordCall("", monitoring.OutcomeUnknown)
		d.logger.Debug("Unknown capability",
			zap.String("capability", env.Name),
			zap.String("callback_id", env.CallbackID))
		d.refuse(ch, env, CodeUnknownCapability, fmt.Sprintf("capability %q is not registered", env.Name))
		return
	}

	if d.inflight.Add(1) > d.maxInflight {
		d.inflight.Add(-1)
		d.metrics.RecordCall(env.Name, monitoring.OutcomeRejected)
		d.logger.Warn("Too many calls in flight",
			zap.String("capability", env.Name),
			zap.Int64("max_inflight", d.maxInflight))
		d.refuse(ch, env, CodeTooManyCalls, fmt.Sprintf("more than %d calls in flight", d.maxInflight))
		return
	}
	d.metrics.RecordCall(env.Name, monitoring.OutcomeDispatched)
	d.metrics.CallStarted()

	start := time.Now()
	var settled atomic.Bool
	settle := func() {
		if settled.CompareAndSwap(false, true) {
			d.inflight.Add(-1)
			d.metrics.CallSettled(env.Name, time.Since(start))
		}
	}

	call := &Call{
		Name:       env.Name,
		Data:       env.Data,
		CallbackID: env.CallbackID,
		Channel:    ch,
	}
	respond := func(result interface{}, keepAlive bool) {
		settle()
		d.deliver(ch, env, env.Name, result, keepAlive)
	}

	if err := d.invoke(call, respond); err != nil {
		settle()
		d.logger.Warn("Call dropped",
			zap.String("capability", env.Name),
			zap.String("callback_id", env.CallbackID),
			zap.Error(err))
	}
}

func (d *Dispatcher) invoke(call *Call, respond Respond) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capability %s panicked: %v", call.Name, r)
		}
	}()
	return d.registry.Invoke(d.ctx, call, respond)
}

// refuse answers an undispatched call with an error response when the
// policy asks for one.
func (d *Dispatcher) refuse(ch Channel, env *CallEnvelope, code, message string) {
	if d.policy != PolicyError {
		return
	}
	d.deliver(ch, env, "", NewErrorResponse(code, message), false)
}

// deliver encodes and sends one response. label is the capability name used
// for metrics; undispatched calls use an empty label.
func (d *Dispatcher) deliver(ch Channel, env *CallEnvelope, label string, result interface{}, keepAlive bool) {
	payload, err := EncodeResponse(&ResponseEnvelope{
		CallbackID:   env.CallbackID,
		ResponseData: result,
		KeepAlive:    keepAlive,
	})
	if err != nil {
		d.metrics.RecordSerializationFailure()
		d.logger.Error("Dropping unserializable response",
			zap.String("capability", env.Name),
			zap.String("callback_id", env.CallbackID),
			zap.Error(err))
		return
	}

	if err := ch.Deliver(payload); err != nil {
		d.logger.Warn("Failed to deliver response",
			zap.String("capability", env.Name),
			zap.String("callback_id", env.CallbackID),
			zap.Error(err))
		return
	}
	d.metrics.RecordResponse(label)
}
