package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/userscript-bridge/internal/logging"
)

// DefaultMaxCapabilities bounds the number of distinct registrations.
const DefaultMaxCapabilities = 64

var (
	ErrUnknownCapability = errors.New("capability not registered")
	ErrRegistryFull      = errors.New("capability registry is full")
	ErrInvalidName       = errors.New("capability name is required")
)

// Call is one decoded invocation handed to a capability handler.
type Call struct {
	Name       string
	Data       json.RawMessage
	CallbackID string
	// Channel is the content context the call came from.
	Channel Channel
}

// Reply delivers a handler's result.
type Reply func(result interface{})

// Respond receives every reply together with the capability's keepAlive flag.
type Respond func(result interface{}, keepAlive bool)

// Handler implements a capability. Handlers may reply synchronously or from
// another goroutine later. A returned error means the call is dropped.
type Handler interface {
	Handle(ctx context.Context, call *Call, reply Reply) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call *Call, reply Reply) error

func (f HandlerFunc) Handle(ctx context.Context, call *Call, reply Reply) error {
	return f(ctx, call, reply)
}

// Typed decodes the call data into Req before invoking fn.
func Typed[Req, Resp any](fn func(ctx context.Context, call *Call, req Req, reply func(Resp)) error) Handler {
	return HandlerFunc(func(ctx context.Context, call *Call, reply Reply) error {
		var req Req
		if err := sonic.Unmarshal(call.Data, &req); err != nil {
			return fmt.Errorf("failed to decode %s request: %w", call.Name, err)
		}
		return fn(ctx, call, req, func(resp Resp) {
			reply(resp)
		})
	})
}

type registration struct {
	handler   Handler
	keepAlive bool
}

// Registry maps capability names to handlers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
	max     int
	logger  *logging.Logger
}

// NewRegistry creates a registry bounded to max registrations; max <= 0
// selects DefaultMaxCapabilities.
func NewRegistry(max int, logger *logging.Logger) *Registry {
	if max <= 0 {
		max = DefaultMaxCapabilities
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Registry{
		entries: make(map[string]registration),
		max:     max,
		logger:  logger.Named("registry"),
	}
}

// Register installs handler under name, replacing any previous registration.
func (r *Registry) Register(name string, handler Handler, keepAlive bool) error {
	if name == "" || handler == nil {
		return ErrInvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; !exists && len(r.entries) >= r.max {
		return fmt.Errorf("%w: %d capabilities", ErrRegistryFull, r.max)
	}
	r.entries[name] = registration{handler: handler, keepAlive: keepAlive}

	r.logger.Debug("Capability registered",
		zap.String("capability", name),
		zap.Bool("keep_alive", keepAlive))
	return nil
}

// Invoke runs the handler registered for call.Name. It returns
// ErrUnknownCapability without calling respond when nothing is registered.
// Capabilities without keepAlive respond at most once.
func (r *Registry) Invoke(ctx context.Context, call *Call, respond Respond) error {
	r.mu.RLock()
	entry, ok := r.entries[call.Name]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownCapability
	}

	var replied atomic.Bool
	reply := func(result interface{}) {
		if !entry.keepAlive && !replied.CompareAndSwap(false, true) {
			r.logger.Warn("Extra reply dropped",
				zap.String("capability", call.Name),
				zap.String("callback_id", call.CallbackID))
			return
		}
		respond(result, entry.keepAlive)
	}

	if err := entry.handler.Handle(ctx, call, reply); err != nil {
		return fmt.Errorf("capability %s: %w", call.Name, err)
	}
	return nil
}

// Lookup reports whether name is registered and its keepAlive flag.
func (r *Registry) Lookup(name string) (keepAlive bool, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	return entry.keepAlive, ok
}

// Names lists registered capabilities in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
