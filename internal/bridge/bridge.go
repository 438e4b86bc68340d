package bridge

import (
	"github.com/GriffinCanCode/userscript-bridge/internal/logging"
	"github.com/GriffinCanCode/userscript-bridge/internal/monitoring"
)

// Config configures a Bridge.
type Config struct {
	Channel         string
	MaxInflight     int
	MaxCapabilities int
	UnknownPolicy   string
}

// Bridge owns one registry and the dispatcher in front of it.
type Bridge struct {
	Registry   *Registry
	Dispatcher *Dispatcher
	channel    string
}

// New creates a bridge with an empty registry.
func New(cfg Config, logger *logging.Logger, metrics *monitoring.Metrics) *Bridge {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("bridge")

	registry := NewRegistry(cfg.MaxCapabilities, logger)
	opts := []DispatcherOption{
		WithMaxInflight(cfg.MaxInflight),
		WithMetrics(metrics),
	}
	if cfg.UnknownPolicy != "" {
		opts = append(opts, WithUnknownPolicy(cfg.UnknownPolicy))
	}

	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	return &Bridge{
		Registry:   registry,
		Dispatcher: NewDispatcher(registry, logger, opts...),
		channel:    channel,
	}
}

// Channel returns the message handler name.
func (b *Bridge) Channel() string {
	return b.channel
}

// Register forwards to the registry.
func (b *Bridge) Register(name string, handler Handler, keepAlive bool) error {
	return b.Registry.Register(name, handler, keepAlive)
}

// Extension returns the content extension for this bridge.
func (b *Bridge) Extension() *Extension {
	return NewExtension(b.Dispatcher, b.channel)
}

// Close stops handing new contexts to capabilities.
func (b *Bridge) Close() {
	b.Dispatcher.Close()
}
