package app

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/userscript-bridge/internal/bridge"
	"github.com/GriffinCanCode/userscript-bridge/internal/capability"
	"github.com/GriffinCanCode/userscript-bridge/internal/config"
	"github.com/GriffinCanCode/userscript-bridge/internal/content"
	"github.com/GriffinCanCode/userscript-bridge/internal/id"
	"github.com/GriffinCanCode/userscript-bridge/internal/logging"
	"github.com/GriffinCanCode/userscript-bridge/internal/monitoring"
	"github.com/GriffinCanCode/userscript-bridge/internal/network"
	"github.com/GriffinCanCode/userscript-bridge/internal/server"
	"github.com/GriffinCanCode/userscript-bridge/internal/userscript"
)

// App owns the bridge, its capabilities and every view opened through it.
type App struct {
	Config  *config.Config
	Logger  *logging.Logger
	Metrics *monitoring.Metrics
	Bridge  *bridge.Bridge
	Adapter *network.Adapter
	Client  *network.Client

	views sync.Map // id.ViewID -> *content.View
	mu    sync.Mutex
}

// New assembles the application from cfg.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	metrics := monitoring.NewMetrics()

	client := network.NewClient(network.ClientConfig{
		Timeout:      cfg.Network.Timeout,
		RetryCount:   cfg.Network.RetryCount,
		RetryWait:    cfg.Network.RetryWait,
		RetryMaxWait: cfg.Network.RetryMaxWait,
		RateLimitRPS: cfg.Network.RateLimitRPS,
		UserAgent:    cfg.Network.UserAgent,
	})
	adapter := network.NewAdapter(client, logger,
		network.WithMaxTasks(cfg.Network.MaxTasks),
		network.WithMetrics(metrics))

	b := bridge.New(bridge.Config{
		Channel:         cfg.Bridge.Channel,
		MaxInflight:     cfg.Bridge.MaxInflight,
		MaxCapabilities: cfg.Bridge.MaxCapabilities,
		UnknownPolicy:   cfg.Bridge.UnknownPolicy,
	}, logger, metrics)

	xhr := capability.NewXHR(adapter, cfg.Network.ErrorPolicy, logger)
	if err := capability.RegisterDefaults(b, xhr); err != nil {
		b.Close()
		_ = adapter.Close()
		return nil, fmt.Errorf("failed to register capabilities: %w", err)
	}

	logger.Info("Bridge ready",
		zap.String("channel", b.Channel()),
		zap.Strings("capabilities", b.Registry.Names()),
		zap.String("unknown_policy", cfg.Bridge.UnknownPolicy),
		zap.String("network_policy", cfg.Network.ErrorPolicy))

	return &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
		Bridge:  b,
		Adapter: adapter,
		Client:  client,
	}, nil
}

// Preview loads the script at path into a new tracked view.
func (a *App) Preview(ctx context.Context, path string) (*content.View, *userscript.Script, error) {
	script, err := userscript.Load(path)
	if err != nil {
		return nil, nil, err
	}

	preview := userscript.NewPreview(script, a.Bridge, a.contentConfig(), a.Logger, a.Metrics)
	view, err := preview.Run(ctx)
	if err != nil {
		return nil, script, err
	}
	a.views.Store(view.ID(), view)
	return view, script, nil
}

// Import hands the script at path to the import stub.
func (a *App) Import(path string) error {
	script, err := userscript.Load(path)
	if err != nil {
		return err
	}
	userscript.NewPreview(script, a.Bridge, a.contentConfig(), a.Logger, a.Metrics).Import()
	return nil
}

// Server builds the HTTP server over the same bridge.
func (a *App) Server() *server.Server {
	return server.NewServer(a.Config.Server, a.Bridge, a.Adapter, a.Logger, a.Metrics)
}

// Views returns the ids of open views.
func (a *App) Views() []id.ViewID {
	var ids []id.ViewID
	a.views.Range(func(key, _ interface{}) bool {
		ids = append(ids, key.(id.ViewID))
		return true
	})
	return ids
}

// CloseView closes one tracked view.
func (a *App) CloseView(viewID id.ViewID) bool {
	value, ok := a.views.LoadAndDelete(viewID)
	if !ok {
		return false
	}
	_ = value.(*content.View).Close()
	return true
}

// Close shuts down views, in-flight network tasks and the bridge.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, viewID := range a.Views() {
		a.CloseView(viewID)
	}
	a.Bridge.Close()
	if err := a.Adapter.Close(); err != nil {
		return fmt.Errorf("failed to close network adapter: %w", err)
	}
	_ = a.Logger.Sync()
	return nil
}

func (a *App) contentConfig() content.Config {
	return content.Config{
		ScriptTimeout: a.Config.Content.ScriptTimeout,
		EnableConsole: a.Config.Content.Console,
	}
}
