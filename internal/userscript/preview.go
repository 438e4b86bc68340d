package userscript

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/userscript-bridge/internal/bridge"
	"github.com/GriffinCanCode/userscript-bridge/internal/content"
	"github.com/GriffinCanCode/userscript-bridge/internal/logging"
	"github.com/GriffinCanCode/userscript-bridge/internal/monitoring"
)

// Preview runs a script in a fresh view wired to a bridge.
type Preview struct {
	script  *Script
	bridge  *bridge.Bridge
	config  content.Config
	logger  *logging.Logger
	metrics *monitoring.Metrics
}

// NewPreview prepares a preview of script.
func NewPreview(script *Script, b *bridge.Bridge, cfg content.Config, logger *logging.Logger, metrics *monitoring.Metrics) *Preview {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Preview{
		script:  script,
		bridge:  b,
		config:  cfg,
		logger:  logger.Named("preview").With(zap.String("script", script.Meta.Name)),
		metrics: metrics,
	}
}

// Run loads the script as the page of a new view with the bridge installed.
// The caller owns the returned view.
func (p *Preview) Run(ctx context.Context) (*content.View, error) {
	view := content.New(p.config, p.logger, content.WithMetrics(p.metrics))
	if err := view.Install(p.bridge.Extension()); err != nil {
		_ = view.Close()
		return nil, fmt.Errorf("failed to install bridge: %w", err)
	}

	p.logger.Info("Previewing script",
		zap.String("path", p.script.Path),
		zap.String("version", p.script.Meta.Version),
		zap.Strings("grant", p.script.Meta.Grant))

	if err := view.Load(ctx, p.script.Source); err != nil {
		_ = view.Close()
		return nil, err
	}
	return view, nil
}

// Import records the script location. Scripts are not persisted.
func (p *Preview) Import() {
	p.logger.Info("Import requested", zap.String("path", p.script.Path))
}
