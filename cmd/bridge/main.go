package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/userscript-bridge/internal/app"
	"github.com/GriffinCanCode/userscript-bridge/internal/config"
	"github.com/GriffinCanCode/userscript-bridge/internal/logging"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "bridge",
		Short:         "Userscript bridge between page scripts and native capabilities",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (environment variables still apply)")

	root.AddCommand(newRunCommand(), newServeCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRunCommand() *cobra.Command {
	var (
		timeout  time.Duration
		doImport bool
	)

	cmd := &cobra.Command{
		Use:   "run <script>",
		Short: "Preview a userscript in a content view with the bridge installed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext()
			defer stop()

			if doImport {
				return a.Import(args[0])
			}

			view, script, err := a.Preview(ctx, args[0])
			if err != nil {
				return err
			}
			a.Logger.Info("Preview running",
				zap.String("name", script.Meta.Name),
				zap.String("view_id", view.ID().String()))

			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			<-ctx.Done()

			a.Logger.Info("Preview finished",
				zap.Int("inflight_calls", a.Bridge.Dispatcher.Inflight()),
				zap.Int("pending_tasks", a.Adapter.Pending()))
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "stop after this long (0 waits for a signal)")
	cmd.Flags().BoolVar(&doImport, "import", false, "import the script instead of previewing it")
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the bridge over WebSocket",
		Long: `Serve the bridge over WebSocket at /ws, with the injectable client at /scripts/bridge.js.

The server listens on 127.0.0.1 unless server.host (HOST) says otherwise; an
empty host also means loopback. Every connected page can issue arbitrary HTTP
requests through the xhr capability, so binding a non-loopback address exposes
an open fetch proxy to anything that can reach it.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext()
			defer stop()

			srv := a.Server()
			defer srv.Close()
			return srv.Run(ctx)
		},
	}
}

func setup() (*app.App, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	return app.New(cfg, logger)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
