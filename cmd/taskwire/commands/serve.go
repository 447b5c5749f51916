package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/taskwire/pkg/taskwire/channels/whatsapp"
	"github.com/jholhewres/taskwire/pkg/taskwire/config"
	"github.com/jholhewres/taskwire/pkg/taskwire/events"
	"github.com/jholhewres/taskwire/pkg/taskwire/metrics"
	"github.com/jholhewres/taskwire/pkg/taskwire/webui"
	"github.com/jholhewres/taskwire/pkg/taskwire/workflow"
)

// newServeCmd creates the `taskwire serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WhatsApp service and the operator API",
		Long: `Start taskwire as a daemon: connect WhatsApp (printing the pairing QR
code on the terminal when running locally), listen for completion replies
and serve the operator API.

Examples:
  taskwire serve
  taskwire serve --config ./taskwire.yaml
  taskwire serve --driver browser --no-auto-start`,
		RunE: runServe,
	}

	cmd.Flags().String("driver", "", "channel backend: whatsmeow or browser")
	cmd.Flags().Bool("no-auto-start", false, "wait for an operator initialize instead of connecting at startup")
	cmd.Flags().String("address", "", "operator API listen address")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if d, _ := cmd.Flags().GetString("driver"); d != "" {
		cfg.WhatsApp.Driver = d
	}
	if noAuto, _ := cmd.Flags().GetBool("no-auto-start"); noAuto {
		cfg.WhatsApp.AutoStart = false
	}
	if addr, _ := cmd.Flags().GetString("address"); addr != "" {
		cfg.Server.Address = addr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// ── Configure logger ──
	logger := newLogger(cmd, cfg, os.Stdout)
	slog.SetDefault(logger)
	if path != "" {
		logger.Info("config loaded", "path", path)
	}

	// ── Resolve secrets ──
	config.ResolveAuthToken(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Persistence ──
	st, db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	// ── Core services ──
	m := metrics.New()
	hub := events.NewHub(cfg.Events.BufferSize, logger)

	driver := newDriver(cfg.WhatsApp, logger)
	svc, err := whatsapp.New(whatsapp.Options{
		Config:    cfg.WhatsApp,
		Driver:    driver,
		Publisher: hub,
		Metrics:   m,
		Logger:    logger,
		QROutput:  os.Stdout,
	})
	if err != nil {
		return fmt.Errorf("creating whatsapp service: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("starting whatsapp service: %w", err)
	}

	gateway := whatsapp.NewGateway(svc, cfg.WhatsApp.DefaultCountryCode, m, logger)
	notifier := workflow.NewNotifier(cfg.Workflow, st, gateway, logger)
	interpreter := workflow.NewInterpreter(workflow.InterpreterOptions{
		Config:    cfg.Workflow,
		Store:     st,
		Sender:    gateway,
		Publisher: hub,
		Metrics:   m,
		Logger:    logger,
	})

	interpDone := make(chan struct{})
	go func() {
		defer close(interpDone)
		interpreter.Run(ctx, svc.Receive())
	}()

	// ── Operator API ──
	srv := webui.New(cfg.Server, webui.Deps{
		WhatsApp: svc,
		Sender:   gateway,
		Notifier: notifier,
		Events:   hub,
		Database: db,
		Metrics:  m,
	}, logger)
	if err := srv.Start(ctx); err != nil {
		svc.Stop()
		return err
	}

	// ── Config hot reload ──
	if path != "" {
		watcher := config.NewWatcher(path, 0, func(next *config.Config) {
			if next.WhatsApp.Driver != cfg.WhatsApp.Driver {
				logger.Warn("whatsapp.driver changes need a restart", "running", cfg.WhatsApp.Driver)
				next.WhatsApp.Driver = cfg.WhatsApp.Driver
			}
			svc.UpdateConfig(next.WhatsApp)
		}, logger)
		go func() {
			if err := watcher.Start(ctx); err != nil {
				logger.Warn("config hot reload unavailable", "error", err)
			}
		}()
	}

	if cfg.WhatsApp.AutoStart {
		svc.Initialize()
	}

	// ── Wait for shutdown ──
	logger.Info("taskwire running. Press Ctrl+C to stop.",
		"driver", driver.Name(),
		"address", cfg.Server.Address,
		"database", cfg.Database.Backend,
		"whatsapp_disabled", cfg.WhatsApp.Disabled,
	)
	<-ctx.Done()
	stop()
	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		srv.Stop()
		svc.Stop()
		<-interpDone
		close(done)
	}()

	timeout := cfg.Server.ShutdownTimeout + 5*time.Second
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(timeout):
		logger.Warn("shutdown timed out, forcing exit", "after", timeout)
	}
	return nil
}

// newDriver picks the channel backend.
func newDriver(cfg whatsapp.Config, logger *slog.Logger) whatsapp.Driver {
	if cfg.Driver == "browser" {
		return whatsapp.NewBrowserDriver(logger)
	}
	return whatsapp.NewWhatsmeowDriver(cfg.DeviceName, logger)
}
