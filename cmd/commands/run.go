package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/config"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/engine"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/events"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/gateway"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/heartbeat"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/notify"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/ozon"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/storage"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/store"
)

// NewRunCommand returns the run subcommand: the booking worker plus the
// operator gateway in one process.
func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Start the booking worker and gateway server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
		},
		Action: runRun,
	}
}

func runRun(_ context.Context, cmd *cli.Command) error {
	if cmd.Bool("debug") {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	configPath := cmd.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Warn("config not found, using defaults", "path", configPath, "error", err)
		cfg = config.Default()
	}

	// CLI flags override config
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = int(cmd.Int("port"))
	}

	if cfg.API.ClientID == "" || cfg.API.APIKey == "" {
		return fmt.Errorf("seller API credentials missing: set OZON_CLIENT_ID and OZON_API_KEY")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Event bus
	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()

	// Persistent event trail beside the task records
	eventLog := storage.NewEventLogger(filepath.Join(cfg.Storage.DataDir, "events"), bus)
	defer eventLog.Close()

	// Task store with the deletion audit trail
	st := store.NewFileStore(config.TasksPath(cfg.Storage.DataDir))
	audit, err := storage.OpenAuditLog(config.AuditDBPath(cfg.Storage.DataDir))
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer audit.Close()
	st.SetAuditor(audit)

	// Seller API client and the booking engine
	client := ozon.New(cfg.API.BaseURL, cfg.API.ClientID, cfg.API.APIKey, cfg.API.Timeout.Duration())
	gov := engine.NewGovernor(cfg.Limits)
	eng, err := engine.New(cfg, st, client, gov, bus, notify.LogNotifier{})
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	worker, err := engine.NewWorker(cfg, eng, bus)
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}
	go worker.Run(ctx)

	// Liveness file for the status command
	hb := heartbeat.NewWriter(filepath.Join(cfg.Storage.DataDir, "heartbeat.json"), func() int {
		active, err := st.ListActive()
		if err != nil {
			return 0
		}
		return len(active)
	})
	hb.Start()
	defer hb.Stop()

	// Gateway server
	server := gateway.NewServer(bus, eng, audit, cfg.Gateway.Host, cfg.Gateway.Port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
