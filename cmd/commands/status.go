package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/config"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/heartbeat"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/storage"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show whether the worker daemon is running",
		Action: runStatus,
	}
}

func runStatus(_ context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		cfg = config.Default()
	}

	path := filepath.Join(cfg.Storage.DataDir, "heartbeat.json")
	status, hb, err := heartbeat.Check(path, 2*time.Minute)
	if err != nil {
		return fmt.Errorf("read heartbeat: %w", err)
	}

	switch status {
	case heartbeat.StatusAlive:
		fmt.Printf("RUNNING (pid %d, up %s, %d active tasks)\n", hb.PID, hb.Uptime, hb.ActiveTasks)
	case heartbeat.StatusStale:
		fmt.Printf("STALE (pid %d, last heartbeat %s)\n", hb.PID, hb.Timestamp.Format(time.RFC3339))
	default:
		fmt.Println("NOT RUNNING")
	}

	if audit, err := storage.OpenAuditLog(config.AuditDBPath(cfg.Storage.DataDir)); err == nil {
		defer audit.Close()
		if n, err := audit.CountDeletions(); err == nil {
			fmt.Printf("Audit archive: %d deleted task records\n", n)
		}
	}
	return nil
}
