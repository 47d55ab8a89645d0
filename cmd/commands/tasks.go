package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/config"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/engine"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/events"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/notify"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/ozon"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/storage"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/store"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/task"
)

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Manage booking tasks",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List booking tasks",
				Flags:  []cli.Flag{&cli.StringFlag{Name: "status", Usage: "Filter by status"}},
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show the full record of a task",
				ArgsUsage: "<task_id>",
				Action:    runTasksShow,
			},
			{
				Name:  "add",
				Usage: "Create a booking task",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "item", Usage: "Line item as sku:quantity (repeatable)"},
					&cli.StringFlag{Name: "from", Usage: "Desired window start (RFC3339)", Required: true},
					&cli.StringFlag{Name: "to", Usage: "Desired window end (RFC3339)", Required: true},
					&cli.StringFlag{Name: "warehouse", Usage: "Destination warehouse name hint"},
					&cli.IntFlag{Name: "warehouse-id", Usage: "Exact destination warehouse id"},
					&cli.IntFlag{Name: "dropoff-id", Usage: "Drop-off point warehouse id"},
					&cli.StringFlag{Name: "preference", Usage: "Preferred supply type (direct, xdock, ...)"},
					&cli.StringFlag{Name: "recipient", Usage: "Notification recipient"},
				},
				Action: runTasksAdd,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel an active task",
				ArgsUsage: "<task_id>",
				Flags:     []cli.Flag{&cli.StringFlag{Name: "reason", Usage: "Cancellation reason"}},
				Action:    runTasksCancel,
			},
			{
				Name:      "retry",
				Usage:     "Reset a failed or canceled task and run it again",
				ArgsUsage: "<task_id>",
				Action:    runTasksRetry,
			},
			{
				Name:      "delete",
				Usage:     "Delete a task (an audit trace is kept)",
				ArgsUsage: "<task_id>",
				Flags:     []cli.Flag{&cli.StringFlag{Name: "reason", Usage: "Deletion reason"}},
				Action:    runTasksDelete,
			},
			{
				Name:  "purge",
				Usage: "Delete old finished tasks",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "days", Usage: "Delete finished tasks older than this many days"},
					&cli.BoolFlag{Name: "all", Usage: "Delete every task regardless of state"},
				},
				Action: runTasksPurge,
			},
		},
		DefaultCommand: "list",
	}
}

// buildEngine assembles an engine over the shared data directory. Used by
// the one-shot task commands; the long-running counterpart lives in run.go.
func buildEngine(cmd *cli.Command) (*engine.Engine, func(), error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		cfg = config.Default()
	}

	bus := events.NewBus(cfg.Events.BufferSize)

	st := store.NewFileStore(config.TasksPath(cfg.Storage.DataDir))
	audit, err := storage.OpenAuditLog(config.AuditDBPath(cfg.Storage.DataDir))
	if err != nil {
		bus.Close()
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}
	st.SetAuditor(audit)

	client := ozon.New(cfg.API.BaseURL, cfg.API.ClientID, cfg.API.APIKey, cfg.API.Timeout.Duration())
	eng, err := engine.New(cfg, st, client, engine.NewGovernor(cfg.Limits), bus, notify.LogNotifier{})
	if err != nil {
		audit.Close()
		bus.Close()
		return nil, nil, err
	}

	cleanup := func() {
		audit.Close()
		bus.Close()
	}
	return eng, cleanup, nil
}

func runTasksList(_ context.Context, cmd *cli.Command) error {
	eng, cleanup, err := buildEngine(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	list, err := eng.Store().List(store.ListFilter{Status: task.Status(cmd.String("status"))})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tWINDOW\tORDER\tUPDATED\tERROR")
	for _, t := range list {
		errText := t.LastError
		if errText == "" {
			errText = "-"
		}
		order := "-"
		if t.OrderID != 0 {
			order = strconv.FormatInt(t.OrderID, 10)
		}
		fmt.Fprintf(w, "%s\t%s\t%s - %s\t%s\t%s\t%s\n",
			t.ID,
			t.Status,
			t.WindowFrom.Format("01-02 15:04"),
			t.WindowTo.Format("01-02 15:04"),
			order,
			t.UpdatedAt.Format("2006-01-02 15:04"),
			errText,
		)
	}
	return w.Flush()
}

func runTasksShow(_ context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("usage: supplybot tasks show <task_id>")
	}

	eng, cleanup, err := buildEngine(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	t, err := eng.Store().Get(id)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func parseItems(raw []string) ([]task.LineItem, error) {
	var items []task.LineItem
	for _, s := range raw {
		sku, qty, found := strings.Cut(s, ":")
		if !found {
			return nil, fmt.Errorf("item %q: want sku:quantity", s)
		}
		skuN, err := strconv.ParseInt(sku, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("item %q: bad sku: %w", s, err)
		}
		qtyN, err := strconv.Atoi(qty)
		if err != nil {
			return nil, fmt.Errorf("item %q: bad quantity: %w", s, err)
		}
		items = append(items, task.LineItem{SKU: skuN, Quantity: qtyN})
	}
	return items, nil
}

func runTasksAdd(_ context.Context, cmd *cli.Command) error {
	items, err := parseItems(cmd.StringSlice("item"))
	if err != nil {
		return err
	}
	from, err := time.Parse(time.RFC3339, cmd.String("from"))
	if err != nil {
		return fmt.Errorf("bad --from: %w", err)
	}
	to, err := time.Parse(time.RFC3339, cmd.String("to"))
	if err != nil {
		return fmt.Errorf("bad --to: %w", err)
	}

	eng, cleanup, err := buildEngine(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	t, err := eng.Submit(engine.BookingRequest{
		Items:              items,
		WindowFrom:         from,
		WindowTo:           to,
		WarehouseName:      cmd.String("warehouse"),
		WarehouseID:        int64(cmd.Int("warehouse-id")),
		DropoffWarehouseID: int64(cmd.Int("dropoff-id")),
		Preference:         cmd.String("preference"),
		Recipient:          cmd.String("recipient"),
	})
	if err != nil {
		return err
	}

	fmt.Printf("Created %s (%d positions, window %s - %s)\n",
		t.ID, len(t.Items), t.WindowFrom.Format("2006-01-02 15:04"), t.WindowTo.Format("2006-01-02 15:04"))
	return nil
}

func runTasksCancel(_ context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("usage: supplybot tasks cancel <task_id>")
	}

	eng, cleanup, err := buildEngine(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	t, err := eng.Cancel(id, cmd.String("reason"))
	if err != nil {
		return err
	}
	fmt.Printf("Canceled %s\n", t.ID)
	return nil
}

func runTasksRetry(_ context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("usage: supplybot tasks retry <task_id>")
	}

	eng, cleanup, err := buildEngine(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	t, err := eng.Retry(id)
	if err != nil {
		return err
	}
	fmt.Printf("Retrying %s\n", t.ID)
	return nil
}

func runTasksDelete(_ context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("usage: supplybot tasks delete <task_id>")
	}

	eng, cleanup, err := buildEngine(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	reason := cmd.String("reason")
	if reason == "" {
		reason = "deleted via CLI"
	}
	if err := eng.DeleteTask(id, reason); err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", id)
	return nil
}

func runTasksPurge(_ context.Context, cmd *cli.Command) error {
	eng, cleanup, err := buildEngine(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	var ids []string
	switch {
	case cmd.Bool("all"):
		ids, err = eng.PurgeAll()
	case cmd.Int("days") > 0:
		ids, err = eng.PurgeOlderThan(cmd.Int("days"))
	default:
		return fmt.Errorf("pass --days N or --all")
	}
	if err != nil {
		return err
	}

	slog.Info("purged tasks", "count", len(ids))
	fmt.Printf("Purged %d tasks\n", len(ids))
	return nil
}
