// Command assignerctl is the administrative CLI for the assignment core: it
// opens the same SQLite store the daemon uses and issues one queue or
// session operation per invocation, printing either human-readable text or
// JSON. Structured the way the reference fleet monitor's cmd/dbctl is: a
// single -action flag dispatching to a small switch, flags for every
// action's arguments, exit codes a calling script can branch on.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/agentcore/assigner/internal/assignerrors"
	"github.com/agentcore/assigner/internal/config"
	"github.com/agentcore/assigner/internal/session"
	"github.com/agentcore/assigner/internal/storage"
	"github.com/agentcore/assigner/internal/telemetry"
	"github.com/agentcore/assigner/internal/workitem"
)

func main() {
	dbPath := flag.String("db", "assigner.db", "Path to the SQLite database file")
	configDir := flag.String("config-dir", "configs", "Directory holding base/, environments/<env>, and local/overrides config layers")
	environment := flag.String("env", os.Getenv("ASSIGNER_ENV"), "Environment overlay name")
	action := flag.String("action", "", "enqueue, list, get, cancel, retry, sessions, stats, config-reload, export")
	jsonOutput := flag.Bool("json", false, "Output as JSON")

	id := flag.String("id", "", "Work item id, for get/cancel/retry")
	payload := flag.String("payload", "", "Work item payload, for enqueue")
	priority := flag.Int("priority", 5, "Work item priority (0-10), for enqueue")
	taskType := flag.String("task-type", "", "Work item task_type, for enqueue")
	targetSession := flag.String("target-session", "", "Required session name, for enqueue")
	targetProvider := flag.String("target-provider", "", "Required provider, for enqueue")
	repo := flag.String("repo", "", "Associated repository, for enqueue")
	status := flag.String("status", "", "Status filter, for list/sessions/export")
	format := flag.String("format", "json", "Export format: json or csv")

	flag.Parse()

	if *action == "" {
		fmt.Fprintln(os.Stderr, "Usage: assignerctl -action <action> [flags]")
		fmt.Fprintln(os.Stderr, "Actions: enqueue, list, get, cancel, retry, sessions, stats, config-reload, export")
		os.Exit(assignerrors.ExitCode(assignerrors.ErrInvalidArgument))
	}

	if *action == "config-reload" {
		os.Exit(runConfigReload(*configDir, *environment))
	}

	db, err := storage.Open(*dbPath)
	if err != nil {
		fail(err)
	}
	defer db.Close()

	workStore := workitem.NewStore(db)
	queue := workitem.NewQueueStore(workStore)
	sessStore := session.NewStore(db)
	registry, err := session.NewRegistry(sessStore)
	if err != nil {
		fail(err)
	}
	// Each invocation is a fresh process: load the durable queue into the
	// in-memory projection the same way the daemon does at startup, so
	// list/get/cancel/retry see every persisted item, not just ones this
	// process enqueued itself.
	if err := queue.StartupSweep(registry.IsOffline); err != nil {
		fail(err)
	}
	svc := telemetry.NewService(queue, registry)

	switch *action {
	case "enqueue":
		runEnqueue(queue, *payload, *priority, *taskType, *targetSession, *targetProvider, *repo, *jsonOutput)
	case "list":
		runList(queue, workitem.Status(*status), *jsonOutput)
	case "get":
		runGet(svc, *id, *jsonOutput)
	case "cancel":
		runCancel(queue, *id, *jsonOutput)
	case "retry":
		runRetry(queue, *id, *jsonOutput)
	case "sessions":
		runSessions(registry, session.Status(*status), *jsonOutput)
	case "stats":
		runStats(queue, *jsonOutput)
	case "export":
		runExport(svc, workitem.Status(*status), *format)
	default:
		fmt.Fprintf(os.Stderr, "unknown action: %s\n", *action)
		os.Exit(assignerrors.ExitCode(assignerrors.ErrInvalidArgument))
	}
}

func runEnqueue(queue *workitem.QueueStore, payload string, priority int, taskType, targetSession, targetProvider, repo string, jsonOutput bool) {
	item, err := queue.Enqueue(workitem.EnqueueParams{
		Payload:        payload,
		Priority:       priority,
		TaskType:       taskType,
		Source:         "assignerctl",
		TargetSession:  targetSession,
		TargetProvider: targetProvider,
		Repo:           repo,
	})
	if err != nil {
		fail(err)
	}
	printResult(item, jsonOutput, func() { fmt.Printf("enqueued %s (priority %d)\n", item.ID, item.Priority) })
}

func runList(queue *workitem.QueueStore, status workitem.Status, jsonOutput bool) {
	items := queue.List(status)
	printResult(items, jsonOutput, func() {
		for _, it := range items {
			fmt.Printf("%s\t%s\tpriority=%d\t%s\n", it.ID, it.Status, it.Priority, it.TaskType)
		}
	})
}

func runGet(svc *telemetry.Service, id string, jsonOutput bool) {
	if id == "" {
		fmt.Fprintln(os.Stderr, "get requires -id")
		os.Exit(assignerrors.ExitCode(assignerrors.ErrInvalidArgument))
	}
	detail, err := svc.ItemDetail(id)
	if err != nil {
		fail(err)
	}
	printResult(detail, jsonOutput, func() {
		fmt.Printf("%s\t%s\tpriority=%d\tretries=%d/%d\n", detail.Item.ID, detail.Item.Status, detail.Item.Priority, detail.Item.RetryCount, detail.Item.MaxRetries)
		for _, ev := range detail.Events {
			fmt.Printf("  %s\t%s\t%s\n", ev.CreatedAt.Format("15:04:05"), ev.Action, ev.SessionName)
		}
	})
}

func runCancel(queue *workitem.QueueStore, id string, jsonOutput bool) {
	if id == "" {
		fmt.Fprintln(os.Stderr, "cancel requires -id")
		os.Exit(assignerrors.ExitCode(assignerrors.ErrInvalidArgument))
	}
	if err := queue.Cancel(id); err != nil {
		fail(err)
	}
	printResult(map[string]string{"id": id, "status": "cancelled"}, jsonOutput, func() { fmt.Printf("cancelled %s\n", id) })
}

func runRetry(queue *workitem.QueueStore, id string, jsonOutput bool) {
	if id == "" {
		fmt.Fprintln(os.Stderr, "retry requires -id")
		os.Exit(assignerrors.ExitCode(assignerrors.ErrInvalidArgument))
	}
	if err := queue.Retry(id); err != nil {
		fail(err)
	}
	printResult(map[string]string{"id": id, "status": "pending"}, jsonOutput, func() { fmt.Printf("requeued %s\n", id) })
}

func runSessions(registry *session.Registry, status session.Status, jsonOutput bool) {
	sessions := registry.List(status)
	printResult(sessions, jsonOutput, func() {
		for _, s := range sessions {
			fmt.Printf("%s\t%s\t%s\tstability=%.2f\tcircuit=%s\n", s.Name, s.Status, s.Provider, s.StabilityScore, s.CircuitState)
		}
	})
}

func runStats(queue *workitem.QueueStore, jsonOutput bool) {
	stats, err := queue.Stats()
	if err != nil {
		fail(err)
	}
	printResult(stats, jsonOutput, func() {
		fmt.Printf("total=%d\n", stats.Total)
		for _, st := range []workitem.Status{
			workitem.StatusPending, workitem.StatusAssigned, workitem.StatusInProgress,
			workitem.StatusCompleted, workitem.StatusFailed, workitem.StatusCancelled, workitem.StatusExpired,
		} {
			fmt.Printf("  %s=%d\n", st, stats.ByStatus[st])
		}
	})
}

func runExport(svc *telemetry.Service, status workitem.Status, format string) {
	items := svc.Items(status)
	var err error
	switch format {
	case "csv":
		err = telemetry.ExportItemsCSV(os.Stdout, items)
	default:
		err = telemetry.ExportItemsJSON(os.Stdout, items)
	}
	if err != nil {
		fail(err)
	}
}

func runConfigReload(configDir, environment string) int {
	cfgSvc, err := config.NewService(configDir, environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config-reload: %v\n", err)
		return assignerrors.ExitCode(err)
	}
	defer cfgSvc.Close()
	if err := cfgSvc.Reload(); err != nil {
		fmt.Fprintf(os.Stderr, "config-reload: %v\n", err)
		return assignerrors.ExitCode(err)
	}
	snap := cfgSvc.Current()
	fmt.Printf("reloaded configuration for environment %q: probe_interval=%s offline_threshold=%s\n", environment, snap.ProbeInterval, snap.OfflineThreshold)
	return 0
}

func printResult(v interface{}, jsonOutput bool, text func()) {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			fail(err)
		}
		return
	}
	text()
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "assignerctl: %v\n", err)
	os.Exit(assignerrors.ExitCode(err))
}
