package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"safeline/internal/config"
	"safeline/internal/domain"
	"safeline/internal/engine"
	"safeline/internal/inbox"
	"safeline/internal/policy"
	"safeline/internal/repo"
	"safeline/internal/risk"
	"safeline/internal/router"
)

// taskFlags describes a task given on the command line, either as a JSON
// file (--task, "-" for stdin) or as --action plus --payload.
type taskFlags struct {
	File    string
	Action  string
	Payload string
	ID      string
}

func (f *taskFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.File, "task", "", "task JSON file ('-' for stdin)")
	cmd.Flags().StringVar(&f.Action, "action", "", "action type")
	cmd.Flags().StringVar(&f.Payload, "payload", "{}", "payload JSON object")
	cmd.Flags().StringVar(&f.ID, "id", "", "task id (default generated)")
}

func (f taskFlags) task() (domain.Task, error) {
	var task domain.Task
	switch {
	case f.File != "":
		var (
			data []byte
			err  error
		)
		if f.File == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(f.File)
		}
		if err != nil {
			return task, fmt.Errorf("read task: %w", err)
		}
		if err := json.Unmarshal(data, &task); err != nil {
			return task, fmt.Errorf("invalid task json: %w", err)
		}
	case f.Action != "":
		task.ActionType = f.Action
		if err := json.Unmarshal([]byte(f.Payload), &task.Payload); err != nil {
			return task, fmt.Errorf("invalid --payload: %w", err)
		}
	default:
		return task, fmt.Errorf("--task or --action required")
	}
	if task.ActionType == "" {
		return task, fmt.Errorf("task has no action_type")
	}
	if f.ID != "" {
		task.ID = f.ID
	}
	if task.ID == "" {
		task.ID = "cli_" + uuid.NewString()[:8]
	}
	if task.Source == "" {
		task.Source = "cli"
	}
	if task.Payload == nil {
		task.Payload = map[string]any{}
	}
	return task, nil
}

func runCmd() *cobra.Command {
	var live, watch bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run heartbeat cycles (dry run unless --live)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				e.DryRun = !live
				if !watch {
					rep, err := e.RunCycle(ctx)
					if err != nil {
						return err
					}
					return printCycle(rep)
				}
				triggers := make(chan struct{}, 1)
				w := inbox.Watcher{Dir: e.Config.InboxDir(), Logger: e.Logger}
				go func() {
					err := w.Run(ctx, func() {
						select {
						case triggers <- struct{}{}:
						default:
						}
					})
					if err != nil && !errors.Is(err, context.Canceled) {
						e.Logger.Warn("inbox watcher stopped", "err", err)
					}
				}()
				e.Logger.Info("watching", "interval", interval, "inbox", e.Config.InboxDir(), "live", live)
				return e.Watch(ctx, interval, triggers)
			})
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "execute admitted tasks in production")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running; cycle on the interval and on inbox changes")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Minute, "heartbeat interval with --watch")
	return cmd
}

func printCycle(rep domain.CycleReport) error {
	if viper.GetBool("json") {
		return printJSON(rep)
	}
	mode := "live"
	if rep.DryRun {
		mode = "dry run"
	}
	if rep.Aborted {
		fmt.Printf("Cycle %s aborted: kill switch active\n", rep.CycleID)
		return nil
	}
	fmt.Printf("Cycle %s (%s): %d discovered, %d skipped, %d executed, %d failed, %d escalated, %d blocked in %s\n",
		rep.CycleID, mode, rep.Discovered, rep.Skipped, rep.Executed, rep.Failed, rep.Escalated, rep.Blocked, rep.Duration.Round(time.Millisecond))
	if len(rep.Results) == 0 {
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Task", "Risk", "Decision", "Status", "Message"})
	for _, r := range rep.Results {
		tw.AppendRow(table.Row{r.TaskID, fmt.Sprintf("%d %s", r.Decision.Risk.Score, r.Decision.Risk.Level), r.Decision.Action, r.Status, r.Message})
	}
	tw.Render()
	return nil
}

func assessCmd() *cobra.Command {
	var tf taskFlags
	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Score a task and show how the active profile routes it",
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := tf.task()
			if err != nil {
				return err
			}
			return withConfig(func(cfg *config.Config) error {
				profile, err := policy.NewStore(cfg.ProfilesDir()).Load(cfg.Policy.Profile)
				if err != nil {
					return err
				}
				d, err := router.Decide(task, profile, nil)
				if err != nil {
					return err
				}
				return printJSONOrText(d, func() {
					fmt.Print(risk.Explain(d.Risk))
					fmt.Println()
					fmt.Print(router.Explain(task, d))
				})
			})
		},
	}
	tf.register(cmd)
	return cmd
}

func rehearseCmd() *cobra.Command {
	var tf taskFlags
	var target int
	cmd := &cobra.Command{
		Use:   "rehearse",
		Short: "Rehearse a task in a disposable sandbox; production is never touched",
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := tf.task()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target <= 0 {
					target = policy.DefaultSandboxThreshold
					profile, err := e.Profiles.Load(e.Config.Policy.Profile)
					if err != nil {
						return err
					}
					if d, err := router.Decide(task, profile, nil); err == nil && d.Rule.SandboxThreshold > 0 {
						target = d.Rule.SandboxThreshold
					}
				}
				rep := e.Rehearsal.Run(ctx, task, target)
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Iter", "Success", "Score", "Duration", "Error", "Fix"})
				for _, a := range rep.Attempts {
					fix := ""
					if a.Fix != nil {
						fix = a.Fix.FixType
					}
					tw.AppendRow(table.Row{a.Iteration, a.Success, a.Score, a.Duration.Round(time.Millisecond), a.Error, fix})
				}
				tw.Render()
				fmt.Printf("Best score %d/%d, stopped: %s\n", rep.BestScore, rep.TargetScore, rep.StopReason)
				return nil
			})
		},
	}
	tf.register(cmd)
	cmd.Flags().IntVar(&target, "target", 0, "target score (default: the rule's sandbox threshold)")
	return cmd
}

func executeCmd() *cobra.Command {
	var tf taskFlags
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Take one task through the full pipeline and record the outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := tf.task()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if e.KillSwitchActive() {
					return fmt.Errorf("kill switch active (%s)", e.KillSwitch)
				}
				e.DryRun = dryRun
				res, err := e.ProcessTask(ctx, task)
				if err != nil {
					return err
				}
				return printJSONOrText(res, func() {
					fmt.Printf("%s: %s (%s, risk %d %s)\n", res.TaskID, res.Status, res.Decision.Action, res.Decision.Risk.Score, res.Decision.Risk.Level)
					if res.Message != "" {
						fmt.Println(res.Message)
					}
					if res.Execution != nil && res.Execution.SnapshotID != "" {
						fmt.Printf("snapshot: %s\n", res.Execution.SnapshotID)
					}
				})
			})
		},
	}
	tf.register(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "route and rehearse only")
	return cmd
}

func enqueueCmd() *cobra.Command {
	var tf taskFlags
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Drop a task into the inbox for the next cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := tf.task()
			if err != nil {
				return err
			}
			return withConfig(func(cfg *config.Config) error {
				id, err := inbox.Enqueue(cfg.InboxDir(), task)
				if err != nil {
					return err
				}
				return printJSONOrText(map[string]string{"task_id": id}, func() { fmt.Println(id) })
			})
		},
	}
	tf.register(cmd)
	return cmd
}

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "snapshot", Short: "Inspect and restore production snapshots"}
	cmd.AddCommand(snapshotListCmd())
	cmd.AddCommand(snapshotInfoCmd())
	cmd.AddCommand(snapshotRestoreCmd())
	cmd.AddCommand(snapshotCleanupCmd())
	return cmd
}

func snapshotListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(func(cfg *config.Config) error {
				items, err := engine.Snapshots(cfg, newLogger()).List(limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Type", "Created", "Files", "Datastore"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.TaskID, m.TaskType, age(m.CreatedAt), len(m.FilesBackedUp), m.DatabaseBackup != nil})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max snapshots")
	return cmd
}

func snapshotInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <snapshot-id>",
		Short: "Show snapshot metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(func(cfg *config.Config) error {
				meta, err := engine.Snapshots(cfg, newLogger()).Info(args[0])
				if err != nil {
					return err
				}
				return printJSON(meta)
			})
		},
	}
}

func snapshotRestoreCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "restore <snapshot-id>",
		Short: "Restore a snapshot and verify the datastore",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(func(cfg *config.Config) error {
				logger := newLogger()
				snaps := engine.Snapshots(cfg, logger)
				meta, err := snaps.Info(args[0])
				if err != nil {
					return err
				}
				rb := engine.Rollbacks(cfg, snaps, logger)
				task := domain.Task{ID: meta.TaskID, ActionType: meta.TaskType}
				ok, err := rb.Rollback(args[0], reason, task)
				if err != nil {
					return err
				}
				verified, err := rb.Verify(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := domain.RollbackReport{Reason: reason, Restored: ok, Verified: verified}
				return printJSONOrText(out, func() {
					fmt.Printf("restored %s (verified: %t)\n", args[0], verified)
				})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual restore", "reason recorded in the rollback log")
	return cmd
}

func snapshotCleanupCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete snapshots older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(func(cfg *config.Config) error {
				if olderThan <= 0 {
					olderThan = cfg.Snapshots.Retention
				}
				n, err := engine.Snapshots(cfg, newLogger()).Cleanup(olderThan)
				if err != nil {
					return err
				}
				return printJSONOrText(map[string]int{"removed": n}, func() {
					fmt.Printf("removed %d snapshot(s) older than %s\n", n, olderThan)
				})
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age threshold (default snapshots.retention)")
	return cmd
}

func rollbackCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rollback", Short: "Rollback log"}
	var limit int
	history := &cobra.Command{
		Use:   "history",
		Short: "Show recent rollbacks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(func(cfg *config.Config) error {
				logger := newLogger()
				entries, err := engine.Rollbacks(cfg, engine.Snapshots(cfg, logger), logger).History(limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Snapshot", "Task", "Success", "Reason"})
				for _, e := range entries {
					reason := e.Reason
					if e.Error != "" {
						reason += " (" + e.Error + ")"
					}
					tw.AppendRow(table.Row{age(e.Timestamp), e.SnapshotID, e.TaskID, e.Success, reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	history.Flags().IntVar(&limit, "limit", 20, "max entries")
	cmd.AddCommand(history)
	return cmd
}

func metricsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "metrics", Short: "Query the metrics store"}
	cmd.AddCommand(metricsExecutionsCmd())
	cmd.AddCommand(metricsCyclesCmd())
	cmd.AddCommand(metricsEventsCmd())
	return cmd
}

func metricsExecutionsCmd() *cobra.Command {
	var f repo.ExecutionFilters
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "List recorded task outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestExecutions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Type", "Risk", "Sandbox", "Decision", "Status", "When", "Error"})
				for _, m := range items {
					sandbox := "-"
					if m.SandboxScore != nil {
						sandbox = fmt.Sprintf("%d (%d it)", *m.SandboxScore, m.Iterations)
					}
					tw.AppendRow(table.Row{m.TaskID, m.TaskType, fmt.Sprintf("%d %s", m.RiskScore, m.RiskLevel), sandbox, m.Decision, m.Status, age(m.CreatedAt), m.ErrorMessage})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task id filter")
	cmd.Flags().StringVar(&f.CycleID, "cycle", "", "cycle id filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func metricsCyclesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "cycles",
		Short: "List heartbeat cycle health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestHealth(ctx, limit, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Cycle", "Status", "Found", "Exec", "Fail", "Esc", "Block", "Avg risk", "Took", "When"})
				for _, h := range items {
					avg := "-"
					if h.AvgRiskScore != nil {
						avg = fmt.Sprintf("%.1f", *h.AvgRiskScore)
					}
					took := time.Duration(h.DurationSecs * float64(time.Second)).Round(time.Millisecond)
					tw.AppendRow(table.Row{h.CycleID, h.Status, h.Discovered, h.Executed, h.Failed, h.Escalated, h.Blocked, avg, took, age(h.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	return cmd
}

func metricsEventsCmd() *cobra.Command {
	var n int
	var evtType, cycleID, taskID string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, n, evtType, cycleID, taskID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				for _, evt := range items {
					fmt.Printf("%s %-18s cycle=%s task=%s %s\n", evt.TS, evt.Type, evt.CycleID, evt.TaskID, evt.Payload)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&cycleID, "cycle", "", "cycle id filter")
	cmd.Flags().StringVar(&taskID, "task", "", "task id filter")
	return cmd
}

func killSwitchCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "killswitch", Short: "Engage, release or inspect the kill switch"}
	var reason string
	on := &cobra.Command{
		Use:   "on",
		Short: "Stop all cycles until released",
		RunE: func(cmd *cobra.Command, args []string) error {
			return toggleKillSwitch(cmd.Context(), true, reason)
		},
	}
	on.Flags().StringVar(&reason, "reason", "manual", "reason recorded with the toggle")
	off := &cobra.Command{
		Use:   "off",
		Short: "Release the kill switch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return toggleKillSwitch(cmd.Context(), false, "")
		},
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Report whether the kill switch is engaged",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(func(cfg *config.Config) error {
				e := engine.Engine{KillSwitch: cfg.KillSwitch()}
				return printKillSwitch(e)
			})
		},
	}
	cmd.AddCommand(on, off, status)
	return cmd
}

func toggleKillSwitch(ctx context.Context, active bool, reason string) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		actor := os.Getenv("USER")
		if actor == "" {
			actor = "cli"
		}
		if err := e.SetKillSwitch(ctx, active, reason, actor); err != nil {
			return err
		}
		return printKillSwitch(e)
	})
}

func printKillSwitch(e engine.Engine) error {
	active := e.KillSwitchActive()
	return printJSONOrText(map[string]any{"active": active, "path": e.KillSwitch}, func() {
		state := "released"
		if active {
			state = "ENGAGED"
		}
		fmt.Printf("kill switch %s (%s)\n", state, e.KillSwitch)
	})
}

func profileCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "profile", Short: "Permission profiles"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List available profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(func(cfg *config.Config) error {
				names, err := policy.NewStore(cfg.ProfilesDir()).List()
				if err != nil {
					return err
				}
				return printJSONOrText(names, func() {
					for _, n := range names {
						marker := " "
						if n == cfg.Policy.Profile {
							marker = "*"
						}
						fmt.Printf("%s %s\n", marker, n)
					}
				})
			})
		},
	}
	show := &cobra.Command{
		Use:   "show [name]",
		Short: "Show a profile (default: the active one)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(func(cfg *config.Config) error {
				name := cfg.Policy.Profile
				if len(args) == 1 {
					name = args[0]
				}
				p, err := policy.NewStore(cfg.ProfilesDir()).Load(name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				out, err := yaml.Marshal(p)
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
	cmd.AddCommand(list, show)
	return cmd
}

// age renders an RFC 3339 timestamp relative to now, falling back to the
// raw value.
func age(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return strings.TrimSpace(ts)
	}
	return humanize.Time(t)
}
