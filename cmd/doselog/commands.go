package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/doselog/doselog/internal/api"
	"github.com/doselog/doselog/internal/auth"
	"github.com/doselog/doselog/internal/clock"
	"github.com/doselog/doselog/internal/config"
	"github.com/doselog/doselog/internal/export"
	"github.com/doselog/doselog/internal/models"
	"github.com/doselog/doselog/internal/service"
	"github.com/doselog/doselog/internal/store"
	syncpkg "github.com/doselog/doselog/internal/sync"
	"github.com/doselog/doselog/internal/sync/queue"
	"github.com/doselog/doselog/internal/sync/scheduler"
	"github.com/doselog/doselog/internal/tombstone"
	"github.com/doselog/doselog/internal/uuid"
)

// app bundles the wired components for command handlers.
type app struct {
	store   *store.Store
	queue   *queue.Queue
	tracker *service.Tracker
	engine  *syncpkg.Engine
	backup  *export.Service
	cfg     config.Config
}

// open wires the full stack. Every collaborator is constructed here once
// and injected; nothing holds ambient state.
func open(cfg config.Config) (*app, error) {
	st, err := store.Open(cfg.DataDir, cfg.StorageQuotaBytes)
	if err != nil {
		return nil, err
	}

	clk := clock.System()
	q := queue.Load(st, clk)
	tombstones := tombstone.NewTracker(st, clk)

	tokens := auth.NewCachedTokenSource(
		auth.NewHTTPRefresh(cfg.AuthRefreshURL, cfg.AuthRefreshToken, nil), clk)
	remote := api.NewClient(&api.Config{
		BaseURL:           cfg.APIBaseURL,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}, tokens)

	return &app{
		store:   st,
		queue:   q,
		tracker: service.NewTracker(st, q, tombstones, clk),
		engine:  syncpkg.New(st, q, tombstones, remote, clk),
		backup:  export.NewService(st, q, clk),
		cfg:     cfg,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close store: %v\n", err)
	}
}

func newRootCmd(cfg config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:     "doselog",
		Short:   "Offline-first dose tracker sync core",
		Version: Version,
		Long: `doselog keeps a local replica of doses, vials and weight samples in
sync with a remote replica across intermittent connectivity.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newSyncCmd(cfg),
		newPullCmd(cfg),
		newStatusCmd(cfg),
		newDedupCmd(cfg),
		newQueueCmd(cfg),
		newExportCmd(cfg),
		newImportCmd(cfg),
		newDaemonCmd(cfg),
	)
	return root
}

func newSyncCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one full sync cycle (push queued mutations, then pull)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.engine.Sync(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("pushed=%d dropped=%d fetched=%d merged=%d (%s)\n",
				result.Process.Pushed, result.Process.Dropped,
				result.Pull.Fetched, result.Pull.Merged, result.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func newPullCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Fetch remote snapshots and merge them into the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.engine.Pull(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("fetched=%d merged=%d\n", result.Fetched, result.Merged)
			return nil
		},
	}
}

func newStatusCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and store status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			stats := a.queue.Stats()
			used, _ := a.store.UsedBytes()
			doc := a.tracker.Data()

			fmt.Printf("queue: pending=%d syncing=%d failed=%d\n",
				stats["pending"], stats["syncing"], stats["failed"])
			fmt.Printf("data: injections=%d vials=%d weights=%d (schema v%d)\n",
				len(doc.Injections), len(doc.Vials), len(doc.Weights), doc.SchemaVersion)
			if n := len(doc.Injections); n > 0 {
				last := doc.Injections[n-1]
				fmt.Printf("last dose: %.2f mg, %s, %s\n",
					last.Dose, models.SiteLabel(last.Site), last.Timestamp)
			}
			fmt.Printf("storage: %d bytes used\n", used)

			for _, op := range a.queue.Failed() {
				fmt.Printf("failed %s %s %s/%s (queued %s): %s\n",
					op.ID, op.Type, op.EntityType, op.EntityID,
					op.AddedAtTime().Format(time.RFC3339), op.LastError)
			}
			return nil
		},
	}
}

func newDedupCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "dedup",
		Short: "Collapse accidental duplicate records",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.tracker.RunDedup()
			if err != nil {
				return err
			}
			fmt.Printf("removed: injections=%d vials=%d weights=%d\n",
				report.InjectionsRemoved, report.VialsRemoved, report.WeightsRemoved)
			return nil
		},
	}
}

func newQueueCmd(cfg config.Config) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the sync queue",
	}

	clearCmd := &cobra.Command{
		Use:   "clear-failed [operation-id]",
		Short: "Clear failed operations (all of them when no id is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if len(args) == 1 {
				if err := uuid.Validate(args[0]); err != nil {
					return err
				}
				if err := a.tracker.ClearFailedOperation(args[0]); err != nil {
					return err
				}
				fmt.Println("cleared 1 operation")
				return nil
			}
			n, err := a.tracker.ClearAllFailed()
			if err != nil {
				return err
			}
			fmt.Printf("cleared %d operations\n", n)
			return nil
		},
	}

	queueCmd.AddCommand(clearCmd)
	return queueCmd
}

func newExportCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "export [path]",
		Short: "Write a backup archive of the local data",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			result, err := a.backup.Export(path)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %s: %d records, %d bytes\n",
				result.FilePath, result.RecordCount, result.SizeBytes)
			return nil
		},
	}
}

func newImportCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "import <path>",
		Short: "Restore records from a backup archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.backup.Import(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("imported=%d skipped=%d\n", result.Imported, result.Skipped)
			return nil
		},
	}
}

func newDaemonCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the background sync scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if _, err := a.tracker.Load(); err != nil {
				return err
			}

			sched := scheduler.New(a.engine, &scheduler.Config{
				SyncInterval:  cfg.SyncInterval,
				QueueInterval: cfg.QueueInterval,
				SyncTimeout:   5 * time.Minute,
			})
			sched.Start(cmd.Context())
			defer sched.Stop()

			statusCh, cancel := a.engine.Subscribe()
			defer cancel()
			go func() {
				for status := range statusCh {
					fmt.Printf("status: %s pending=%d failed=%d\n",
						status.State, status.Pending, status.Failed)
				}
			}()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			return nil
		},
	}
}
