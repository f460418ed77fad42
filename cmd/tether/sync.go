package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-tether/v1/config"
	"github.com/mirkobrombin/go-tether/v1/docstore"
	"github.com/mirkobrombin/go-tether/v1/namespace"
	"github.com/mirkobrombin/go-tether/v1/presets"
	"github.com/mirkobrombin/go-tether/v1/syncengine"
	"github.com/mirkobrombin/go-tether/v1/task"
	"github.com/mirkobrombin/go-tether/v1/validator"
)

var syncCmd = &cobra.Command{
	Use:   "sync [tag]",
	Short: "Keep the local cache in step with the push channel",
	Long: `Connect to the push channel and apply every snapshot to the cache.
When the channel stays unreachable the document store is polled instead.
The optional tag selects the context whose invalidations are published
(default "general").`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.Sync.Enabled {
		slog.Info("tether: sync disabled")
		return nil
	}
	tag := namespace.General
	if len(args) == 1 {
		tag = args[0]
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := presets.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer stack.Close()

	ds := docstore.New(cfg.DocStore.URL, nil)
	engine := syncengine.New(engineConfig(cfg, tag), stack.Cache,
		syncengine.WithWatchBus(stack.Watch),
		syncengine.WithFallback(syncengine.NewPoller(ds, cfg.Sync.PollInterval(), task.MatchTag(cfg.Sync.PollTag))),
		syncengine.OnSync(func(s task.Snapshot) {
			slog.Info("tether: synced", "documents", s.Metadata.Total, "source", s.Metadata.SourceTag)
		}),
		syncengine.OnError(func(err error) {
			slog.Warn("tether: sync error", "error", err)
		}),
	)
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop()

	mode, ok := validator.ParseMode(cfg.Audit.Mode)
	if !ok {
		return fmt.Errorf("tether: unknown audit mode %q", cfg.Audit.Mode)
	}
	audit := validator.New(stack.Cache, ds, engine, mode, cfg.Audit.Interval(),
		validator.WithFilter(task.MatchTag(cfg.Sync.PollTag)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		audit.Run(gctx)
		// a noop audit returns at once; keep syncing until interrupted
		<-gctx.Done()
		return nil
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return listen(gctx, metricsServer(cfg.Metrics.Addr, stack.Watch)) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	st := engine.Status()
	slog.Info("tether: sync stopped", "state", st.State.String(), "syncs", st.SyncCount, "lastSync", engine.LastSyncedText())
	return nil
}

func engineConfig(cfg *config.Config, tag string) syncengine.Config {
	maxAttempts := cfg.Sync.MaxReconnectAttempts
	if maxAttempts == 0 {
		// zero in the file means never reconnect
		maxAttempts = -1
	}
	return syncengine.Config{
		URL:                  cfg.Sync.ChannelURL,
		ContextKey:           namespace.ContextKey(cfg.Lock.ProjectPath, tag),
		HeartbeatInterval:    cfg.Sync.HeartbeatInterval(),
		GracePeriod:          cfg.Sync.GracePeriod(),
		ReconnectInterval:    cfg.Sync.ReconnectInterval(),
		MaxReconnectAttempts: maxAttempts,
	}
}
