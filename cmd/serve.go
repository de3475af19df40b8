package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tugdl/tug/internal/config"
	"github.com/tugdl/tug/internal/history"
	"github.com/tugdl/tug/internal/logx"
	"github.com/tugdl/tug/internal/queue"
	"github.com/tugdl/tug/internal/scheduler"
	"github.com/tugdl/tug/internal/server"
	"github.com/tugdl/tug/internal/utils"
)

func newServeCmd() *cobra.Command {
	var listen string
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve [--listen :7560] [--config path]",
		Short: "Run the download queue daemon",
		Long: `Run the queue daemon: a persistent task queue with a REST API and a
websocket event stream. Tasks survive restarts through the event log and
finished downloads are archived to the history database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logx.Get("serve")
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
				return err
			}

			eventLog, err := queue.OpenEventLog(cfg.EventLogPath())
			if err != nil {
				return err
			}
			store, err := history.NewStore(cfg.HistoryPath())
			if err != nil {
				return err
			}

			runner := scheduler.NewQueueRunner(utils.HTTPClientConfig{
				UserAgent: cfg.UserAgent,
				ProxyURL:  cfg.Proxy,
			})
			manager, err := queue.NewManager(queue.Config{
				MaxConcurrent:  cfg.MaxConcurrent,
				Segments:       cfg.Segments,
				StallThreshold: cfg.StallThreshold(),
				KeepPartial:    cfg.KeepPartial,
			}, eventLog, runner,
				queue.WithPreflight(func(spec queue.RunSpec) error {
					path := spec.OutputPath
					if path == "" {
						path = "."
					}
					return utils.CheckDiskSpace(path, 1)
				}),
				queue.WithTerminalHook(func(t queue.Task) {
					entry := archiveEntry(t)
					if err := store.Record(context.Background(), &entry); err != nil {
						log.Warn().Err(err).Str("task", t.ID).Msg("could not archive finished task")
					}
				}),
			)
			if err != nil {
				return err
			}
			manager.Start()

			server.Version = TugVersion
			srv := server.New(manager, store, cfg.DataDir)

			// Shut everything down in dependency order on the first signal.
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				log.Info().Msg("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("server shutdown")
				}
			}()

			log.Info().Str("listen", cfg.Listen).Str("data_dir", cfg.DataDir).Msg("daemon listening")
			err = srv.Run(cfg.Listen)

			if closeErr := manager.Close(); closeErr != nil {
				log.Warn().Err(closeErr).Msg("event log compaction")
			}
			if storeErr := store.Close(); storeErr != nil {
				log.Warn().Err(storeErr).Msg("history store close")
			}
			return err
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides config)")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file (default ~/.tug/config.yaml)")
	return cmd
}

// archiveEntry maps a finished task to its history row.
func archiveEntry(t queue.Task) history.Entry {
	size := t.TotalSize
	if size == 0 {
		size = t.Progress
	}
	return history.Entry{
		ID:         t.ID,
		URL:        t.URL,
		Kind:       t.Kind,
		Format:     t.Format,
		OutputPath: t.OutputPath,
		Size:       size,
		Status:     t.Status.String(),
		Reason:     t.LastError,
		Class:      string(t.FailureClass),
		CreatedAt:  t.CreatedAt,
		FinishedAt: t.UpdatedAt,
	}
}
