package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/user/researchview/internal/api"
	"github.com/user/researchview/internal/config"
	"github.com/user/researchview/internal/delivery"
	"github.com/user/researchview/internal/gateway"
	"github.com/user/researchview/internal/ingest"
	"github.com/user/researchview/internal/markdown"
	"github.com/user/researchview/internal/scheduler"
	"github.com/user/researchview/internal/state"
	"github.com/user/researchview/internal/telegram"
	"github.com/user/researchview/internal/timeline"
	"github.com/user/researchview/internal/tokens"
	"github.com/user/researchview/internal/types"
)

const inboxLimit = 100

var serveAttach []string

func init() {
	serveCmd.Flags().StringArrayVar(&serveAttach, "attach", nil, "follow a JSONL event file as a new session (repeatable)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the researchview daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

// timelineOptions builds the render and token options shared by serve and
// replay.
func timelineOptions(cfg *config.Config, logger *slog.Logger, renderer types.Renderer) []timeline.Option {
	opts := []timeline.Option{
		timeline.WithRenderer(renderer),
		timeline.WithMaxConcurrentRenders(cfg.Render.MaxConcurrent),
		timeline.WithLogger(logger),
	}
	counter, err := tokens.New(cfg.Tokens.Encoding)
	if err != nil {
		logger.Warn("token counting disabled", "encoding", cfg.Tokens.Encoding, "error", err)
		return opts
	}
	return append(opts, timeline.WithTokenCounter(counter))
}

func newNotifier(cfg *config.Config, logger *slog.Logger) (*delivery.Registry, *delivery.Inbox, error) {
	registry := delivery.NewRegistry(logger)
	registry.Register("log", delivery.LogSink{Logger: logger}, types.LevelInfo)

	inbox := delivery.NewInbox(inboxLimit)
	registry.Register("inbox", inbox, types.LevelWarn)

	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
		tg, err := telegram.New(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			return nil, nil, fmt.Errorf("create telegram notifier: %w", err)
		}
		registry.Register("telegram", tg, types.LevelError)
		logger.Info("telegram notifications enabled", "chat_id", cfg.Telegram.ChatID)
	} else {
		logger.Warn("telegram notifications disabled (no token or chat id)")
	}
	return registry, inbox, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger := setupLogging(cfg)

	history, closeHistory, err := openHistory(cfg)
	if err != nil {
		return err
	}
	defer closeHistory()

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	events := state.NewEventLog(cfg.DataDir)

	notifier, inbox, err := newNotifier(cfg, logger)
	if err != nil {
		return err
	}

	gw := gateway.New(history,
		gateway.WithEventLog(events),
		gateway.WithNotifier(notifier),
		gateway.WithLogger(logger),
		gateway.WithMaxConcurrent(int64(cfg.MaxConcurrent)),
		gateway.WithRenderTimeout(cfg.RenderTimeout()),
		gateway.WithTimelineOptions(timelineOptions(cfg, logger, markdown.NewHTMLRenderer())...),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stop, not ctx, ends the gateway: it still has to archive live sessions.
	gw.Start(context.Background())
	defer gw.Stop()

	slog.Info("researchview started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"history_backend", cfg.History.Backend,
		"max_concurrent", cfg.MaxConcurrent,
		"pid_file", pidPath,
	)

	sched := scheduler.New(logger)
	if cfg.History.RetentionDays > 0 {
		retention := &scheduler.Retention{
			History: history,
			MaxAge:  cfg.Retention(),
			Delete:  gw.Delete,
			Logger:  logger,
		}
		if err := sched.Add(retention.Task(cfg.History.PruneSchedule)); err != nil {
			return fmt.Errorf("schedule retention: %w", err)
		}
	}
	sched.Start()
	defer sched.Stop()

	for _, path := range serveAttach {
		if err := attachFile(ctx, gw, path, logger); err != nil {
			return err
		}
	}

	if cfg.HTTP.Enabled {
		if cfg.SlogLevel() > slog.LevelDebug {
			gin.SetMode(gin.ReleaseMode)
		}
		router := api.SetupRouter(gw, history, api.RouterConfig{
			Events:  events,
			Exports: state.NewExportStore(cfg.DataDir),
			Inbox:   inbox,
			Logger:  logger,
		})
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("http server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "error", err)
				cancel()
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			httpServer.Shutdown(shutdownCtx)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case <-ctx.Done():
			return errors.New("http server stopped")
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, restarting", "live_sessions", len(gw.Live()))
				gw.Stop()
				if err := reexec(cfg, pidPath); err != nil {
					return fmt.Errorf("re-exec: %w", err)
				}
				return nil
			}
			slog.Info("shutting down", "signal", sig, "live_sessions", len(gw.Live()))
			return nil
		}
	}
}

// attachFile creates a session fed by a followed JSONL file. The file is
// expected to start with the question event.
func attachFile(ctx context.Context, gw *gateway.Gateway, path string, logger *slog.Logger) error {
	sub, err := ingest.OpenFile(path, ingest.Follow(), ingest.WithLogger(logger))
	if err != nil {
		return err
	}
	id, err := gw.Create(ctx, "")
	if err != nil {
		sub.Close()
		return err
	}
	if err := gw.Attach(ctx, id, sub); err != nil {
		sub.Close()
		return err
	}
	logger.Info("attached event file", "session_id", string(id), "path", path)
	return nil
}

// reexec replaces the process with a fresh copy of itself. Callers archive
// live sessions first.
func reexec(cfg *config.Config, pidPath string) error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}
	os.Remove(pidPath)
	if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
		if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
			slog.Error("failed to re-write PID file", "error", writeErr)
		}
		return err
	}
	return nil
}
