package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/agentworkforce/relaycollab/internal/audit"
	"github.com/agentworkforce/relaycollab/internal/collab"
	"github.com/agentworkforce/relaycollab/internal/conflict"
	"github.com/agentworkforce/relaycollab/internal/delivery"
	"github.com/agentworkforce/relaycollab/internal/docstore"
	"github.com/agentworkforce/relaycollab/internal/httpapi"
	"github.com/agentworkforce/relaycollab/internal/hub"
	"github.com/agentworkforce/relaycollab/internal/wire"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

type serveFlags struct {
	configPath     string
	addr           string
	storeDSN       string
	auditDSN       string
	logLevel       string
	autoStrategy   string
	conflictWindow time.Duration
	requireAuth    bool
}

func newServeCommand() *cobra.Command {
	return newServeCommandWith(&serveFlags{})
}

func newServeCommandWith(flags *serveFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collaboration server",
		Long: `Run the HTTP and websocket server.

Configuration is read from defaults, then the YAML file given with --config
(or RELAYCOLLAB_CONFIG), then RELAYCOLLAB_* environment variables, then flags.

Example:
  relaycollab serve --addr :8080 --store file://./data
  relaycollab serve --config relaycollab.yaml --auto-strategy merge`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd, flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.configPath, "config", os.Getenv("RELAYCOLLAB_CONFIG"), "path to a YAML config file")
	f.StringVar(&flags.addr, "addr", "", "listen address")
	f.StringVar(&flags.storeDSN, "store", "", "document store DSN (memory://, file://dir, sqlite://path, postgres://...)")
	f.StringVar(&flags.auditDSN, "audit", "", "audit recorder DSN (log, memory://, sqlite://path, postgres://...)")
	f.StringVar(&flags.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	f.StringVar(&flags.autoStrategy, "auto-strategy", "", "automatic conflict resolution strategy")
	f.DurationVar(&flags.conflictWindow, "conflict-window", 0, "conflict detection timing window")
	f.BoolVar(&flags.requireAuth, "require-auth", false, "refuse websocket connections without a token")
	return cmd
}

func resolveConfig(cmd *cobra.Command, flags *serveFlags) (Config, error) {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return Config{}, err
	}
	changed := cmd.Flags().Changed
	if changed("addr") {
		cfg.Addr = flags.addr
	}
	if changed("store") {
		cfg.StoreDSN = flags.storeDSN
	}
	if changed("audit") {
		cfg.AuditDSN = flags.auditDSN
	}
	if changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if changed("auto-strategy") {
		cfg.Conflict.AutoStrategy = flags.autoStrategy
	}
	if changed("conflict-window") {
		cfg.Conflict.Window = flags.conflictWindow
	}
	if changed("require-auth") {
		cfg.RequireAuth = flags.requireAuth
	}
	return cfg, cfg.validate()
}

func newLogger(level string) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "relaycollab",
	})
	if parsed, err := log.ParseLevel(level); err == nil {
		logger.SetLevel(parsed)
	}
	return logger
}

// app holds the wired components of one server process.
type app struct {
	cfg      Config
	logger   *log.Logger
	store    docstore.Store
	backend  audit.Recorder
	queue    *delivery.Queue
	engine   *conflict.Engine
	hub      *hub.Hub
	orch     *collab.Orchestrator
	handler  http.Handler
	wg       sync.WaitGroup
	stopOnce sync.Once

	conflictsDetected atomic.Int64
	conflictsResolved atomic.Int64
}

func buildApp(cfg Config, logger *log.Logger) (*app, error) {
	store, err := docstore.BuildStoreFromDSN(cfg.StoreDSN)
	if err != nil {
		return nil, fmt.Errorf("document store: %w", err)
	}
	if fs, ok := store.(*docstore.FileStore); ok {
		fs.Logger = logger
	}
	backend, err := audit.BuildRecorderFromDSN(cfg.AuditDSN, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("audit recorder: %w", err)
	}

	queue := delivery.New(delivery.Options{
		MaxConcurrency:     cfg.Queue.MaxConcurrency,
		ProcessingTimeout:  cfg.Queue.ProcessingTimeout,
		BaseRetryDelay:     cfg.Queue.BaseRetryDelay,
		MaxRetryDelay:      cfg.Queue.MaxRetryDelay,
		DefaultMaxRetries:  cfg.Queue.MaxRetries,
		DeadLetterCapacity: cfg.Queue.DeadLetterCapacity,
		Logger:             logger,
	})
	engine := conflict.NewEngine(conflict.Options{
		TimingWindow:             cfg.Conflict.Window,
		DisablePositionConflicts: cfg.Conflict.DisablePositionConflicts,
		DetectDataConflicts:      cfg.Conflict.DetectDataConflicts,
		HistoryLimit:             cfg.Conflict.HistoryLimit,
		Logger:                   logger,
	})
	h := hub.New(hub.Options{
		HeartbeatTimeout:  cfg.Hub.HeartbeatTimeout,
		HeartbeatInterval: cfg.Hub.HeartbeatInterval,
		SendBuffer:        cfg.Hub.SendBuffer,
		RequestTimeout:    cfg.HTTP.RequestTimeout,
		Identify:          httpapi.IdentifyConnection(cfg.JWTSecret, cfg.RequireAuth),
		Logger:            logger,
	})
	orch, err := collab.New(collab.Options{
		Store:        store,
		Engine:       engine,
		Broadcaster:  h,
		Recorder:     audit.NewQueuedRecorder(queue, backend),
		AutoStrategy: conflict.Strategy(cfg.Conflict.AutoStrategy),
		Logger:       logger,
	})
	if err != nil {
		h.Close()
		_ = queue.Stop(context.Background())
		_ = store.Close()
		return nil, err
	}
	h.SetHandler(orch)

	server := httpapi.NewServerWithConfig(httpapi.Deps{Orchestrator: orch, Hub: h, Queue: queue}, httpapi.ServerConfig{
		JWTSecret:          cfg.JWTSecret,
		InternalHMACSecret: cfg.InternalHMACSecret,
		RateLimitMax:       cfg.HTTP.RateLimitMax,
		RateLimitWindow:    cfg.HTTP.RateLimitWindow,
		MaxBodyBytes:       cfg.HTTP.MaxBodyBytes,
		RequestTimeout:     cfg.HTTP.RequestTimeout,
		Logger:             logger,
	})
	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		backend: backend,
		queue:   queue,
		engine:  engine,
		hub:     h,
		orch:    orch,
		handler: server,
	}
	engine.OnDetected(a.conflictDetected)
	engine.OnResolved(a.conflictResolved)
	return a, nil
}

func (a *app) conflictDetected(c conflict.Case) {
	a.conflictsDetected.Add(1)
	a.logger.Info("conflict detected", "caseId", c.ID, "kind", c.Kind, "documentId", c.DocumentID,
		"operations", len(c.Operations))
}

func (a *app) conflictResolved(c conflict.Case) {
	a.conflictsResolved.Add(1)
	if c.Resolution == nil {
		return
	}
	a.logger.Info("conflict resolved", "caseId", c.ID, "strategy", c.Resolution.Strategy,
		"winner", c.Resolution.WinningOperationID, "rejected", len(c.Resolution.RejectedOperationIDs))
}

// start launches the background loops: resolved-case cleanup and, for the
// file store, propagation of edits made outside the process.
func (a *app) start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.engine.RunCleanup(ctx, a.cfg.Conflict.CleanupInterval, a.cfg.Conflict.ResolvedRetention)
	}()
	fs, ok := a.store.(*docstore.FileStore)
	if !ok {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := fs.Watch(ctx, a.broadcastExternal); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("document watcher stopped", "dir", fs.Dir, "error", err)
		}
	}()
}

func (a *app) broadcastExternal(change docstore.ExternalChange) {
	out := wire.Change{
		Kind:       "external",
		Action:     collab.ActionUpdateDocument,
		TargetType: string(conflict.TargetDocument),
		TargetID:   change.DocumentID,
	}
	if change.Removed {
		out.Action = collab.ActionDeleteDocument
	} else {
		out.Data = map[string]any{"version": change.Document.Version, "hash": change.Document.Hash}
	}
	delivered := a.hub.Broadcast(change.DocumentID, []wire.Change{out}, wire.SourceUser)
	a.logger.Info("external document change", "documentId", change.DocumentID, "removed", change.Removed, "delivered", delivered)
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.logger.Info("conflict totals", "detected", a.conflictsDetected.Load(), "resolved", a.conflictsResolved.Load())
		a.hub.Close()
		if err := a.queue.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop queue: %w", err))
		}
		a.wg.Wait()
		if closer, ok := a.backend.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close audit recorder: %w", err))
			}
		}
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	})
	return errors.Join(errs...)
}

func serve(ctx context.Context, cfg Config) error {
	logger := newLogger(cfg.LogLevel)
	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.start(runCtx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("relaycollab listening", "addr", cfg.Addr, "store", docstore.RedactDSN(cfg.StoreDSN), "strategy", cfg.Conflict.AutoStrategy)
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down", "cause", context.Cause(ctx))
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}
	cancel()

	shutdownCtx, release := context.WithTimeout(context.Background(), 15*time.Second)
	defer release()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return errors.Join(serveErr, a.close(shutdownCtx))
}
