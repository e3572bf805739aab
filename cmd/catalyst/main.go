package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/throw-if-null/catalyst/internal/attempts"
	"github.com/throw-if-null/catalyst/internal/config"
	"github.com/throw-if-null/catalyst/internal/events"
	"github.com/throw-if-null/catalyst/internal/logging"
	"github.com/throw-if-null/catalyst/internal/paths"
	"github.com/throw-if-null/catalyst/internal/profiles"
	"github.com/throw-if-null/catalyst/internal/provision"
	"github.com/throw-if-null/catalyst/internal/server"
	"github.com/throw-if-null/catalyst/internal/store"
	"github.com/throw-if-null/catalyst/internal/telemetry"
	"github.com/throw-if-null/catalyst/internal/version"
)

// overridable in tests
var (
	dotenvLoad    = godotenv.Load
	telemetryInit = telemetry.Init
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "catalyst",
		Short:         "Orchestrate coding-agent attempts on git worktrees",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var repo string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the catalyst daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if repo == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				repo = wd
			}
			err := serve(cmd.Context(), repo)
			if err != nil {
				_, _ = fmt.Fprintln(os.Stderr, "catalyst:", err)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "repository root holding .catalyst/ (default: working directory)")
	return cmd
}

type daemon struct {
	addr     string
	handler  http.Handler
	log      *zap.Logger
	shutdown func(context.Context) error
}

// setup wires the daemon for repoRoot. The returned shutdown stops running
// attempts and releases the store, watchers and tracer.
func setup(ctx context.Context, repoRoot string) (*daemon, error) {
	_ = dotenvLoad()

	res := config.Load(repoRoot)
	if res.ParseError != nil {
		return nil, fmt.Errorf("load %s: %w", res.Path, res.ParseError)
	}
	cfg := res.Config
	cfg.ApplyEnv(os.Getenv)
	cfg.Resolve(repoRoot)

	log, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return nil, err
	}
	if res.Found {
		log.Info("loaded config", zap.String("path", res.Path))
	}

	shutdownTracer, err := telemetryInit(ctx, telemetry.ConfigFromEnv("catalyst", version.Version, os.Getenv))
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		_ = shutdownTracer(ctx)
		return nil, err
	}
	reconciled, err := st.ReconcileInFlightProcesses(ctx)
	if err != nil {
		_ = st.Close()
		_ = shutdownTracer(ctx)
		return nil, fmt.Errorf("reconcile in-flight processes: %w", err)
	}
	if len(reconciled) > 0 {
		log.Warn("marked processes from a previous run as killed", zap.Int("tasks", len(reconciled)))
	}

	userFile := cfg.Profiles.UserFile
	if userFile == "" {
		userFile = profiles.DefaultUserFile()
	}
	base, err := profiles.LoadBase(userFile)
	if err != nil {
		log.Warn("user profiles unusable, using built-in profiles", zap.String("path", userFile), zap.Error(err))
		if base, err = profiles.Defaults(); err != nil {
			_ = st.Close()
			_ = shutdownTracer(ctx)
			return nil, err
		}
	}
	pm := profiles.NewManager(base, profiles.Options{
		PollInterval: cfg.Profiles.PollInterval(),
		Debounce:     cfg.Profiles.Debounce(),
		Logger:       logging.Component(log, "profiles"),
	})

	hub := events.NewHub(events.DefaultBuffer, logging.Component(log, "events"))
	svc := attempts.NewService(st, pm, hub,
		attempts.Config{BranchPrefix: cfg.Worktrees.BranchPrefix},
		logging.Component(log, "attempts"))
	launcher := provision.NewLauncher(provision.Config{
		WorktreeRoot: cfg.Worktrees.Dir,
		LogsDir:      filepath.Join(repoRoot, paths.ConfigDir, "logs"),
		AgentCommand: cfg.Agent.Command,
	}, svc, nil, nil, logging.Component(log, "provision"))
	svc.SetLauncher(launcher)

	srv := server.New(svc, hub, logging.Component(log, "server"))

	shutdown := func(ctx context.Context) error {
		launcher.Close()
		errs := []error{pm.Close(), st.Close(), shutdownTracer(ctx)}
		_ = log.Sync()
		return errors.Join(errs...)
	}
	return &daemon{addr: cfg.Server.Addr, handler: srv.Handler(), log: log, shutdown: shutdown}, nil
}

func serve(ctx context.Context, repoRoot string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := setup(ctx, repoRoot)
	if err != nil {
		return err
	}

	hs := &http.Server{Addr: d.addr, Handler: d.handler, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		d.log.Info("catalyst listening", zap.String("addr", "http://"+d.addr), zap.String("version", version.String()))
		errc <- hs.ListenAndServe()
	}()

	select {
	case err = <-errc:
	case <-ctx.Done():
		d.log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = hs.Shutdown(sctx)
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(err, d.shutdown(sctx))
}
