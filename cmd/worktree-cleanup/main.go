package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/throw-if-null/catalyst/internal/api"
	"github.com/throw-if-null/catalyst/internal/config"
	"github.com/throw-if-null/catalyst/internal/logging"
	"github.com/throw-if-null/catalyst/internal/store"
	"github.com/throw-if-null/catalyst/internal/worktree"
)

var dotenvLoad = godotenv.Load

func main() {
	if err := newRootCmd(os.Stdout, os.Getenv).Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "worktree-cleanup:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer, getenv func(string) string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "worktree-cleanup",
		Short: "Report or remove worktrees that no attempt references",
		Long: `Scans the worktree root for directories that no active attempt in the
store points at. By default only a report is printed; --force deletes them.

Environment:
  CATALYST_WORKTREE_DIR   worktree root (default .catalyst/worktrees)
  CATALYST_DATABASE_PATH  store path (default .catalyst/catalyst.db)`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), getenv, force)
		},
	}
	cmd.SetOut(out)
	cmd.Flags().BoolVarP(&force, "force", "f", false, "delete orphaned worktrees instead of only reporting them")
	return cmd
}

func run(ctx context.Context, out io.Writer, getenv func(string) string, force bool) error {
	_ = dotenvLoad()

	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	res := config.Load(wd)
	if res.ParseError != nil {
		return fmt.Errorf("load %s: %w", res.Path, res.ParseError)
	}
	cfg := res.Config
	cfg.ApplyEnv(getenv)
	cfg.Resolve(wd)

	level := cfg.Log.Level
	if getenv("CATALYST_LOG_LEVEL") == "" {
		// the report goes to stdout; keep stderr for problems
		level = "warn"
	}
	log, err := logging.New(level, cfg.Log.JSON)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	var lister worktree.ActiveLister
	st, err := store.OpenExisting(cfg.Storage.DatabasePath)
	if err != nil {
		log.Warn("store unavailable", zap.String("path", cfg.Storage.DatabasePath), zap.Error(err))
	} else {
		defer st.Close()
		lister = st
	}

	r := worktree.NewReconciler(cfg.Worktrees.Dir, lister, logging.Component(log, "worktree"))
	plan, err := r.Plan(ctx)
	if err != nil {
		return err
	}
	if !force {
		printPlan(out, plan)
		return nil
	}
	printHeader(out, plan)
	result := r.Remove(ctx, plan, func(wt api.WorktreeInfo, err error) {
		printProgress(out, wt, err)
	})
	printSummary(out, result)
	return nil
}

func printHeader(out io.Writer, p *worktree.Plan) {
	_, _ = fmt.Fprintf(out, "Worktree root: %s\n", p.Root)
	if !p.StoreAvailable {
		_, _ = fmt.Fprintln(out, color.YellowString("Store unavailable: every worktree is treated as orphaned"))
	}
}

func printPlan(out io.Writer, p *worktree.Plan) {
	printHeader(out, p)
	if len(p.Orphans) == 0 {
		_, _ = fmt.Fprintln(out, color.GreenString("No orphaned worktrees"))
		return
	}
	_, _ = fmt.Fprintf(out, "Orphaned worktrees (%d):\n", len(p.Orphans))
	for _, wt := range p.Orphans {
		_, _ = fmt.Fprintf(out, "  %s  %s\n", wt.Name, color.HiBlackString(worktree.FormatBytes(wt.Size)))
	}
	_, _ = fmt.Fprintf(out, "Reclaimable: %s\n", worktree.FormatBytes(p.TotalBytes))
	_, _ = fmt.Fprintln(out, "Dry run; pass --force to delete.")
}

func printProgress(out io.Writer, wt api.WorktreeInfo, err error) {
	if err != nil {
		_, _ = fmt.Fprintf(out, "  %s %s  %v\n", color.RedString("failed"), wt.Name, err)
		return
	}
	_, _ = fmt.Fprintf(out, "  %s %s  %s\n", color.GreenString("removed"), wt.Name, worktree.FormatBytes(wt.Size))
}

func printSummary(out io.Writer, r *worktree.Result) {
	_, _ = fmt.Fprintf(out, "Removed %d, failed %d, reclaimed %s\n",
		len(r.Removed), len(r.Failed), worktree.FormatBytes(r.ReclaimedBytes))
}
