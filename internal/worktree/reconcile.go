// Package worktree finds and removes attempt worktrees that no attempt in
// the store still references.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/throw-if-null/catalyst/internal/api"
	"github.com/throw-if-null/catalyst/internal/telemetry"
)

// ActiveLister returns worktree paths of attempts whose worktree has not
// been marked deleted.
type ActiveLister interface {
	ActiveWorktreePaths(ctx context.Context) ([]string, error)
}

type Reconciler struct {
	root   string
	active ActiveLister
	log    *zap.Logger

	removeAll func(string) error
}

// NewReconciler builds a reconciler for root. A nil lister means no store
// is available and every worktree is an orphan.
func NewReconciler(root string, active ActiveLister, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{root: root, active: active, log: log, removeAll: os.RemoveAll}
}

type Plan struct {
	Root       string
	Orphans    []api.WorktreeInfo
	Active     int
	TotalBytes int64
	// StoreAvailable is false when orphans were computed without a store.
	StoreAvailable bool
}

type Failure struct {
	Worktree api.WorktreeInfo
	Err      error
}

type Result struct {
	Plan
	Removed        []api.WorktreeInfo
	Failed         []Failure
	ReclaimedBytes int64
}

// Plan computes the orphan set without touching the filesystem.
func (r *Reconciler) Plan(ctx context.Context) (*Plan, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "worktree.plan")
	defer span.End()

	disk, err := Scan(r.root)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	p := &Plan{Root: r.root}

	active := map[string]bool{}
	if r.active != nil {
		paths, err := r.active.ActiveWorktreePaths(ctx)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("list active worktrees: %w", err)
		}
		for _, ap := range paths {
			active[normalize(ap)] = true
		}
		p.StoreAvailable = true
	} else {
		r.log.Warn("no store available, treating every worktree as orphaned", zap.String("root", r.root))
	}

	for _, wt := range disk {
		if active[normalize(wt.Path)] {
			p.Active++
			continue
		}
		p.Orphans = append(p.Orphans, wt)
		p.TotalBytes += wt.Size
	}
	span.SetAttributes(
		attribute.Int("worktree.orphans", len(p.Orphans)),
		attribute.Int64("worktree.orphan_bytes", p.TotalBytes),
	)
	return p, nil
}

// Progress is told about each orphan as soon as its removal finishes; err
// is nil on success.
type Progress func(wt api.WorktreeInfo, err error)

// Cleanup plans and then removes every orphan.
func (r *Reconciler) Cleanup(ctx context.Context, progress Progress) (*Result, error) {
	plan, err := r.Plan(ctx)
	if err != nil {
		return nil, err
	}
	return r.Remove(ctx, plan, progress), nil
}

// Remove deletes the orphans of plan. A failed removal is logged and
// recorded; the rest of the batch still runs. Cancelling ctx stops before
// the next orphan.
func (r *Reconciler) Remove(ctx context.Context, plan *Plan, progress Progress) *Result {
	res := &Result{Plan: *plan}
	for _, wt := range plan.Orphans {
		if ctx.Err() != nil {
			break
		}
		start := time.Now()
		err := r.removeAll(wt.Path)
		if err != nil {
			r.log.Error("remove orphaned worktree", zap.String("path", wt.Path), zap.Error(err))
			res.Failed = append(res.Failed, Failure{Worktree: wt, Err: err})
		} else {
			r.log.Info("removed orphaned worktree",
				zap.String("path", wt.Path),
				zap.Int64("bytes", wt.Size),
				zap.Duration("took", time.Since(start)),
			)
			res.Removed = append(res.Removed, wt)
			res.ReclaimedBytes += wt.Size
		}
		if progress != nil {
			progress(wt, err)
		}
	}
	return res
}

func normalize(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return filepath.Clean(p)
}
