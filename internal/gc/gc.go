// Package gc implements the garbage collector (component L): a mark-sweep
// pass over the content-addressed object store whose live set is the
// transitive closure reachable from every workspace root, every imported
// package, and every in-flight execution record.
package gc

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"go.trai.ch/e3/internal/adapters/hashutil"
	"go.trai.ch/e3/internal/adapters/packageloader"
	"go.trai.ch/e3/internal/core/domain"
	"go.trai.ch/e3/internal/core/ports"
	"go.trai.ch/zerr"
)

// DefaultMinAge is the age an unreferenced object or orphan temp file must
// reach before the sweep will delete it, giving in-flight writers room to
// link a freshly written object into a tree before it looks unreachable.
const DefaultMinAge = 60 * time.Second

// Options configures one Run.
type Options struct {
	// DryRun computes the report without deleting anything.
	DryRun bool

	// MinAge is the minimum object/temp-file age eligible for deletion.
	// Zero means DefaultMinAge.
	MinAge time.Duration
}

// Report summarizes one sweep.
type Report struct {
	RetainedObjects int
	DeletedObjects  int
	DeletedPartials int
	SkippedYoung    int
	BytesFreed      int64
}

// Collector runs mark-sweep collection across one repository's stores.
type Collector struct {
	repoDir    string
	objects    ports.ObjectStore
	trees      ports.TreeStore
	workspaces ports.WorkspaceStore
	packages   ports.PackageLoader
	execs      ports.ExecutionStore
	logger     ports.Logger
}

// New creates a Collector over repoDir's stores.
func New(repoDir string, objects ports.ObjectStore, trees ports.TreeStore,
	workspaces ports.WorkspaceStore, packages ports.PackageLoader,
	execs ports.ExecutionStore, logger ports.Logger,
) *Collector {
	return &Collector{
		repoDir: repoDir, objects: objects, trees: trees,
		workspaces: workspaces, packages: packages, execs: execs, logger: logger,
	}
}

// Run computes the live set, sweeps unreferenced objects older than
// opts.MinAge, and cleans up orphan *.partial temp files. Safe to run
// concurrently with other repository operations: a write racing the sweep
// either lands before the live-set snapshot (and is retained because it's
// reachable) or after the sweep has already passed its directory (and
// survives because the sweep never revisits a path once iterated).
func (c *Collector) Run(ctx context.Context, opts Options) (Report, error) {
	minAge := opts.MinAge
	if minAge <= 0 {
		minAge = DefaultMinAge
	}

	live, err := c.markLiveSet(ctx)
	if err != nil {
		return Report{}, zerr.Wrap(err, "failed to compute live set")
	}

	var report Report
	cutoff := time.Now().Add(-minAge)

	err = c.objects.Walk(func(hash domain.Hash, path string, size int64) error {
		if _, ok := live[hash]; ok {
			report.RetainedObjects++
			return nil
		}
		info, statErr := os.Stat(path)
		if statErr != nil {
			if os.IsNotExist(statErr) {
				return nil
			}
			return statErr
		}
		if info.ModTime().After(cutoff) {
			report.SkippedYoung++
			return nil
		}
		if !opts.DryRun {
			if err := c.objects.Remove(hash); err != nil {
				return err
			}
		}
		report.DeletedObjects++
		report.BytesFreed += size
		return nil
	})
	if err != nil {
		return Report{}, zerr.Wrap(err, "failed to sweep objects")
	}

	partials, err := c.sweepPartials(cutoff, opts.DryRun)
	if err != nil {
		return Report{}, zerr.Wrap(err, "failed to sweep orphan temp files")
	}
	report.DeletedPartials = partials.deleted
	report.SkippedYoung += partials.skipped
	report.BytesFreed += partials.bytesFreed

	if c.logger != nil {
		if opts.DryRun {
			c.logger.Info("gc dry run complete")
		} else {
			c.logger.Info("gc sweep complete")
		}
	}
	return report, nil
}

// markLiveSet builds the set of object hashes reachable from workspace
// roots, imported packages, and non-terminal execution records.
func (c *Collector) markLiveSet(ctx context.Context) (map[domain.Hash]struct{}, error) {
	live := newLiveSet()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.markWorkspaces(gctx, live) })
	g.Go(func() error { return c.markPackages(gctx, live) })
	g.Go(func() error { return c.markRunningExecutions(live) })
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return live.hashes, nil
}

// liveSet is a mutex-guarded hash set, written concurrently by the three
// mark phases.
type liveSet struct {
	mu     sync.Mutex
	hashes map[domain.Hash]struct{}
}

func newLiveSet() *liveSet {
	return &liveSet{hashes: make(map[domain.Hash]struct{})}
}

func (s *liveSet) add(hashes ...domain.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range hashes {
		if !h.IsZero() {
			s.hashes[h] = struct{}{}
		}
	}
}

func (c *Collector) markWorkspaces(ctx context.Context, live *liveSet) error {
	names, err := c.workspaces.List()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		state, err := c.workspaces.GetState(name)
		if err != nil {
			return err
		}
		if state.RootHash.IsZero() {
			continue
		}
		if err := c.markTree(live, state.RootHash); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) markPackages(ctx context.Context, live *liveSet) error {
	refs, err := c.packages.List()
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		live.add(ref.Hash)
		pkg, err := c.packages.Load(ref.Hash)
		if err != nil {
			return err
		}
		if err := c.markTree(live, pkg.DatasetsRoot); err != nil {
			return err
		}
		for _, task := range pkg.Tasks {
			taskHash, err := taskHashOf(task)
			if err != nil {
				return err
			}
			live.add(taskHash)
		}
	}
	return nil
}

// taskHashOf re-derives a task's content hash from its canonical wire
// encoding, the same way the planner recovers GraphTask.TaskHash: Load
// hydrates full Task values rather than keeping their object hash around.
func taskHashOf(t domain.Task) (domain.Hash, error) {
	raw, err := packageloader.EncodeTask(t)
	if err != nil {
		return domain.ZeroHash, err
	}
	return hashutil.DigestBytes(raw), nil
}

// markRunningExecutions marks the input hashes and task hash of every
// execution record still in RecordRunning state: a task mid-flight has not
// yet linked its output into any workspace tree, so only its recorded
// record keeps its inputs from looking unreferenced.
func (c *Collector) markRunningExecutions(live *liveSet) error {
	return c.execs.Walk(func(taskHash, _ domain.Hash, rec domain.ExecutionRecord) error {
		if rec.Kind != domain.RecordRunning {
			return nil
		}
		live.add(taskHash)
		live.add(rec.InputHashes...)
		return nil
	})
}

// markTree marks rootHash and every hash reachable from it via the tree
// engine's flattened recursive listing.
func (c *Collector) markTree(live *liveSet, rootHash domain.Hash) error {
	live.add(rootHash)
	refs, err := c.trees.ListTreeRecursive(rootHash, domain.RootPath(), 0)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		live.add(ref.Hash)
	}
	return nil
}

type partialSweep struct {
	deleted    int
	skipped    int
	bytesFreed int64
}

// sweepPartials walks the whole repository tree looking for leftover
// *.partial temp files: objectstore, executionstore, and workspacestore all
// write through a temp-file-then-rename, so a process killed between the
// two leaves an orphan at the object store's or a record's own directory.
func (c *Collector) sweepPartials(cutoff time.Time, dryRun bool) (partialSweep, error) {
	var result partialSweep
	err := filepath.WalkDir(c.repoDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".partial") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(cutoff) {
			result.skipped++
			return nil
		}
		if !dryRun {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		result.deleted++
		result.bytesFreed += info.Size()
		return nil
	})
	if err != nil {
		return partialSweep{}, err
	}
	return result, nil
}
