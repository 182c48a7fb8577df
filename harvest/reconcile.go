package harvest

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Reconciler brings the local mirror back in sync with the provider's
// current upstream identifier set after a successful incremental run.
//
// Providers without a deletion signal get the mark-and-sweep path: a fresh
// full identifier listing is paginated into a snapshot file, every mirrored
// file still present upstream is drained into a staging directory, leftovers
// are deleted with a DELETE audit entry each, and the staging directory is
// renamed over the original so consumers see the sweep as all-or-nothing.
// Providers with an explicit deletion signal get the cheap path: the names in
// the deletion-list file are removed directly.
//
// Fail-safe rule: any listing failure aborts before a single file is touched.
// Stale data is preferred over incorrect deletion.
type Reconciler struct {
	provider *Provider
	strategy Strategy
	stats    *Statistic
	history  *History

	workDir string
	dirs    []string

	sleep func(time.Duration)
}

// NewReconciler prepares reconciliation for one provider run. dirs are the
// mirrored output directories to keep in sync.
func NewReconciler(p *Provider, st Strategy, stats *Statistic, history *History, workDir string, dirs []string) *Reconciler {
	return &Reconciler{
		provider: p,
		strategy: st,
		stats:    stats,
		history:  history,
		workDir:  workDir,
		dirs:     dirs,
		sleep:    time.Sleep,
	}
}

// SnapshotPath is where the temporary full-listing snapshot for a provider
// lives during mark-and-sweep.
func SnapshotPath(workDir string, p *Provider) string {
	return filepath.Join(workDir, p.FileName()+"-current.ids")
}

// DeletionListPath is where the harvesting path leaves the list of filenames
// reported deleted upstream, for providers with an explicit deletion signal.
func DeletionListPath(workDir string, p *Provider) string {
	return filepath.Join(workDir, p.FileName()+"-deleted.ids")
}

// Execute runs the deletion-mode-appropriate path and ends with a run-level
// audit summary. A returned error means the mirror was left as found (or, for
// filesystem errors, that the sweep stopped where it failed).
func (r *Reconciler) Execute(ctx context.Context, prefixes []string) error {
	var err error
	switch r.provider.DeletionMode {
	case DeletionModeTransient, DeletionModePersistent:
		err = r.applyDeletionList()
	default:
		err = r.markAndSweep(ctx, prefixes)
	}
	if err != nil {
		return err
	}
	return r.history.LogHarvest(r.stats.Elapsed(), r.stats.Requests(), r.stats.Harvested())
}

/* ========================= Mark and sweep ========================= */

func (r *Reconciler) markAndSweep(ctx context.Context, prefixes []string) error {
	snapshot := SnapshotPath(r.workDir, r.provider)
	current, err := r.writeSnapshot(ctx, snapshot, prefixes)
	if err != nil {
		// Listing failed: keep everything.
		_ = os.Remove(snapshot)
		return fmt.Errorf("listing snapshot: %w", err)
	}

	for _, dir := range r.dirs {
		if err := r.sweepDir(dir, current); err != nil {
			_ = os.Remove(snapshot)
			return fmt.Errorf("sweep %s: %w", dir, err)
		}
	}
	return os.Remove(snapshot)
}

// writeSnapshot paginates the full current identifier listing into a
// snapshot file (one mirror filename per line) and returns it as a set.
func (r *Reconciler) writeSnapshot(ctx context.Context, path string, prefixes []string) (map[string]struct{}, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	current := make(map[string]struct{}, 4096)
	for _, prefix := range prefixes {
		token := ""
		for {
			var batch Batch
			var next string
			err := r.withRetry(ctx, func() error {
				var err error
				batch, next, err = r.strategy.FetchNextBatch(ctx, prefix, token)
				return err
			})
			if err != nil {
				return nil, err
			}
			for _, id := range batch.Identifiers {
				name := RecordFileName(id)
				current[name] = struct{}{}
				w.WriteString(name)
				w.WriteByte('\n')
			}
			// Record-listing strategies carry identifiers on the records.
			for _, rec := range batch.Records {
				name := RecordFileName(rec.ID())
				current[name] = struct{}{}
				w.WriteString(name)
				w.WriteByte('\n')
			}
			if next == "" {
				break
			}
			token = next
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return current, f.Sync()
}

// sweepDir drains dir into a fresh staging sibling: files named in current
// move over, everything left behind is deleted and logged. The final rename
// makes the swap atomic from the consumer's point of view.
func (r *Reconciler) sweepDir(dir string, current map[string]struct{}) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		// Never mirrored, nothing to reconcile.
		return nil
	}
	if err != nil {
		return err
	}

	staging := dir + ".sweep-" + uuid.NewString()
	if err := os.MkdirAll(staging, 0755); err != nil {
		return err
	}

	for _, e := range entries {
		name := e.Name()
		if _, keep := current[name]; keep || e.IsDir() {
			if err := os.Rename(filepath.Join(dir, name), filepath.Join(staging, name)); err != nil {
				return err
			}
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
		if err := r.history.LogFile(name, OpDelete); err != nil {
			return err
		}
	}

	if err := os.Remove(dir); err != nil {
		return err
	}
	return os.Rename(staging, dir)
}

/* ========================= Explicit deletion list ========================= */

func (r *Reconciler) applyDeletionList() error {
	list := DeletionListPath(r.workDir, r.provider)
	b, err := os.ReadFile(list)
	if os.IsNotExist(err) {
		// No signal this run.
		return nil
	}
	if err != nil {
		return err
	}

	for _, line := range strings.Split(string(b), "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		for _, dir := range r.dirs {
			path := filepath.Join(dir, name)
			err := os.Remove(path)
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return err
			}
			if err := r.history.LogFile(name, OpDelete); err != nil {
				return err
			}
		}
	}
	return os.Remove(list)
}

// withRetry mirrors the scenario driver's retry discipline for the listing
// pagination.
func (r *Reconciler) withRetry(ctx context.Context, fn func() error) error {
	max := r.provider.MaxRetryCount
	if max <= 0 {
		max = 1
	}
	var err error
	for attempt := 0; attempt < max; attempt++ {
		if attempt > 0 {
			r.sleep(r.provider.RetryDelay(attempt - 1))
		}
		r.stats.AddRequest()
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}
