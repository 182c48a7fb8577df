package harvest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"oai-harvest-template/adapters"
)

// Cycle is the scheduling layer's view of repeated harvest runs. It hands
// out one Endpoint per (provider, run).
type Cycle interface {
	Next(sourceURL, group string, scenarioHint ScenarioKind) Endpoint
}

// Endpoint is the per-(provider, run) state owned by the scheduling layer.
// Never shared across concurrent workers for the same provider.
type Endpoint interface {
	Scenario() ScenarioKind
	AllowIncrementalHarvest() bool
	DoneHarvesting(done bool)
	SetIncrement(n int)
}

// Process-wide admission control: the semaphore bounds how many workers run
// at once across all providers, the counter tracks how many currently hold a
// slot.
var (
	sem           *semaphore.Weighted
	activeWorkers atomic.Int32
)

// SetConcurrentLimit sets the maximum number of concurrently running
// workers. Must be called once at startup, before any worker runs.
func SetConcurrentLimit(n int) {
	if n < 1 {
		n = 1
	}
	sem = semaphore.NewWeighted(int64(n))
}

// ActiveWorkers returns how many workers currently hold a slot.
func ActiveWorkers() int { return int(activeWorkers.Load()) }

// StrategyFactory builds the strategy a worker uses for one action sequence.
// Injectable so tests can substitute scripted strategies.
type StrategyFactory func(p *Provider, kind ScenarioKind) Strategy

// WorkerConfig wires up one worker.
type WorkerConfig struct {
	Provider  *Provider
	Sequences []*ActionSequence
	Cycle     Cycle
	Group     string
	Adapter   adapters.RepositoryAdapter

	// WorkDir holds the history file, listing snapshots, and deletion lists.
	WorkDir string
	// MirrorDirs are the output directories the reconciler keeps in sync
	// with the provider's upstream identifier set.
	MirrorDirs []string
	// Incremental enables reconciliation after a successful run, subject to
	// the endpoint's per-provider permission.
	Incremental bool

	Verbose bool

	// NewStrategy overrides strategy construction (tests). Defaults to
	// SelectStrategy over Adapter.
	NewStrategy StrategyFactory
	// Sleep overrides retry sleeping (tests). Defaults to time.Sleep.
	Sleep func(time.Duration)
}

// Worker is the unit of concurrency: it owns one provider for the duration
// of a run, tries each configured action sequence until one succeeds,
// triggers reconciliation, and reports the outcome back to the cycle.
type Worker struct {
	provider  *Provider
	sequences []*ActionSequence
	endpoint  Endpoint
	kind      ScenarioKind

	stats   *Statistic
	history *History

	workDir     string
	mirrorDirs  []string
	incremental bool
	verbose     bool

	newStrategy StrategyFactory
	sleep       func(time.Duration)
}

// NewWorker registers the provider with the cycle and prepares a worker.
func NewWorker(cfg WorkerConfig) *Worker {
	endpoint := cfg.Cycle.Next(cfg.Provider.BaseURL, cfg.Group, cfg.Provider.Scenario)

	w := &Worker{
		provider:    cfg.Provider,
		sequences:   cfg.Sequences,
		endpoint:    endpoint,
		kind:        endpoint.Scenario(),
		stats:       NewStatistic(),
		history:     NewHistory(cfg.WorkDir, cfg.Provider),
		workDir:     cfg.WorkDir,
		mirrorDirs:  cfg.MirrorDirs,
		incremental: cfg.Incremental,
		verbose:     cfg.Verbose,
		newStrategy: cfg.NewStrategy,
		sleep:       cfg.Sleep,
	}
	if w.newStrategy == nil {
		factory := &MetadataFactory{}
		adapter := cfg.Adapter
		w.newStrategy = func(p *Provider, kind ScenarioKind) Strategy {
			return SelectStrategy(p, kind, adapter, factory)
		}
	}
	if w.sleep == nil {
		w.sleep = time.Sleep
	}
	return w
}

// Statistic returns the worker's run counters.
func (w *Worker) Statistic() *Statistic { return w.stats }

// Run harvests the provider to completion. It blocks until a semaphore slot
// is free, runs every configured action sequence until one succeeds, and
// reports the outcome to the endpoint. All failures are caught here: the
// fatal error is returned to the caller only after guaranteed cleanup
// (provider close, exactly-once DoneHarvesting, slot release) has run.
func (w *Worker) Run(ctx context.Context) (err error) {
	// Sole admission point. Acquisition is deliberately not cancellable: a
	// worker waits as long as it takes for a slot.
	_ = sem.Acquire(context.Background(), 1)
	activeWorkers.Add(1)

	done := false
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s: panic: %v", w.provider, r)
		}
		w.provider.Close()
		w.endpoint.DoneHarvesting(done)
		sem.Release(1)
		activeWorkers.Add(-1)
		if err != nil {
			fmt.Printf("[worker %s] processing failed: %v\n", w.provider, err)
		} else {
			fmt.Printf("[worker %s] processing finished (done=%v, records=%d, requests=%d)\n",
				w.provider, done, w.stats.Harvested(), w.stats.Requests())
		}
	}()

	if err := w.provider.Init(); err != nil {
		return fmt.Errorf("init provider %s: %w", w.provider, err)
	}

	fmt.Printf("[worker %s] processing with %s scenario, timeout %s, retry (%d, %v)\n",
		w.provider, w.kind, w.provider.Timeout, w.provider.MaxRetryCount, w.provider.RetryDelays)

	for _, seq := range w.sequences {
		strategy := w.newStrategy(w.provider, w.kind)

		sc := NewScenario(w.provider, seq, w.stats)
		sc.sleep = w.sleep
		sc.verbose = w.verbose

		prefixes := sc.Prefixes(ctx, strategy)
		if len(prefixes) == 0 {
			fmt.Printf("[worker %s] no prefixes for sequence %q\n", w.provider, seq)
			done = false
			continue
		}

		if w.kind == ScenarioListIdentifiers {
			done = sc.ListIdentifiers(ctx, strategy, prefixes)
		} else {
			done = sc.ListRecords(ctx, strategy, prefixes)
		}

		if w.incremental && w.endpoint.AllowIncrementalHarvest() {
			r := NewReconciler(w.provider, strategy, w.stats, w.history, w.workDir, w.mirrorDirs)
			r.sleep = w.sleep
			if rerr := r.Execute(ctx, prefixes); rerr != nil {
				// Fail-safe: a reconciliation error leaves the mirror
				// untouched and never fails the run.
				fmt.Printf("[worker %s] reconciliation aborted: %v\n", w.provider, rerr)
			}
		}

		// First sequence that completes wins.
		if done {
			break
		}
	}

	if herr := w.history.LogHarvest(w.stats.Elapsed(), w.stats.Requests(), w.stats.Harvested()); herr != nil {
		fmt.Printf("[worker %s] writing harvest summary: %v\n", w.provider, herr)
	}
	w.endpoint.SetIncrement(w.stats.Harvested())
	return nil
}
