package harvest

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeEndpoint struct {
	mu        sync.Mutex
	scenario  ScenarioKind
	allowIncr bool
	doneCalls int
	done      bool
	increment int
}

func (e *fakeEndpoint) Scenario() ScenarioKind        { return e.scenario }
func (e *fakeEndpoint) AllowIncrementalHarvest() bool { return e.allowIncr }

func (e *fakeEndpoint) DoneHarvesting(done bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.doneCalls++
	e.done = done
}

func (e *fakeEndpoint) SetIncrement(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.increment = n
}

type fakeCycle struct {
	mu        sync.Mutex
	scenario  ScenarioKind
	allowIncr bool
	endpoints []*fakeEndpoint
}

func (c *fakeCycle) Next(sourceURL, group string, hint ScenarioKind) Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	kind := c.scenario
	if kind == "" {
		kind = hint
	}
	ep := &fakeEndpoint{scenario: kind, allowIncr: c.allowIncr}
	c.endpoints = append(c.endpoints, ep)
	return ep
}

func workerConfig(t *testing.T, p *Provider, cycle Cycle, st Strategy, seq *ActionSequence) WorkerConfig {
	t.Helper()
	return WorkerConfig{
		Provider:    p,
		Sequences:   []*ActionSequence{seq},
		Cycle:       cycle,
		Group:       "test",
		WorkDir:     t.TempDir(),
		NewStrategy: func(*Provider, ScenarioKind) Strategy { return st },
		Sleep:       func(time.Duration) {},
	}
}

func TestWorkerConcurrencyBound(t *testing.T) {
	SetConcurrentLimit(2)

	entered := make(chan struct{}, 8)
	gate := make(chan struct{})
	st := &fakeStrategy{
		discover: func(ctx context.Context) ([]string, error) {
			entered <- struct{}{}
			<-gate
			return nil, nil
		},
	}
	cycle := &fakeCycle{scenario: ScenarioListRecords}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		p := &Provider{Name: "p", MaxRetryCount: 1, Scenario: ScenarioListRecords}
		w := NewWorker(workerConfig(t, p, cycle, st, NewActionSequence()))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(context.Background()); err != nil {
				t.Errorf("worker: %v", err)
			}
		}()
	}

	// Exactly two workers get in; the rest queue on the semaphore.
	<-entered
	<-entered
	if got := ActiveWorkers(); got != 2 {
		t.Errorf("active workers = %d, want 2", got)
	}
	select {
	case <-entered:
		t.Error("a third worker ran past the semaphore")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	wg.Wait()

	if got := ActiveWorkers(); got != 0 {
		t.Errorf("active workers after drain = %d, want 0", got)
	}
	if len(cycle.endpoints) != 4 {
		t.Fatalf("endpoints = %d, want 4", len(cycle.endpoints))
	}
	for i, ep := range cycle.endpoints {
		if ep.doneCalls != 1 {
			t.Errorf("endpoint %d: DoneHarvesting called %d times, want exactly once", i, ep.doneCalls)
		}
	}
}

func TestWorkerReportsOutcome(t *testing.T) {
	SetConcurrentLimit(1)

	p := &Provider{Name: "acme", MaxRetryCount: 1, Scenario: ScenarioListRecords}
	st := &fakeStrategy{
		fetch: func(_ context.Context, _, token string) (Batch, string, error) {
			return Batch{Records: []*Metadata{payload(t, p, "a"), payload(t, p, "b")}}, "", nil
		},
	}
	cycle := &fakeCycle{}
	w := NewWorker(workerConfig(t, p, cycle, st, NewActionSequence(&collectAction{})))

	if err := w.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	ep := cycle.endpoints[0]
	if ep.doneCalls != 1 || !ep.done {
		t.Errorf("done: calls=%d value=%v, want exactly one true", ep.doneCalls, ep.done)
	}
	if ep.increment != 2 {
		t.Errorf("increment = %d, want 2", ep.increment)
	}
	if w.Statistic().Harvested() != 2 {
		t.Errorf("harvested = %d, want 2", w.Statistic().Harvested())
	}
}

func TestWorkerNoPrefixesIsNotDone(t *testing.T) {
	SetConcurrentLimit(1)

	p := &Provider{Name: "acme", MaxRetryCount: 1, Scenario: ScenarioListRecords}
	st := &fakeStrategy{
		discover: func(context.Context) ([]string, error) { return nil, nil },
		fetch: func(context.Context, string, string) (Batch, string, error) {
			t.Fatal("must not paginate without prefixes")
			return Batch{}, "", nil
		},
	}
	cycle := &fakeCycle{}
	w := NewWorker(workerConfig(t, p, cycle, st, NewActionSequence()))

	if err := w.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	ep := cycle.endpoints[0]
	if ep.doneCalls != 1 || ep.done {
		t.Errorf("done: calls=%d value=%v, want exactly one false", ep.doneCalls, ep.done)
	}
}

func TestWorkerPanicReleasesSlot(t *testing.T) {
	SetConcurrentLimit(1)

	p := &Provider{Name: "acme", MaxRetryCount: 1, Scenario: ScenarioListRecords}
	st := &fakeStrategy{
		discover: func(context.Context) ([]string, error) { panic("listing blew up") },
	}
	cycle := &fakeCycle{}
	w := NewWorker(workerConfig(t, p, cycle, st, NewActionSequence()))

	if err := w.Run(context.Background()); err == nil {
		t.Fatal("panic must surface as an error")
	}
	ep := cycle.endpoints[0]
	if ep.doneCalls != 1 || ep.done {
		t.Errorf("done after panic: calls=%d value=%v, want exactly one false", ep.doneCalls, ep.done)
	}
	if got := ActiveWorkers(); got != 0 {
		t.Errorf("active workers after panic = %d, want 0", got)
	}

	// The slot must be reusable afterwards.
	ok := &fakeStrategy{
		discover: func(context.Context) ([]string, error) { return nil, nil },
		fetch: func(context.Context, string, string) (Batch, string, error) {
			return Batch{}, "", nil
		},
	}
	w2 := NewWorker(workerConfig(t, p, cycle, ok, NewActionSequence()))
	if err := w2.Run(context.Background()); err != nil {
		t.Fatalf("slot not released: %v", err)
	}
}

func TestWorkerFirstSequenceSuccessWins(t *testing.T) {
	SetConcurrentLimit(1)

	p := &Provider{Name: "acme", MaxRetryCount: 1, Scenario: ScenarioListRecords}
	st := &fakeStrategy{
		fetch: func(context.Context, string, string) (Batch, string, error) {
			return Batch{Records: []*Metadata{payload(t, p, "a")}}, "", nil
		},
	}
	first := &collectAction{}
	second := &collectAction{}
	cycle := &fakeCycle{}
	cfg := workerConfig(t, p, cycle, st, NewActionSequence(first))
	cfg.Sequences = append(cfg.Sequences, NewActionSequence(second))
	w := NewWorker(cfg)

	if err := w.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(first.batches) != 1 {
		t.Errorf("first sequence batches = %d, want 1", len(first.batches))
	}
	if len(second.batches) != 0 {
		t.Errorf("second sequence ran after the first succeeded")
	}
}
