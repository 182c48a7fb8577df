package harvest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"
)

// fakeStrategy scripts the three strategy calls per test.
type fakeStrategy struct {
	discover func(ctx context.Context) ([]string, error)
	fetch    func(ctx context.Context, prefix, token string) (Batch, string, error)
	record   func(ctx context.Context, prefix, id string) (*Metadata, error)
}

func (f *fakeStrategy) DiscoverPrefixes(ctx context.Context) ([]string, error) {
	if f.discover == nil {
		return []string{"oai_dc"}, nil
	}
	return f.discover(ctx)
}

func (f *fakeStrategy) FetchNextBatch(ctx context.Context, prefix, token string) (Batch, string, error) {
	return f.fetch(ctx, prefix, token)
}

func (f *fakeStrategy) FetchRecord(ctx context.Context, prefix, id string) (*Metadata, error) {
	return f.record(ctx, prefix, id)
}

// collectAction records the ids of every batch that reaches it.
type collectAction struct {
	batches [][]string
}

func (a *collectAction) Perform(records *[]*Metadata) bool {
	ids := make([]string, 0, len(*records))
	for _, r := range *records {
		ids = append(ids, r.ID())
	}
	a.batches = append(a.batches, ids)
	return true
}

func (a *collectAction) Same(other Action) bool { return false }
func (a *collectAction) String() string         { return "collect" }

func testProvider(retries int, delays ...time.Duration) *Provider {
	return &Provider{Name: "test", MaxRetryCount: retries, RetryDelays: delays}
}

func noSleep(s *Scenario) { s.sleep = func(time.Duration) {} }

func payload(t *testing.T, p *Provider, id string) *Metadata {
	t.Helper()
	return NewMetadata(id, "oai_dc", mustParse(t, "<dc/>"), p, false, false)
}

func TestListIdentifiersPaginatesInOrder(t *testing.T) {
	p := testProvider(1)
	pages := map[string]struct {
		ids  []string
		next string
	}{
		"":       {[]string{"a", "b"}, "page-1"},
		"page-1": {[]string{"c"}, ""},
	}
	var fetched []string
	st := &fakeStrategy{
		fetch: func(_ context.Context, _, token string) (Batch, string, error) {
			pg, ok := pages[token]
			if !ok {
				return Batch{}, "", fmt.Errorf("unexpected token %q", token)
			}
			return Batch{Identifiers: pg.ids}, pg.next, nil
		},
		record: func(_ context.Context, _, id string) (*Metadata, error) {
			fetched = append(fetched, id)
			return payload(t, p, id), nil
		},
	}

	sink := &collectAction{}
	sc := NewScenario(p, NewActionSequence(sink), NewStatistic())
	noSleep(sc)

	if done := sc.ListIdentifiers(context.Background(), st, []string{"oai_dc"}); !done {
		t.Fatal("scenario not done")
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(fetched, want) {
		t.Errorf("fetched %v, want %v", fetched, want)
	}
	// Identifier scenario feeds single-record batches.
	if want := [][]string{{"a"}, {"b"}, {"c"}}; !reflect.DeepEqual(sink.batches, want) {
		t.Errorf("pipeline batches %v, want %v", sink.batches, want)
	}
}

func TestListRecordsPaginates(t *testing.T) {
	p := testProvider(1)
	st := &fakeStrategy{
		fetch: func(_ context.Context, _, token string) (Batch, string, error) {
			if token == "" {
				return Batch{Records: []*Metadata{payload(t, p, "a"), payload(t, p, "b")}}, "more", nil
			}
			return Batch{Records: []*Metadata{payload(t, p, "c")}}, "", nil
		},
	}
	sink := &collectAction{}
	stats := NewStatistic()
	sc := NewScenario(p, NewActionSequence(sink), stats)
	noSleep(sc)

	if done := sc.ListRecords(context.Background(), st, []string{"oai_dc"}); !done {
		t.Fatal("scenario not done")
	}
	if want := [][]string{{"a", "b"}, {"c"}}; !reflect.DeepEqual(sink.batches, want) {
		t.Errorf("pipeline batches %v, want %v", sink.batches, want)
	}
	if stats.Harvested() != 3 {
		t.Errorf("harvested = %d, want 3", stats.Harvested())
	}
	if stats.Requests() != 2 {
		t.Errorf("requests = %d, want 2 (one per page)", stats.Requests())
	}
}

func TestRetryExhaustionAttemptsAndDelays(t *testing.T) {
	p := testProvider(3, 10*time.Millisecond, 20*time.Millisecond)
	attempts := 0
	st := &fakeStrategy{
		fetch: func(context.Context, string, string) (Batch, string, error) {
			attempts++
			return Batch{}, "", errors.New("boom")
		},
	}
	stats := NewStatistic()
	sc := NewScenario(p, NewActionSequence(), stats)
	var slept []time.Duration
	sc.sleep = func(d time.Duration) { slept = append(slept, d) }

	if done := sc.ListRecords(context.Background(), st, []string{"oai_dc"}); done {
		t.Fatal("exhaustion must report not-done")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want exactly MaxRetryCount", attempts)
	}
	if want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}; !reflect.DeepEqual(slept, want) {
		t.Errorf("slept %v, want %v", slept, want)
	}
	if stats.Requests() != 3 {
		t.Errorf("requests = %d, want 3 (every attempt counts)", stats.Requests())
	}
}

func TestRetryDelayClampsToLast(t *testing.T) {
	p := testProvider(5, 10*time.Millisecond, 20*time.Millisecond)
	st := &fakeStrategy{
		fetch: func(context.Context, string, string) (Batch, string, error) {
			return Batch{}, "", errors.New("boom")
		},
	}
	sc := NewScenario(p, NewActionSequence(), NewStatistic())
	var slept []time.Duration
	sc.sleep = func(d time.Duration) { slept = append(slept, d) }

	sc.ListRecords(context.Background(), st, []string{"oai_dc"})

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 20 * time.Millisecond, 20 * time.Millisecond}
	if !reflect.DeepEqual(slept, want) {
		t.Errorf("slept %v, want %v (last delay repeats)", slept, want)
	}
}

func TestRetrySucceedsMidBudget(t *testing.T) {
	p := testProvider(3, time.Millisecond)
	calls := 0
	st := &fakeStrategy{
		fetch: func(context.Context, string, string) (Batch, string, error) {
			calls++
			if calls < 2 {
				return Batch{}, "", errors.New("transient")
			}
			return Batch{Records: []*Metadata{payload(t, p, "a")}}, "", nil
		},
	}
	sc := NewScenario(p, NewActionSequence(&collectAction{}), NewStatistic())
	noSleep(sc)

	if done := sc.ListRecords(context.Background(), st, []string{"oai_dc"}); !done {
		t.Fatal("recovered fetch should finish the scenario")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (stop retrying after success)", calls)
	}
}

func TestPrefixNegotiationFailureIsEmpty(t *testing.T) {
	p := testProvider(2, time.Millisecond)
	st := &fakeStrategy{
		discover: func(context.Context) ([]string, error) {
			return nil, errors.New("unreachable")
		},
		fetch: func(context.Context, string, string) (Batch, string, error) {
			t.Fatal("pagination must not start without prefixes")
			return Batch{}, "", nil
		},
	}
	sc := NewScenario(p, NewActionSequence(), NewStatistic())
	noSleep(sc)

	if got := sc.Prefixes(context.Background(), st); len(got) != 0 {
		t.Errorf("prefixes = %v, want none", got)
	}
}

func TestZeroRecordsIsNotDone(t *testing.T) {
	p := testProvider(1)
	st := &fakeStrategy{
		fetch: func(context.Context, string, string) (Batch, string, error) {
			return Batch{}, "", nil
		},
	}
	sc := NewScenario(p, NewActionSequence(&collectAction{}), NewStatistic())
	noSleep(sc)

	if done := sc.ListRecords(context.Background(), st, []string{"oai_dc"}); done {
		t.Error("an empty harvest must not count as done")
	}
}

func TestPipelineFailureAbandonsScenario(t *testing.T) {
	p := testProvider(1)
	pages := 0
	st := &fakeStrategy{
		fetch: func(context.Context, string, string) (Batch, string, error) {
			pages++
			return Batch{Records: []*Metadata{payload(t, p, "a")}}, "more", nil
		},
	}
	sc := NewScenario(p, NewActionSequence(&fakeAction{name: "fail", ok: false}), NewStatistic())
	noSleep(sc)

	if done := sc.ListRecords(context.Background(), st, []string{"oai_dc"}); done {
		t.Error("pipeline failure must not report done")
	}
	if pages != 1 {
		t.Errorf("fetched %d pages after pipeline failure, want 1", pages)
	}
}
