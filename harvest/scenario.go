package harvest

import (
	"context"
	"fmt"
	"time"
)

// Scenario drives one strategy to completion for one (provider, action
// sequence) pair: prefix negotiation, then a resumption-token pagination loop
// feeding every batch through the pipeline.
//
// Transient fetch errors are resolved here — retried within the provider's
// attempt budget, with the configured per-attempt delay — and never escape as
// errors: exhaustion turns into a false ("not done") result.
type Scenario struct {
	provider *Provider
	sequence *ActionSequence
	stats    *Statistic

	// sleep is injectable so retry timing stays deterministic under test.
	sleep   func(time.Duration)
	verbose bool
}

// NewScenario binds a provider and action sequence.
func NewScenario(p *Provider, seq *ActionSequence, stats *Statistic) *Scenario {
	return &Scenario{provider: p, sequence: seq, stats: stats, sleep: time.Sleep}
}

// Prefixes negotiates the available format prefixes. An empty result is a
// normal outcome (the sequence cannot run), including after retry exhaustion.
func (s *Scenario) Prefixes(ctx context.Context, st Strategy) []string {
	var prefixes []string
	err := s.withRetry(ctx, "discover prefixes", func() error {
		var err error
		prefixes, err = st.DiscoverPrefixes(ctx)
		return err
	})
	if err != nil {
		fmt.Printf("[harvest %s] prefix negotiation failed: %v\n", s.provider, err)
		return nil
	}
	return prefixes
}

// ListIdentifiers pages through identifier listings and fetches each record
// individually, feeding single-record batches through the pipeline. It
// reports true when pagination exhausted its token with at least one
// identifier processed.
func (s *Scenario) ListIdentifiers(ctx context.Context, st Strategy, prefixes []string) bool {
	processed := 0
	for _, prefix := range prefixes {
		ok := s.paginate(ctx, st, prefix, func(batch Batch) bool {
			for _, id := range batch.Identifiers {
				var rec *Metadata
				fid := id
				err := s.withRetry(ctx, "get record "+fid, func() error {
					var err error
					rec, err = st.FetchRecord(ctx, prefix, fid)
					return err
				})
				if err != nil {
					fmt.Printf("[harvest %s] abandoning scenario, record %q: %v\n", s.provider, fid, err)
					return false
				}
				one := []*Metadata{rec}
				if !s.runPipeline(&one) {
					return false
				}
				processed++
			}
			return true
		})
		if !ok {
			return false
		}
	}
	return processed > 0
}

// ListRecords pages through full record listings, feeding each page through
// the pipeline. Same termination rule as ListIdentifiers.
func (s *Scenario) ListRecords(ctx context.Context, st Strategy, prefixes []string) bool {
	processed := 0
	for _, prefix := range prefixes {
		ok := s.paginate(ctx, st, prefix, func(batch Batch) bool {
			if len(batch.Records) == 0 {
				return true
			}
			recs := batch.Records
			if !s.runPipeline(&recs) {
				return false
			}
			processed += len(batch.Records)
			return true
		})
		if !ok {
			return false
		}
	}
	return processed > 0
}

// paginate is the shared pagination primitive: fetch a page, hand it to
// process, follow the resumption token until it comes back empty.
func (s *Scenario) paginate(ctx context.Context, st Strategy, prefix string, process func(Batch) bool) bool {
	token := ""
	for page := 0; ; page++ {
		var batch Batch
		var next string
		err := s.withRetry(ctx, "list page", func() error {
			var err error
			batch, next, err = st.FetchNextBatch(ctx, prefix, token)
			return err
		})
		if err != nil {
			fmt.Printf("[harvest %s] abandoning scenario, prefix %q page %d: %v\n", s.provider, prefix, page, err)
			return false
		}
		if s.verbose {
			fmt.Printf("[harvest %s] prefix %q page %d: %d identifiers, %d records\n",
				s.provider, prefix, page, len(batch.Identifiers), len(batch.Records))
		}
		if !process(batch) {
			return false
		}
		if next == "" {
			return true
		}
		token = next
	}
}

func (s *Scenario) runPipeline(records *[]*Metadata) bool {
	if !s.sequence.Run(records) {
		fmt.Printf("[harvest %s] action sequence %q failed\n", s.provider, s.sequence)
		return false
	}
	s.stats.AddHarvested(len(*records))
	return true
}

// withRetry runs fn up to the provider's attempt budget, counting each
// attempt as a request and sleeping the per-attempt delay between failures.
func (s *Scenario) withRetry(ctx context.Context, what string, fn func() error) error {
	max := s.provider.MaxRetryCount
	if max <= 0 {
		max = 1
	}
	var err error
	for attempt := 0; attempt < max; attempt++ {
		if attempt > 0 {
			s.sleep(s.provider.RetryDelay(attempt - 1))
		}
		s.stats.AddRequest()
		if err = fn(); err == nil {
			return nil
		}
		fmt.Printf("[harvest %s] %s failed (attempt %d/%d): %v\n", s.provider, what, attempt+1, max, err)
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}
