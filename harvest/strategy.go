package harvest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"oai-harvest-template/adapters"
)

// Batch is one page of a listing. Identifier-listing variants fill
// Identifiers, record-listing variants fill Records.
type Batch struct {
	Identifiers []string
	Records     []*Metadata
}

// Strategy is the capability set every harvesting variant implements:
// discover the available format prefixes, then page through a listing via
// resumption tokens. FetchRecord backs the identifiers-then-records scenario.
//
// An empty prefix slice from DiscoverPrefixes is a normal outcome (the
// provider has nothing to offer this sequence), never an error.
type Strategy interface {
	DiscoverPrefixes(ctx context.Context) ([]string, error)
	// FetchNextBatch returns one page plus the token for the next one; an
	// empty token ends the pagination.
	FetchNextBatch(ctx context.Context, prefix, token string) (Batch, string, error)
	FetchRecord(ctx context.Context, prefix, id string) (*Metadata, error)
}

// SelectStrategy dispatches on the two variant axes: static vs. dynamic
// provider, identifier-listing vs. record-listing scenario.
func SelectStrategy(p *Provider, kind ScenarioKind, adapter adapters.RepositoryAdapter, factory *MetadataFactory) Strategy {
	if p.Static {
		return &staticStrategy{provider: p, kind: kind, factory: factory}
	}
	if kind == ScenarioListIdentifiers {
		return &identifierListStrategy{provider: p, adapter: adapter, factory: factory}
	}
	return &recordListStrategy{provider: p, adapter: adapter, factory: factory}
}

/* ========================= Static snapshot ========================= */

// staticStrategy serves prefixes and records from a packaged snapshot
// directory: one subdirectory per prefix, one XML file per record. There is
// no pagination; the whole listing is a single page.
type staticStrategy struct {
	provider *Provider
	kind     ScenarioKind
	factory  *MetadataFactory
}

func (s *staticStrategy) DiscoverPrefixes(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.provider.SnapshotDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot manifest: %w", err)
	}
	var prefixes []string
	for _, e := range entries {
		if e.IsDir() {
			prefixes = append(prefixes, e.Name())
		}
	}
	sort.Strings(prefixes)
	return prefixes, nil
}

func (s *staticStrategy) FetchNextBatch(ctx context.Context, prefix, token string) (Batch, string, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, "", err
	}
	if token != "" {
		return Batch{}, "", fmt.Errorf("static snapshot has a single page, got token %q", token)
	}
	dir := filepath.Join(s.provider.SnapshotDir, prefix)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Batch{}, "", fmt.Errorf("snapshot listing %s: %w", prefix, err)
	}

	var batch Batch
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".xml") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".xml")
		if s.kind == ScenarioListIdentifiers {
			batch.Identifiers = append(batch.Identifiers, id)
			continue
		}
		rec, err := s.readRecord(dir, id, prefix)
		if err != nil {
			return Batch{}, "", err
		}
		batch.Records = append(batch.Records, rec)
	}
	return batch, "", nil
}

func (s *staticStrategy) FetchRecord(ctx context.Context, prefix, id string) (*Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.readRecord(filepath.Join(s.provider.SnapshotDir, prefix), id, prefix)
}

func (s *staticStrategy) readRecord(dir, id, prefix string) (*Metadata, error) {
	body, err := os.ReadFile(filepath.Join(dir, id+".xml"))
	if err != nil {
		return nil, fmt.Errorf("snapshot record %s: %w", id, err)
	}
	return s.factory.Parse(id, prefix, body, s.provider, true, false)
}

/* ========================= Dynamic: identifier listing ========================= */

type identifierListStrategy struct {
	provider *Provider
	adapter  adapters.RepositoryAdapter
	factory  *MetadataFactory
}

func (s *identifierListStrategy) DiscoverPrefixes(ctx context.Context) ([]string, error) {
	prefixes, _, err := s.adapter.ListMetadataFormats(ctx)
	return prefixes, err
}

func (s *identifierListStrategy) FetchNextBatch(ctx context.Context, prefix, token string) (Batch, string, error) {
	ids, next, _, err := s.adapter.ListIdentifiers(ctx, prefix, token)
	if err != nil {
		return Batch{}, "", err
	}
	return Batch{Identifiers: ids}, next, nil
}

func (s *identifierListStrategy) FetchRecord(ctx context.Context, prefix, id string) (*Metadata, error) {
	rec, _, err := s.adapter.GetRecord(ctx, prefix, id)
	if err != nil {
		return nil, err
	}
	return s.factory.Parse(rec.ID, prefix, rec.Body, s.provider, true, false)
}

/* ========================= Dynamic: record listing ========================= */

type recordListStrategy struct {
	provider *Provider
	adapter  adapters.RepositoryAdapter
	factory  *MetadataFactory
}

func (s *recordListStrategy) DiscoverPrefixes(ctx context.Context) ([]string, error) {
	prefixes, _, err := s.adapter.ListMetadataFormats(ctx)
	return prefixes, err
}

func (s *recordListStrategy) FetchNextBatch(ctx context.Context, prefix, token string) (Batch, string, error) {
	recs, next, _, err := s.adapter.ListRecords(ctx, prefix, token)
	if err != nil {
		return Batch{}, "", err
	}
	batch := Batch{Records: make([]*Metadata, 0, len(recs))}
	for _, r := range recs {
		md, err := s.factory.Parse(r.ID, prefix, r.Body, s.provider, true, false)
		if err != nil {
			// A single malformed record must not sink the page.
			fmt.Printf("[harvest %s] dropping unparseable record %q: %v\n", s.provider, r.ID, err)
			continue
		}
		batch.Records = append(batch.Records, md)
	}
	return batch, next, nil
}

func (s *recordListStrategy) FetchRecord(ctx context.Context, prefix, id string) (*Metadata, error) {
	rec, _, err := s.adapter.GetRecord(ctx, prefix, id)
	if err != nil {
		return nil, err
	}
	return s.factory.Parse(rec.ID, prefix, rec.Body, s.provider, true, false)
}
