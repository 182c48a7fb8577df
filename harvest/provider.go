// Package harvest implements the harvesting core: one worker per provider,
// bounded by a process-wide semaphore, drives a scenario (list identifiers
// then fetch records individually, or list full records directly) through a
// resumption-token pagination loop, feeds every batch into an action pipeline,
// and reconciles the local mirror against the provider's current identifier
// set afterwards.
package harvest

import (
	"fmt"
	"strings"
	"time"
)

// ScenarioKind selects the retrieval protocol for a provider.
type ScenarioKind string

const (
	// ScenarioListIdentifiers pages through identifier listings and fetches
	// each record individually.
	ScenarioListIdentifiers ScenarioKind = "ListIdentifiers"
	// ScenarioListRecords pages through full record listings.
	ScenarioListRecords ScenarioKind = "ListRecords"
)

// DeletionMode describes whether and how a provider signals deleted records.
type DeletionMode string

const (
	// DeletionModeNone means the provider gives no deletion signal; the
	// reconciler has to diff a full fresh listing against the mirror.
	DeletionModeNone DeletionMode = "none"
	// DeletionModeTransient means deletion signals are emitted once and then
	// forgotten by the provider.
	DeletionModeTransient DeletionMode = "transient"
	// DeletionModePersistent means the provider keeps reporting deletions.
	DeletionModePersistent DeletionMode = "persistent"
)

// Provider describes one remote (or packaged) catalog of metadata records.
// It is immutable for the duration of a run; workers reference it but never
// own it.
type Provider struct {
	Name    string
	BaseURL string

	// Static providers read from a packaged snapshot directory instead of a
	// live endpoint.
	Static      bool
	SnapshotDir string

	Scenario     ScenarioKind
	DeletionMode DeletionMode

	// Retry policy for transient fetch errors: at most MaxRetryCount
	// attempts, sleeping RetryDelay(attempt) between them.
	MaxRetryCount int
	RetryDelays   []time.Duration

	Timeout time.Duration

	closed bool
}

// Init opens any per-run provider state. Kept as an explicit hook so the
// worker lifecycle (init .. close) stays symmetrical even for providers that
// need nothing here.
func (p *Provider) Init() error {
	if p.Name == "" {
		return fmt.Errorf("provider has no name")
	}
	if p.Static && p.SnapshotDir == "" {
		return fmt.Errorf("static provider %s has no snapshot dir", p.Name)
	}
	p.closed = false
	return nil
}

// Close releases per-run provider state. Safe to call more than once.
func (p *Provider) Close() {
	p.closed = true
}

// RetryDelay returns the sleep before retry attempt n (0-based). Attempts
// beyond the configured sequence reuse its last element.
func (p *Provider) RetryDelay(attempt int) time.Duration {
	if len(p.RetryDelays) == 0 {
		return 0
	}
	if attempt >= len(p.RetryDelays) {
		return p.RetryDelays[len(p.RetryDelays)-1]
	}
	return p.RetryDelays[attempt]
}

func (p *Provider) String() string { return p.Name }

// FileName returns the provider name mangled into something safe for file
// and directory names: history files, mirror directories, log tags.
func (p *Provider) FileName() string {
	return FileNameFor(p.Name)
}

// FileNameFor maps an arbitrary identifier (provider name, record id) to a
// filesystem-safe name. The mapping must be stable across runs: the
// reconciler compares mirror filenames against freshly mapped upstream
// identifiers.
func FileNameFor(id string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// RecordFileName is FileNameFor plus the mirror file extension.
func RecordFileName(id string) string {
	return FileNameFor(id) + ".xml"
}
