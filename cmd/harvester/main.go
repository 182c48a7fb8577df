// Metadata harvest manager (Go)
// -----------------------------
//
// This is a job-oriented harvester for repositories that expose a paginated,
// resumption-token listing protocol. It demonstrates:
//   - One worker per provider, capped by a process-wide counting semaphore
//   - Scenario-driven retrieval (identifiers-then-records or records-direct)
//   - An action pipeline per batch (envelope strip -> mirror save -> optional
//     Postgres sink)
//   - Incremental reconciliation: upstream deletions are mirrored locally,
//     with an append-only per-provider audit history
//   - Optional bounded request rate (token bucket) shared across providers
//
// All connector logic is behind adapters.RepositoryAdapter; the default
// adapter is offline-safe mock mode.
//
// Configuration is primarily via environment variables (flags can override):
//   PROVIDERS_FILE, ADAPTER, BASE_URL, WORK_DIR, MIRROR_DIR, MAX_WORKERS,
//   REQUEST_RPS, INCREMENTAL, PG_DSN, PG_SCHEMA, ...
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"oai-harvest-template/adapters"
	"oai-harvest-template/harvest"
)

const lockTTL = 10 * time.Minute

/* ========================= Environment helpers ========================= */

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

/* ========================= CLI & Config ========================= */

type config struct {
	providersFile string

	// Single-provider fallback when no providers file is given.
	providerName string
	scenario     string
	deletionMode string
	retryMax     int
	retryDelayMs string
	timeoutSec   int

	// Adapter
	adapter   string // mock | http-xml
	baseURL   string
	userAgent string
	rps       float64

	// Layout
	workDir   string
	mirrorDir string
	lockPath  string

	// Concurrency / behavior
	maxWorkers  int
	incremental bool
	verbose     bool
	jsonLogs    bool

	// DB (optional)
	pgDSN      string
	pgSchema   string
	pgBatch    int
	pgMaxConns int
}

func parseFlags() config {
	var cfg config

	flag.StringVar(&cfg.providersFile, "providers", envString("PROVIDERS_FILE", ""), "JSON file describing providers. Env: PROVIDERS_FILE")

	flag.StringVar(&cfg.providerName, "provider", envString("PROVIDER", "demo"), "Provider name when no providers file is given. Env: PROVIDER")
	flag.StringVar(&cfg.scenario, "scenario", envString("SCENARIO", "ListRecords"), "ListIdentifiers | ListRecords. Env: SCENARIO")
	flag.StringVar(&cfg.deletionMode, "deletion-mode", envString("DELETION_MODE", "none"), "none | transient | persistent. Env: DELETION_MODE")
	flag.IntVar(&cfg.retryMax, "retry-max", envInt("RETRY_MAX", 3), "Max fetch attempts per page. Env: RETRY_MAX")
	flag.StringVar(&cfg.retryDelayMs, "retry-delays-ms", envString("RETRY_DELAYS_MS", "1000,2000,4000"), "Per-attempt retry delays (csv, ms). Env: RETRY_DELAYS_MS")
	flag.IntVar(&cfg.timeoutSec, "timeout-sec", envInt("TIMEOUT_SEC", 20), "Per-request timeout. Env: TIMEOUT_SEC")

	flag.StringVar(&cfg.adapter, "adapter", envString("ADAPTER", "mock"), "Repository adapter: mock | http-xml. Env: ADAPTER")
	flag.StringVar(&cfg.baseURL, "base-url", envString("BASE_URL", "https://example-repository.invalid"), "Repository base URL. Env: BASE_URL")
	flag.StringVar(&cfg.userAgent, "user-agent", envString("HTTP_USER_AGENT", "oai-harvest-template/1.0"), "HTTP User-Agent. Env: HTTP_USER_AGENT")
	flag.Float64Var(&cfg.rps, "rps", envFloat("REQUEST_RPS", 0), "Token bucket for requests (tokens/sec, shared). 0=unlimited. Env: REQUEST_RPS")

	flag.StringVar(&cfg.workDir, "work-dir", envString("WORK_DIR", "harvest-work"), "History files, snapshots, deletion lists. Env: WORK_DIR")
	flag.StringVar(&cfg.mirrorDir, "mirror-dir", envString("MIRROR_DIR", "mirror"), "Root of the mirrored record directories. Env: MIRROR_DIR")
	flag.StringVar(&cfg.lockPath, "lock", envString("LOCK_PATH", ""), "Lock file path (default <work-dir>/harvester.lock). Env: LOCK_PATH")

	flag.IntVar(&cfg.maxWorkers, "max-workers", envInt("MAX_WORKERS", 4), "Max concurrently running workers. Env: MAX_WORKERS")
	flag.BoolVar(&cfg.incremental, "incremental", envBool("INCREMENTAL", false), "Reconcile the mirror after a successful run. Env: INCREMENTAL")
	flag.BoolVar(&cfg.verbose, "verbose", envBool("VERBOSE", false), "Verbose per-page logs. Env: VERBOSE")
	flag.BoolVar(&cfg.jsonLogs, "json-logs", envBool("JSON_LOGS", false), "Emit a JSON summary line (keeps human summary too). Env: JSON_LOGS")

	flag.StringVar(&cfg.pgDSN, "pg-dsn", envString("PG_DSN", ""), "Postgres DSN (enables the DB sink). Env: PG_DSN")
	flag.StringVar(&cfg.pgSchema, "pg-schema", envString("PG_SCHEMA", "public"), "Target Postgres schema. Env: PG_SCHEMA")
	flag.IntVar(&cfg.pgBatch, "pg-batch", envInt("PG_BATCH", 200), "DB insert batch size. Env: PG_BATCH")
	flag.IntVar(&cfg.pgMaxConns, "pg-max-conns", envInt("PG_MAX_CONNS", 2), "DB max connections. Env: PG_MAX_CONNS")

	flag.Parse()

	if cfg.maxWorkers <= 0 {
		cfg.maxWorkers = 1
	}
	if cfg.retryMax <= 0 {
		cfg.retryMax = 1
	}
	if cfg.lockPath == "" {
		cfg.lockPath = filepath.Join(cfg.workDir, "harvester.lock")
	}

	return cfg
}

/* ========================= Providers ========================= */

type providerSpec struct {
	Name          string `json:"name"`
	BaseURL       string `json:"base_url"`
	Static        bool   `json:"static"`
	SnapshotDir   string `json:"snapshot_dir,omitempty"`
	Scenario      string `json:"scenario"`
	DeletionMode  string `json:"deletion_mode"`
	MaxRetryCount int    `json:"max_retry_count"`
	RetryDelaysMs []int  `json:"retry_delays_ms"`
	TimeoutSec    int    `json:"timeout_sec"`
}

func (s providerSpec) toProvider() *harvest.Provider {
	delays := make([]time.Duration, 0, len(s.RetryDelaysMs))
	for _, ms := range s.RetryDelaysMs {
		delays = append(delays, time.Duration(ms)*time.Millisecond)
	}
	return &harvest.Provider{
		Name:          s.Name,
		BaseURL:       s.BaseURL,
		Static:        s.Static,
		SnapshotDir:   s.SnapshotDir,
		Scenario:      scenarioKind(s.Scenario),
		DeletionMode:  deletionMode(s.DeletionMode),
		MaxRetryCount: s.MaxRetryCount,
		RetryDelays:   delays,
		Timeout:       time.Duration(s.TimeoutSec) * time.Second,
	}
}

func scenarioKind(s string) harvest.ScenarioKind {
	if strings.EqualFold(strings.TrimSpace(s), string(harvest.ScenarioListIdentifiers)) {
		return harvest.ScenarioListIdentifiers
	}
	return harvest.ScenarioListRecords
}

func deletionMode(s string) harvest.DeletionMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "transient":
		return harvest.DeletionModeTransient
	case "persistent":
		return harvest.DeletionModePersistent
	default:
		return harvest.DeletionModeNone
	}
}

func loadProviders(cfg config) ([]*harvest.Provider, error) {
	if cfg.providersFile == "" {
		delays := parseDelaysCSV(cfg.retryDelayMs)
		return []*harvest.Provider{{
			Name:          cfg.providerName,
			BaseURL:       cfg.baseURL,
			Scenario:      scenarioKind(cfg.scenario),
			DeletionMode:  deletionMode(cfg.deletionMode),
			MaxRetryCount: cfg.retryMax,
			RetryDelays:   delays,
			Timeout:       time.Duration(cfg.timeoutSec) * time.Second,
		}}, nil
	}

	b, err := os.ReadFile(cfg.providersFile)
	if err != nil {
		return nil, fmt.Errorf("providers file: %w", err)
	}
	var specs []providerSpec
	if err := json.Unmarshal(b, &specs); err != nil {
		return nil, fmt.Errorf("providers file parse: %w", err)
	}
	out := make([]*harvest.Provider, 0, len(specs))
	for _, s := range specs {
		if strings.TrimSpace(s.Name) == "" {
			continue
		}
		out = append(out, s.toProvider())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("providers file %s has no usable providers", cfg.providersFile)
	}
	return out, nil
}

func parseDelaysCSV(s string) []time.Duration {
	var out []time.Duration
	for _, part := range strings.Split(s, ",") {
		ms, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || ms < 0 {
			continue
		}
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	return out
}

/* ========================= Lock file ========================= */

func acquireLock(lockPath string, ttl time.Duration) bool {
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, _ = f.WriteString(fmt.Sprintf(`{"pid":%d,"time":%d}`+"\n", os.Getpid(), time.Now().Unix()))
			_ = f.Close()
			return true
		}
		fi, err := os.Stat(lockPath)
		if err != nil {
			continue
		}
		if time.Since(fi.ModTime()) >= ttl {
			_ = os.Remove(lockPath)
			continue
		}
		fmt.Println("another harvester active; aborting")
		return false
	}
}

func releaseLock(lockPath string) {
	if lockPath != "" {
		_ = os.Remove(lockPath)
	}
}

/* ========================= In-process cycle ========================= */

// memoryCycle is a minimal scheduling-layer stand-in: it hands out one
// endpoint per provider and keeps the outcomes for the end-of-run summary.
// A real deployment would persist endpoint state between runs.
type memoryCycle struct {
	incremental bool
	endpoints   []*memoryEndpoint
}

type memoryEndpoint struct {
	url       string
	scenario  harvest.ScenarioKind
	allowIncr bool

	done      bool
	increment int
}

func (c *memoryCycle) Next(sourceURL, group string, hint harvest.ScenarioKind) harvest.Endpoint {
	ep := &memoryEndpoint{url: sourceURL, scenario: hint, allowIncr: c.incremental}
	c.endpoints = append(c.endpoints, ep)
	return ep
}

func (e *memoryEndpoint) Scenario() harvest.ScenarioKind { return e.scenario }
func (e *memoryEndpoint) AllowIncrementalHarvest() bool  { return e.allowIncr }
func (e *memoryEndpoint) DoneHarvesting(done bool)       { e.done = done }
func (e *memoryEndpoint) SetIncrement(n int)             { e.increment = n }

/* ========================= Main ========================= */

func main() {
	cfg := parseFlags()

	if err := os.MkdirAll(cfg.workDir, 0755); err != nil {
		fmt.Fprintln(os.Stderr, "work dir:", err)
		os.Exit(2)
	}
	if !acquireLock(cfg.lockPath, lockTTL) {
		os.Exit(1)
	}
	defer releaseLock(cfg.lockPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var limiter *rate.Limiter
	if cfg.rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.rps), int(cfg.rps)+1)
	}

	adapter, err := adapters.New(adapters.Options{
		Kind:      cfg.adapter,
		BaseURL:   cfg.baseURL,
		UserAgent: cfg.userAgent,
		Timeout:   time.Duration(cfg.timeoutSec) * time.Second,
		Limiter:   limiter,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "adapter:", err)
		os.Exit(2)
	}

	var pool *pgxpool.Pool
	if cfg.pgDSN != "" {
		pool = mustOpenPool(ctx, cfg.pgDSN, int32(cfg.pgMaxConns))
		defer pool.Close()
	}

	providers, err := loadProviders(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	harvest.SetConcurrentLimit(cfg.maxWorkers)
	cycle := &memoryCycle{incremental: cfg.incremental}

	start := time.Now()
	var g errgroup.Group
	for _, p := range providers {
		mirror := filepath.Join(cfg.mirrorDir, p.FileName())

		actions := []harvest.Action{&harvest.StripAction{}}
		if pool != nil {
			actions = append(actions, &harvest.PostgresSink{Pool: pool, Schema: cfg.pgSchema, Batch: cfg.pgBatch})
		}
		var history *harvest.History
		if cfg.incremental {
			history = harvest.NewHistory(cfg.workDir, p)
		}
		actions = append(actions, &harvest.SaveAction{Dir: mirror, History: history, Verbose: cfg.verbose})

		w := harvest.NewWorker(harvest.WorkerConfig{
			Provider:    p,
			Sequences:   []*harvest.ActionSequence{harvest.NewActionSequence(actions...)},
			Cycle:       cycle,
			Group:       "default",
			Adapter:     adapter,
			WorkDir:     cfg.workDir,
			MirrorDirs:  []string{mirror},
			Incremental: cfg.incremental,
			Verbose:     cfg.verbose,
		})
		g.Go(func() error { return w.Run(ctx) })
	}
	runErr := g.Wait()

	// One outcome line per provider.
	okCount := 0
	for i, ep := range cycle.endpoints {
		if ep.done {
			okCount++
		}
		fmt.Printf("[summary] provider=%s done=%v increment=%d\n", providers[i].Name, ep.done, ep.increment)
	}
	if cfg.jsonLogs {
		out := map[string]any{
			"run_id":    uuid.NewString(),
			"providers": len(providers),
			"succeeded": okCount,
			"elapsed_s": time.Since(start).Seconds(),
		}
		if b, err := json.Marshal(out); err == nil {
			fmt.Println(string(b))
		}
	}

	if runErr != nil {
		fmt.Fprintln(os.Stderr, "harvest run:", runErr)
		os.Exit(1)
	}
	if okCount == 0 && len(providers) > 0 {
		os.Exit(1)
	}
}

func mustOpenPool(ctx context.Context, dsn string, maxConns int32) *pgxpool.Pool {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pg-dsn parse:", err)
		os.Exit(2)
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	pcfg.MaxConns = maxConns
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pg connect:", err)
		os.Exit(2)
	}
	return pool
}
