// Package adapters contains pluggable repository protocol connectors.
//
// The harvesting core never talks to the network itself: every format
// discovery, listing page, and record fetch goes through a RepositoryAdapter.
// The default implementation operates in a fully offline mock mode so the
// whole pipeline can run end to end without external dependencies.
package adapters

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Record is one raw record payload as returned by a listing or fetch call.
// Body is a well-formed XML fragment rooted at the protocol's record element.
type Record struct {
	ID     string
	Prefix string
	Body   []byte
}

// FetchMeta provides request-level telemetry without leaking connector
// details.
type FetchMeta struct {
	StatusCode int
	Latency    time.Duration
}

// RepositoryAdapter abstracts all repository-specific protocol logic. A
// returned empty resumption token means the listing is exhausted. Every error
// is a transient fetch failure from the caller's point of view; the scenario
// driver owns the retry budget.
type RepositoryAdapter interface {
	Name() string

	// ListMetadataFormats returns the format prefixes the repository offers.
	ListMetadataFormats(ctx context.Context) ([]string, FetchMeta, error)

	// ListIdentifiers returns one page of record identifiers for a prefix.
	// Pass the previous call's token to continue; "" starts from the top.
	ListIdentifiers(ctx context.Context, prefix, token string) ([]string, string, FetchMeta, error)

	// ListRecords returns one page of full records for a prefix.
	ListRecords(ctx context.Context, prefix, token string) ([]Record, string, FetchMeta, error)

	// GetRecord fetches a single record by identifier.
	GetRecord(ctx context.Context, prefix, id string) (Record, FetchMeta, error)
}

// Options configures New.
type Options struct {
	Kind      string // mock | http-xml
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	// Limiter, when set, gates every outgoing request. Shared across adapters
	// to bound the whole process.
	Limiter *rate.Limiter
}

// New builds an adapter by kind.
func New(opts Options) (RepositoryAdapter, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "", "mock":
		return NewMockAdapter(MockOptions{BaseURL: opts.BaseURL}), nil
	case "http-xml":
		return NewHTTPXMLAdapter(opts)
	default:
		return nil, fmt.Errorf("unknown adapter: %q (expected mock|http-xml)", opts.Kind)
	}
}

/* ========================= Adapter: http-xml ========================= */

const maxBodyBytes = 8 << 20

// HTTPXMLAdapter talks to a live repository over HTTP GET with verb query
// parameters and an XML envelope, the classic shape of resumption-token
// listing protocols:
//
//	GET {base}?verb=ListMetadataFormats
//	GET {base}?verb=ListIdentifiers&metadataPrefix=...[&resumptionToken=...]
//	GET {base}?verb=ListRecords&metadataPrefix=...[&resumptionToken=...]
//	GET {base}?verb=GetRecord&metadataPrefix=...&identifier=...
type HTTPXMLAdapter struct {
	baseURL   string
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
}

// NewHTTPXMLAdapter validates the options and builds the adapter.
func NewHTTPXMLAdapter(opts Options) (*HTTPXMLAdapter, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("http-xml adapter requires a base URL")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	to := opts.Timeout
	if to <= 0 {
		to = 20 * time.Second
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "oai-harvest-template/1.0"
	}
	return &HTTPXMLAdapter{
		baseURL:   strings.TrimRight(base, "/"),
		userAgent: ua,
		client:    &http.Client{Timeout: to},
		limiter:   opts.Limiter,
	}, nil
}

func (a *HTTPXMLAdapter) Name() string { return "http-xml" }

// Envelope shapes. Namespaces are ignored on purpose: local names are stable
// across repository implementations, prefixes are not.

type formatsEnvelope struct {
	Formats []struct {
		Prefix string `xml:"metadataPrefix"`
	} `xml:"ListMetadataFormats>metadataFormat"`
}

type headerEnvelope struct {
	Identifier string `xml:"identifier"`
}

type identifiersEnvelope struct {
	Headers []headerEnvelope `xml:"ListIdentifiers>header"`
	Token   string           `xml:"ListIdentifiers>resumptionToken"`
}

type rawRecord struct {
	Header headerEnvelope `xml:"header"`
	Inner  []byte         `xml:",innerxml"`
}

type recordsEnvelope struct {
	Records []rawRecord `xml:"ListRecords>record"`
	Token   string      `xml:"ListRecords>resumptionToken"`
}

type getRecordEnvelope struct {
	Record rawRecord `xml:"GetRecord>record"`
}

func (a *HTTPXMLAdapter) ListMetadataFormats(ctx context.Context) ([]string, FetchMeta, error) {
	body, meta, err := a.doGET(ctx, map[string]string{"verb": "ListMetadataFormats"})
	if err != nil {
		return nil, meta, err
	}
	var env formatsEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return nil, meta, fmt.Errorf("formats payload parse: %w", err)
	}
	out := make([]string, 0, len(env.Formats))
	for _, f := range env.Formats {
		if p := strings.TrimSpace(f.Prefix); p != "" {
			out = append(out, p)
		}
	}
	return out, meta, nil
}

func (a *HTTPXMLAdapter) ListIdentifiers(ctx context.Context, prefix, token string) ([]string, string, FetchMeta, error) {
	params := map[string]string{"verb": "ListIdentifiers"}
	if token != "" {
		params["resumptionToken"] = token
	} else {
		params["metadataPrefix"] = prefix
	}
	body, meta, err := a.doGET(ctx, params)
	if err != nil {
		return nil, "", meta, err
	}
	var env identifiersEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return nil, "", meta, fmt.Errorf("identifiers payload parse: %w", err)
	}
	ids := make([]string, 0, len(env.Headers))
	for _, h := range env.Headers {
		if id := strings.TrimSpace(h.Identifier); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, strings.TrimSpace(env.Token), meta, nil
}

func (a *HTTPXMLAdapter) ListRecords(ctx context.Context, prefix, token string) ([]Record, string, FetchMeta, error) {
	params := map[string]string{"verb": "ListRecords"}
	if token != "" {
		params["resumptionToken"] = token
	} else {
		params["metadataPrefix"] = prefix
	}
	body, meta, err := a.doGET(ctx, params)
	if err != nil {
		return nil, "", meta, err
	}
	var env recordsEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return nil, "", meta, fmt.Errorf("records payload parse: %w", err)
	}
	out := make([]Record, 0, len(env.Records))
	for _, r := range env.Records {
		out = append(out, wrapRecord(r, prefix))
	}
	return out, strings.TrimSpace(env.Token), meta, nil
}

func (a *HTTPXMLAdapter) GetRecord(ctx context.Context, prefix, id string) (Record, FetchMeta, error) {
	body, meta, err := a.doGET(ctx, map[string]string{
		"verb":           "GetRecord",
		"metadataPrefix": prefix,
		"identifier":     id,
	})
	if err != nil {
		return Record{}, meta, err
	}
	var env getRecordEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return Record{}, meta, fmt.Errorf("record payload parse: %w", err)
	}
	rec := wrapRecord(env.Record, prefix)
	if rec.ID == "" {
		rec.ID = id
	}
	return rec, meta, nil
}

// wrapRecord re-roots the record fragment so Body stays a well-formed
// document on its own.
func wrapRecord(r rawRecord, prefix string) Record {
	return Record{
		ID:     strings.TrimSpace(r.Header.Identifier),
		Prefix: prefix,
		Body:   []byte("<record>" + string(r.Inner) + "</record>"),
	}
}

func (a *HTTPXMLAdapter) doGET(ctx context.Context, params map[string]string) ([]byte, FetchMeta, error) {
	start := time.Now()
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, FetchMeta{Latency: time.Since(start)}, err
		}
	}

	u, err := url.Parse(a.baseURL)
	if err != nil {
		return nil, FetchMeta{Latency: time.Since(start)}, err
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, FetchMeta{Latency: time.Since(start)}, err
	}
	req.Header.Set("User-Agent", a.userAgent)
	req.Header.Set("Accept", "text/xml, application/xml")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, FetchMeta{Latency: time.Since(start)}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	meta := FetchMeta{StatusCode: resp.StatusCode, Latency: time.Since(start)}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, meta, fmt.Errorf("http status %d", resp.StatusCode)
	}
	return body, meta, nil
}

/* ========================= Adapter: mock (default) ========================= */

// MockAdapter produces synthetic records for demos and tests. It is
// deterministic for a given configuration and makes no network calls.
type MockAdapter struct {
	baseURL  string
	prefixes []string
	pages    int
	perPage  int
}

// MockOptions configures the mock adapter. Zero values get safe defaults.
type MockOptions struct {
	BaseURL  string
	Prefixes []string
	Pages    int
	PerPage  int
}

// NewMockAdapter builds a deterministic offline adapter.
func NewMockAdapter(opts MockOptions) *MockAdapter {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		base = "https://example-repository.invalid"
	}
	prefixes := opts.Prefixes
	if len(prefixes) == 0 {
		prefixes = []string{"oai_dc"}
	}
	pages := opts.Pages
	if pages <= 0 {
		pages = 3
	}
	perPage := opts.PerPage
	if perPage <= 0 {
		perPage = 10
	}
	return &MockAdapter{baseURL: strings.TrimRight(base, "/"), prefixes: prefixes, pages: pages, perPage: perPage}
}

func (m *MockAdapter) Name() string { return "mock" }

func (m *MockAdapter) ListMetadataFormats(ctx context.Context) ([]string, FetchMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, FetchMeta{}, err
	}
	return append([]string(nil), m.prefixes...), FetchMeta{StatusCode: 200}, nil
}

func (m *MockAdapter) page(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(token, "page-"))
	if err != nil || n <= 0 || n >= m.pages {
		return 0, fmt.Errorf("bad resumption token %q", token)
	}
	return n, nil
}

func (m *MockAdapter) next(page int) string {
	if page+1 >= m.pages {
		return ""
	}
	return "page-" + strconv.Itoa(page+1)
}

func (m *MockAdapter) idFor(prefix string, page, i int) string {
	return fmt.Sprintf("oai:mock:%s:%06d", prefix, page*m.perPage+i+1)
}

func (m *MockAdapter) ListIdentifiers(ctx context.Context, prefix, token string) ([]string, string, FetchMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", FetchMeta{}, err
	}
	page, err := m.page(token)
	if err != nil {
		return nil, "", FetchMeta{StatusCode: 400}, err
	}
	out := make([]string, 0, m.perPage)
	for i := 0; i < m.perPage; i++ {
		out = append(out, m.idFor(prefix, page, i))
	}
	return out, m.next(page), FetchMeta{StatusCode: 200}, nil
}

func (m *MockAdapter) ListRecords(ctx context.Context, prefix, token string) ([]Record, string, FetchMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", FetchMeta{}, err
	}
	page, err := m.page(token)
	if err != nil {
		return nil, "", FetchMeta{StatusCode: 400}, err
	}
	out := make([]Record, 0, m.perPage)
	for i := 0; i < m.perPage; i++ {
		id := m.idFor(prefix, page, i)
		out = append(out, Record{ID: id, Prefix: prefix, Body: m.synthesize(id, page*m.perPage+i)})
	}
	return out, m.next(page), FetchMeta{StatusCode: 200}, nil
}

func (m *MockAdapter) GetRecord(ctx context.Context, prefix, id string) (Record, FetchMeta, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, FetchMeta{}, err
	}
	var seq int
	if n := strings.LastIndex(id, ":"); n >= 0 {
		seq, _ = strconv.Atoi(strings.TrimLeft(id[n+1:], "0"))
	}
	return Record{ID: id, Prefix: prefix, Body: m.synthesize(id, seq)}, FetchMeta{StatusCode: 200}, nil
}

// synthesize emits a wrapped record. Every 17th record is a deletion stub
// with no metadata payload, which exercises the pipeline's drop path.
func (m *MockAdapter) synthesize(id string, seq int) []byte {
	if seq > 0 && seq%17 == 0 {
		return []byte(fmt.Sprintf(
			`<record><header status="deleted"><identifier>%s</identifier></header></record>`, id))
	}
	return []byte(fmt.Sprintf(
		`<record><header><identifier>%s</identifier></header>`+
			`<metadata><dc><title>Synthetic record %s</title>`+
			`<source>%s</source></dc></metadata></record>`,
		id, id, m.baseURL))
}
