package harvest

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink is an optional pipeline stage that appends harvested records
// to a database table, keyed by (provider, prefix, record id) with
// ON CONFLICT DO NOTHING so re-harvesting the same records is cheap.
//
// Expected table (template):
//
//	CREATE TABLE <schema>.harvested_records (
//	    provider     text NOT NULL,
//	    prefix       text NOT NULL,
//	    record_id    text NOT NULL,
//	    content      xml  NOT NULL,
//	    harvested_at timestamptz NOT NULL,
//	    PRIMARY KEY (provider, prefix, record_id)
//	);
type PostgresSink struct {
	Pool   *pgxpool.Pool
	Schema string
	Batch  int
}

type recordRow struct {
	provider string
	prefix   string
	id       string
	content  []byte
}

// Perform inserts the batch. Records that fail to serialize are dropped with
// a warning; a database error fails the stage.
func (s *PostgresSink) Perform(records *[]*Metadata) bool {
	rows := s.rows(*records)
	if err := s.insert(context.Background(), rows); err != nil {
		fmt.Printf("[pgsink] insert failed: %v\n", err)
		return false
	}
	return true
}

func (s *PostgresSink) rows(records []*Metadata) []recordRow {
	out := make([]recordRow, 0, len(records))
	for _, rec := range records {
		body, err := rec.Doc().Bytes()
		if err != nil {
			fmt.Printf("[pgsink] dropping record %q: %v\n", rec.ID(), err)
			continue
		}
		provider := ""
		if rec.Origin() != nil {
			provider = rec.Origin().Name
		}
		out = append(out, recordRow{provider: provider, prefix: rec.Prefix(), id: rec.ID(), content: body})
	}
	return out
}

func (s *PostgresSink) insert(ctx context.Context, rows []recordRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := s.Batch
	if batch <= 0 {
		batch = 200
	}
	schema := s.Schema
	if schema == "" {
		schema = "public"
	}
	table := fmt.Sprintf(`"%s".harvested_records`, schema)
	now := time.Now().UTC()

	for i := 0; i < len(rows); i += batch {
		j := i + batch
		if j > len(rows) {
			j = len(rows)
		}
		b := &pgx.Batch{}
		for _, r := range rows[i:j] {
			b.Queue(
				`INSERT INTO `+table+` (provider, prefix, record_id, content, harvested_at)
				 VALUES ($1,$2,$3,$4,$5)
				 ON CONFLICT (provider, prefix, record_id) DO NOTHING`,
				r.provider, r.prefix, r.id, string(r.content), now,
			)
		}
		br := s.Pool.SendBatch(ctx, b)
		for k := i; k < j; k++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return err
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Same reports stage equality: same target schema.
func (s *PostgresSink) Same(other Action) bool {
	o, ok := other.(*PostgresSink)
	return ok && o.Schema == s.Schema
}

func (s *PostgresSink) String() string { return "pg sink " + s.Schema }
