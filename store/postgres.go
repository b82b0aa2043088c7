package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/ohler55/ojg/oj"

	"github.com/driftlab/driftd"
)

const recordTable = "driftd_records"

// PostgresStore persists records in Postgres with an LRU read cache in
// front. Safe for several daemon processes sharing one database, since
// every read outside the cache and every write goes straight through.
type PostgresStore struct {
	db    *sql.DB
	cache *lru.Cache[string, *driftd.Record]

	schemaOnce sync.Once
	schemaErr  error
	seqOnce    sync.Once
}

// NewPostgres opens a store over the given DSN.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	cache, err := lru.New[string, *driftd.Record](1024)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db, cache: cache}, nil
}

// Close releases the database handle.
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS `+recordTable+` (
				id        TEXT PRIMARY KEY,
				payload   JSONB,
				meta      JSONB,
				produced  TIMESTAMPTZ NOT NULL,
				seq       BIGINT NOT NULL DEFAULT 0
			)`)
		if s.schemaErr != nil {
			return
		}
		s.seqOnce.Do(func() {
			var maxSeq sql.NullInt64
			if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM `+recordTable).Scan(&maxSeq); err == nil && maxSeq.Valid {
				driftd.SyncSeq(uint64(maxSeq.Int64))
			}
		})
	})
	return s.schemaErr
}

// Get retrieves a record by identity.
func (s *PostgresStore) Get(ctx context.Context, id string) (*driftd.Record, bool, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, false, err
	}
	if rec, ok := s.cache.Get(id); ok {
		return rec, true, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT payload, meta, produced, seq FROM `+recordTable+` WHERE id = $1`, id)
	rec, err := scanRecord(id, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	s.cache.Add(id, rec)
	return rec, true, nil
}

// Put replaces the record for rec.ID.
func (s *PostgresStore) Put(ctx context.Context, rec *driftd.Record) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	payload, err := oj.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	meta, err := oj.Marshal(rec.Meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+recordTable+` (id, payload, meta, produced, seq)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET payload = EXCLUDED.payload,
		    meta = EXCLUDED.meta,
		    produced = EXCLUDED.produced,
		    seq = EXCLUDED.seq`,
		rec.ID, string(payload), string(meta), rec.Timestamp.UTC(), int64(rec.Seq))
	if err != nil {
		return fmt.Errorf("put record %s: %w", rec.ID, err)
	}
	s.cache.Add(rec.ID, rec)
	return nil
}

// Recent returns up to limit records, newest first.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]*driftd.Record, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, meta, produced, seq FROM `+recordTable+`
		 ORDER BY produced DESC, seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*driftd.Record
	for rows.Next() {
		var (
			rec          driftd.Record
			payload, meta []byte
			produced     time.Time
			seq          int64
		)
		if err := rows.Scan(&rec.ID, &payload, &meta, &produced, &seq); err != nil {
			return nil, err
		}
		if err := decodeJSONFields(&rec, payload, meta, produced, seq); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func scanRecord(id string, row *sql.Row) (*driftd.Record, error) {
	var (
		payload, meta []byte
		produced      time.Time
		seq           int64
	)
	if err := row.Scan(&payload, &meta, &produced, &seq); err != nil {
		return nil, err
	}
	rec := &driftd.Record{ID: id}
	if err := decodeJSONFields(rec, payload, meta, produced, seq); err != nil {
		return nil, err
	}
	return rec, nil
}

func decodeJSONFields(rec *driftd.Record, payload, meta []byte, produced time.Time, seq int64) error {
	if len(payload) > 0 {
		v, err := oj.Parse(payload)
		if err != nil {
			return fmt.Errorf("decode payload for %s: %w", rec.ID, err)
		}
		rec.Payload = v
	}
	if len(meta) > 0 {
		v, err := oj.Parse(meta)
		if err != nil {
			return fmt.Errorf("decode meta for %s: %w", rec.ID, err)
		}
		if m, ok := v.(map[string]any); ok {
			rec.Meta = m
		}
	}
	rec.Timestamp = produced
	if seq > 0 {
		rec.Seq = uint64(seq)
	}
	return nil
}
