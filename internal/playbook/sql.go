package playbook

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mohammad-safakhou/askace/internal/failure"
	_ "modernc.org/sqlite"
)

// Dialect selects SQL syntax and tag encoding.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore persists items in postgres (tags as TEXT[]) or sqlite (tags as
// a JSON array).
type SQLStore struct {
	DB      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{DB: db, dialect: dialect, now: time.Now}
}

// OpenPostgres connects with lib/pq and pings the database.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewSQLStore(db, DialectPostgres), nil
}

// OpenSQLite opens a local database file with WAL journaling. A single
// connection serialises writers.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	return NewSQLStore(db, DialectSQLite), nil
}

// rebind rewrites ? placeholders as $n for postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) encodeTags(tags []string) (any, error) {
	tags = NormalizeTags(tags)
	if s.dialect == DialectPostgres {
		return pq.Array(tags), nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

type tagScanner struct {
	dialect Dialect
	pg      pq.StringArray
	raw     sql.NullString
}

func (t *tagScanner) dest() any {
	if t.dialect == DialectPostgres {
		return &t.pg
	}
	return &t.raw
}

func (t *tagScanner) tags() ([]string, error) {
	if t.dialect == DialectPostgres {
		return []string(t.pg), nil
	}
	if !t.raw.Valid || t.raw.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(t.raw.String), &out); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return out, nil
}

const selectItems = `SELECT id, type, content, tags, helpful, harmful, created_at, updated_at, version FROM playbook_items`

func (s *SQLStore) scan(rows *sql.Rows) ([]Item, error) {
	var out []Item
	for rows.Next() {
		var it Item
		ts := tagScanner{dialect: s.dialect}
		if err := rows.Scan(&it.ID, &it.Type, &it.Content, ts.dest(), &it.Helpful, &it.Harmful, &it.CreatedAt, &it.UpdatedAt, &it.Version); err != nil {
			return nil, err
		}
		tags, err := ts.tags()
		if err != nil {
			return nil, err
		}
		it.Tags = tags
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *SQLStore) Query(ctx context.Context, tag string) ([]Item, error) {
	rows, err := s.DB.QueryContext(ctx, selectItems+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query playbook: %w", err)
	}
	defer rows.Close()
	items, err := s.scan(rows)
	if err != nil {
		return nil, fmt.Errorf("query playbook: %w", err)
	}
	out := items[:0]
	for _, it := range items {
		if it.Deprecated() || (tag != "" && !it.HasTag(tag)) {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

func (s *SQLStore) Snapshot(ctx context.Context) (Snapshot, error) {
	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: s.dialect == DialectPostgres})
	if err != nil {
		return Snapshot{}, err
	}
	defer func() { _ = tx.Rollback() }()
	rows, err := tx.QueryContext(ctx, selectItems)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot playbook: %w", err)
	}
	defer rows.Close()
	items, err := s.scan(rows)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot playbook: %w", err)
	}
	snap := Snapshot{Items: make(map[string]Item, len(items))}
	for _, it := range items {
		snap.Items[it.ID] = it
	}
	return snap, nil
}

// Upsert applies the batch in one transaction. Updates are conditional on
// the expected version and on counters not decreasing; any miss rolls the
// whole batch back.
func (s *SQLStore) Upsert(ctx context.Context, b Batch) (err error) {
	if b.Empty() {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := s.now().UTC()
	insert := s.rebind(`INSERT INTO playbook_items (id, type, content, tags, helpful, harmful, created_at, updated_at, version)
VALUES (?,?,?,?,?,?,?,?,1)
ON CONFLICT (id) DO NOTHING`)
	for _, it := range b.Inserts {
		tags, terr := s.encodeTags(it.Tags)
		if terr != nil {
			return terr
		}
		created, updated := orNow(it.CreatedAt, now), orNow(it.UpdatedAt, now)
		res, xerr := tx.ExecContext(ctx, insert, it.ID, string(it.Type), it.Content, tags, it.Helpful, it.Harmful, created, updated)
		if xerr != nil {
			return fmt.Errorf("insert %s: %w", it.ID, xerr)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return failure.Newf(failure.ReasonMergeConflict, "playbook upsert", "item %s already exists", it.ID)
		}
	}

	update := s.rebind(`UPDATE playbook_items SET content=?, tags=?, helpful=?, harmful=?, updated_at=?, version=version+1
WHERE id=? AND version=? AND helpful<=? AND harmful<=?`)
	for _, it := range b.Updates {
		tags, terr := s.encodeTags(it.Tags)
		if terr != nil {
			return terr
		}
		res, xerr := tx.ExecContext(ctx, update, it.Content, tags, it.Helpful, it.Harmful, orNow(it.UpdatedAt, now), it.ID, it.Version, it.Helpful, it.Harmful)
		if xerr != nil {
			return fmt.Errorf("update %s: %w", it.ID, xerr)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return failure.Newf(failure.ReasonMergeConflict, "playbook upsert", "item %s missing or changed since version %d", it.ID, it.Version)
		}
	}

	if err = tx.Commit(); err != nil {
		return err
	}
	return nil
}

func (s *SQLStore) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t.UTC()
}
