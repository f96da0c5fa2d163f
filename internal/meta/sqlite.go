package meta

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	_ "modernc.org/sqlite"
)

// SQLite is a durable KV implementation backed by a single-table SQLite
// database. PutIfAbsent maps to INSERT ... ON CONFLICT DO NOTHING, which
// gives the create-if-absent primitive real transactional semantics.
type SQLite struct {
	db     *sql.DB
	closed atomic.Bool
	stats  *tracker
}

// OpenSQLite opens (creating if necessary) a SQLite-backed store at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// Single writer; WAL keeps readers off the write lock.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	}

	s := &SQLite{db: db, stats: newTracker()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS records (
        key   TEXT PRIMARY KEY,
        value BLOB NOT NULL
    );`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("migrate records table: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.stats.gets.Add(1)
	if s.closed.Load() {
		return nil, false, ErrClosed
	}

	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM records WHERE key = ?`, key).Scan(&value)
	switch {
	case err == sql.ErrNoRows:
		s.stats.hit(false)
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}

	s.stats.hit(true)
	return value, true, nil
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte) error {
	s.stats.puts.Add(1)
	if s.closed.Load() {
		return ErrClosed
	}

	query := `INSERT INTO records (key, value) VALUES (?, ?)
	          ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	s.stats.casPuts.Add(1)
	if s.closed.Load() {
		return false, ErrClosed
	}

	query := `INSERT INTO records (key, value) VALUES (?, ?)
	          ON CONFLICT(key) DO NOTHING`
	res, err := s.db.ExecContext(ctx, query, key, value)
	if err != nil {
		return false, fmt.Errorf("cas put %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas put %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	s.stats.deletes.Add(1)
	if s.closed.Load() {
		return ErrClosed
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := s.prefixQuery(ctx, `SELECT key FROM records`, prefix, ` ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("keys %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLite) Count(ctx context.Context, prefix string) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	rows, err := s.prefixQuery(ctx, `SELECT COUNT(*) FROM records`, prefix, ``)
	if err != nil {
		return 0, fmt.Errorf("count %q: %w", prefix, err)
	}
	defer rows.Close()

	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, err
		}
	}
	return n, rows.Err()
}

// prefixQuery appends a range condition for the prefix. A range scan over
// the primary key avoids LIKE escaping issues.
func (s *SQLite) prefixQuery(ctx context.Context, base, prefix, suffix string) (*sql.Rows, error) {
	if prefix == "" {
		return s.db.QueryContext(ctx, base+suffix)
	}
	if end := prefixEnd(prefix); end != "" {
		return s.db.QueryContext(ctx, base+` WHERE key >= ? AND key < ?`+suffix, prefix, end)
	}
	return s.db.QueryContext(ctx, base+` WHERE key >= ?`+suffix, prefix)
}

func (s *SQLite) Stats() Stats {
	return s.stats.snapshot()
}

func (s *SQLite) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
