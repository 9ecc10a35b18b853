package mapping

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/odvcencio/strata/pkg/object"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS mappings (
	source  TEXT NOT NULL,
	mapping TEXT NOT NULL,
	builder TEXT NOT NULL,
	result  TEXT NOT NULL,
	PRIMARY KEY (source, mapping)
);
CREATE INDEX IF NOT EXISTS mappings_builder ON mappings (source, builder);
CREATE INDEX IF NOT EXISTS mappings_result ON mappings (source, result);
`

// SQLiteBackend keeps the index in one SQLite table. Both keys live in the
// same row, so a pair can never be half present.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite creates or opens the index database at path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - 5-second busy timeout for cross-process lock contention
func OpenSQLite(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open mapping database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect mapping database: %w", err)
	}
	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("mapping database %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("mapping database schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Put(source string, e Entry) error {
	if err := ValidateSource(source); err != nil {
		return err
	}
	res, err := b.db.Exec(
		`INSERT INTO mappings (source, mapping, builder, result) VALUES (?, ?, ?, ?)
		 ON CONFLICT (source, mapping) DO NOTHING`,
		source, string(e.Mapping), string(e.Builder), string(e.Result))
	if err != nil {
		return fmt.Errorf("record mapping %s: %w", e.Mapping, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var builder, result string
	err = b.db.QueryRow(
		`SELECT builder, result FROM mappings WHERE source = ? AND mapping = ?`,
		source, string(e.Mapping)).Scan(&builder, &result)
	if err != nil {
		return fmt.Errorf("record mapping %s: %w", e.Mapping, err)
	}
	if object.Hash(builder) != e.Builder {
		return conflict(source, Link{Key: KeyBuilder, Hash: e.Builder, Mapping: e.Mapping}, "recorded under builder "+builder)
	}
	if object.Hash(result) != e.Result {
		return conflict(source, Link{Key: KeyResult, Hash: e.Result, Mapping: e.Mapping}, "recorded under result "+result)
	}
	return nil
}

func (b *SQLiteBackend) ByBuilder(source string, builder object.Hash) ([]object.Hash, error) {
	return b.query(`SELECT mapping FROM mappings WHERE source = ? AND builder = ? ORDER BY mapping`, source, string(builder))
}

func (b *SQLiteBackend) ByResult(source string, result object.Hash) ([]object.Hash, error) {
	return b.query(`SELECT mapping FROM mappings WHERE source = ? AND result = ? ORDER BY mapping`, source, string(result))
}

func (b *SQLiteBackend) query(q string, args ...any) ([]object.Hash, error) {
	rows, err := b.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("mapping lookup: %w", err)
	}
	defer rows.Close()
	var out []object.Hash
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("mapping lookup: %w", err)
		}
		out = append(out, object.Hash(m))
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Sources() ([]string, error) {
	rows, err := b.db.Query(`SELECT DISTINCT source FROM mappings ORDER BY source`)
	if err != nil {
		return nil, fmt.Errorf("mapping sources: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("mapping sources: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Links reports both halves of every row.
func (b *SQLiteBackend) Links(source string) ([]Link, error) {
	rows, err := b.db.Query(`SELECT mapping, builder, result FROM mappings WHERE source = ? ORDER BY mapping`, source)
	if err != nil {
		return nil, fmt.Errorf("mapping links: %w", err)
	}
	defer rows.Close()
	var out []Link
	for rows.Next() {
		var m, builder, result string
		if err := rows.Scan(&m, &builder, &result); err != nil {
			return nil, fmt.Errorf("mapping links: %w", err)
		}
		out = append(out,
			Link{Source: source, Key: KeyBuilder, Hash: object.Hash(builder), Mapping: object.Hash(m)},
			Link{Source: source, Key: KeyResult, Hash: object.Hash(result), Mapping: object.Hash(m)},
		)
	}
	return out, rows.Err()
}

// FixLink is a no-op: rows cannot point at the wrong object.
func (b *SQLiteBackend) FixLink(Link) error { return nil }

// RemoveLink deletes the row holding the link, and with it the other half.
func (b *SQLiteBackend) RemoveLink(l Link) error {
	col := "builder"
	if l.Key == KeyResult {
		col = "result"
	}
	_, err := b.db.Exec(`DELETE FROM mappings WHERE source = ? AND mapping = ? AND `+col+` = ?`,
		l.Source, string(l.Mapping), string(l.Hash))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("remove mapping link %s: %w", l, err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
