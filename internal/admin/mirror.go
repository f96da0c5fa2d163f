// Package admin maintains a relational mirror of the schema for the
// administrative UI. The mirror is a projection: Sync rewrites it from the
// loaded model at startup, and reads serve inspection only. The schema
// document stays the single source of truth.
package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/depotd/depot/internal/schema"
)

// Mirror is the SQLite-backed configuration projection.
type Mirror struct {
	db *sql.DB
}

// Open creates or opens the mirror database at path.
func Open(path string) (*Mirror, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open admin mirror %s: %w", path, err)
	}

	m := &Mirror{db: db}
	if err := m.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Mirror) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS repository_config (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			schema_version TEXT NOT NULL,
			type_id TEXT NOT NULL,
			description TEXT,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS entities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS entity_fields (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			optional INTEGER DEFAULT 0,
			normalizations TEXT,
			FOREIGN KEY (entity_id) REFERENCES entities(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS entity_constraints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id INTEGER NOT NULL,
			field TEXT NOT NULL,
			regex TEXT NOT NULL,
			when_present INTEGER DEFAULT 0,
			FOREIGN KEY (entity_id) REFERENCES entities(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS blob_stores (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			root TEXT NOT NULL,
			digest TEXT,
			path_template TEXT,
			max_blob_bytes INTEGER,
			min_blob_bytes INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS kv_stores (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			root TEXT NOT NULL
		);`,
	}
	for _, stmt := range statements {
		if _, err := m.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate admin mirror: %w", err)
		}
	}
	return nil
}

// Sync rewrites the mirror from the loaded model.
func (m *Mirror) Sync(ctx context.Context, model *schema.Model) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sync: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"repository_config", "entities", "entity_fields", "entity_constraints", "blob_stores", "kv_stores"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO repository_config (schema_version, type_id, description, updated_at) VALUES (?, ?, ?, ?)`,
		model.SchemaVersion, model.TypeID, model.Description, now); err != nil {
		return fmt.Errorf("sync config: %w", err)
	}

	for _, entityName := range []string{"artifact", "package"} {
		entity, ok := model.Entity(entityName)
		if !ok {
			continue
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO entities (name) VALUES (?)`, entity.Name)
		if err != nil {
			return fmt.Errorf("sync entity %s: %w", entity.Name, err)
		}
		entityID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		for _, field := range entity.Fields {
			rules, _ := json.Marshal(normalizerNames(field.Normalizers))
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO entity_fields (entity_id, name, optional, normalizations) VALUES (?, ?, ?, ?)`,
				entityID, field.Name, boolInt(field.Optional), string(rules)); err != nil {
				return fmt.Errorf("sync field %s.%s: %w", entity.Name, field.Name, err)
			}
		}

		for _, c := range entity.Constraints {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO entity_constraints (entity_id, field, regex, when_present) VALUES (?, ?, ?, ?)`,
				entityID, c.Field, c.Pattern, boolInt(c.WhenPresent)); err != nil {
				return fmt.Errorf("sync constraint %s.%s: %w", entity.Name, c.Field, err)
			}
		}
	}

	for _, bs := range model.BlobStores {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO blob_stores (name, kind, root, digest, path_template, max_blob_bytes, min_blob_bytes)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			bs.Name, bs.Kind, bs.Root, bs.Digest, bs.PathTemplate, bs.MaxBlobBytes, bs.MinBlobBytes); err != nil {
			return fmt.Errorf("sync blob store %s: %w", bs.Name, err)
		}
	}

	for _, kvs := range model.KVStores {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv_stores (name, kind, root) VALUES (?, ?, ?)`,
			kvs.Name, kvs.Kind, kvs.Root); err != nil {
			return fmt.Errorf("sync kv store %s: %w", kvs.Name, err)
		}
	}

	return tx.Commit()
}

// Snapshot is the mirrored configuration served to the admin API.
type Snapshot struct {
	SchemaVersion string           `json:"schema_version"`
	TypeID        string           `json:"type_id"`
	Description   string           `json:"description"`
	UpdatedAt     string           `json:"updated_at"`
	Entities      []EntitySnapshot `json:"entities"`
	BlobStores    []StoreRow       `json:"blob_stores"`
	KVStores      []StoreRow       `json:"kv_stores"`
}

type EntitySnapshot struct {
	Name        string          `json:"name"`
	Fields      []FieldRow      `json:"fields"`
	Constraints []ConstraintRow `json:"constraints"`
}

type FieldRow struct {
	Name           string `json:"name"`
	Optional       bool   `json:"optional"`
	Normalizations string `json:"normalizations"`
}

type ConstraintRow struct {
	Field       string `json:"field"`
	Regex       string `json:"regex"`
	WhenPresent bool   `json:"when_present"`
}

type StoreRow struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Root string `json:"root"`
}

// Snapshot reads back the full mirror contents.
func (m *Mirror) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	row := m.db.QueryRowContext(ctx,
		`SELECT schema_version, type_id, description, updated_at FROM repository_config LIMIT 1`)
	if err := row.Scan(&snap.SchemaVersion, &snap.TypeID, &snap.Description, &snap.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return snap, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `SELECT id, name FROM entities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("read entities: %w", err)
	}
	defer rows.Close()

	type entityRef struct {
		id   int64
		name string
	}
	var refs []entityRef
	for rows.Next() {
		var ref entityRef
		if err := rows.Scan(&ref.id, &ref.name); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, ref := range refs {
		entity := EntitySnapshot{Name: ref.name}

		frows, err := m.db.QueryContext(ctx,
			`SELECT name, optional, normalizations FROM entity_fields WHERE entity_id = ? ORDER BY id`, ref.id)
		if err != nil {
			return nil, fmt.Errorf("read fields: %w", err)
		}
		for frows.Next() {
			var f FieldRow
			var optional int
			if err := frows.Scan(&f.Name, &optional, &f.Normalizations); err != nil {
				frows.Close()
				return nil, err
			}
			f.Optional = optional != 0
			entity.Fields = append(entity.Fields, f)
		}
		frows.Close()

		crows, err := m.db.QueryContext(ctx,
			`SELECT field, regex, when_present FROM entity_constraints WHERE entity_id = ? ORDER BY id`, ref.id)
		if err != nil {
			return nil, fmt.Errorf("read constraints: %w", err)
		}
		for crows.Next() {
			var c ConstraintRow
			var whenPresent int
			if err := crows.Scan(&c.Field, &c.Regex, &whenPresent); err != nil {
				crows.Close()
				return nil, err
			}
			c.WhenPresent = whenPresent != 0
			entity.Constraints = append(entity.Constraints, c)
		}
		crows.Close()

		snap.Entities = append(snap.Entities, entity)
	}

	snap.BlobStores, err = m.storeRows(ctx, "blob_stores")
	if err != nil {
		return nil, err
	}
	snap.KVStores, err = m.storeRows(ctx, "kv_stores")
	if err != nil {
		return nil, err
	}

	return snap, nil
}

func (m *Mirror) storeRows(ctx context.Context, table string) ([]StoreRow, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT name, kind, root FROM `+table+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	defer rows.Close()

	var out []StoreRow
	for rows.Next() {
		var s StoreRow
		if err := rows.Scan(&s.Name, &s.Kind, &s.Root); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (m *Mirror) Close() error { return m.db.Close() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func normalizerNames(rules []schema.Normalizer) []string {
	names := make([]string, 0, len(rules))
	for _, r := range rules {
		switch r.Kind {
		case schema.Trim:
			names = append(names, "trim")
		case schema.Lower:
			names = append(names, "lower")
		case schema.Replace:
			names = append(names, "replace:"+r.From+":"+r.To)
		}
	}
	return names
}
