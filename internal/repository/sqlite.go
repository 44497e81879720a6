package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"trackguard/internal/engine"
)

// UserSource tags rows that come from the config file rather than a feed.
const UserSource = "user_manual"

// BlockedDomain is one blocklist row: a domain pattern in a category.
type BlockedDomain struct {
	Domain   string
	Category string
	Source   string
}

// EntityDomain is one row of an entity table. Kind is KindProperty or
// KindResource.
type EntityDomain struct {
	Entity string
	Kind   string
	Domain string
}

const (
	KindProperty = "property"
	KindResource = "resource"
)

type DomainDB struct {
	db     *sql.DB
	logger *zap.Logger
}

// InitDB opens (creating if needed) the database at path. ":memory:" is
// accepted for tests.
func (d *DomainDB) InitDB(path string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	d.logger = logger

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("could not create directory for db: %w", err)
		}
	}

	dsn := path
	if path != ":memory:" {
		// Sources sync concurrently, each in its own write transaction.
		dsn += "?_busy_timeout=60000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("could not open db: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return fmt.Errorf("could not connect to db (check permissions): %w", err)
	}

	d.db = db

	if _, err := d.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("failed to set WAL mode: %w", err)
	}

	q := `
	CREATE TABLE IF NOT EXISTS rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		domain TEXT NOT NULL,
		category TEXT NOT NULL,
		source TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at INTEGER,
		UNIQUE(domain, category)
	);

	CREATE INDEX IF NOT EXISTS idx_rules_source ON rules(source);

	CREATE TABLE IF NOT EXISTS entities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity TEXT NOT NULL,
		kind TEXT NOT NULL,
		domain TEXT NOT NULL,
		source TEXT,
		updated_at INTEGER,
		UNIQUE(entity, kind, domain)
	);

	CREATE TABLE IF NOT EXISTS category_state (
		name TEXT PRIMARY KEY,
		enabled INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT
	);
	`
	if _, err = d.db.Exec(q); err != nil {
		return fmt.Errorf("could not init tables: %w", err)
	}

	return nil
}

func (d *DomainDB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *DomainDB) GetETag(source string) string {
	var val string
	_ = d.db.QueryRow("SELECT value FROM metadata WHERE key = ?", source+"_etag").Scan(&val)
	return val
}

func (d *DomainDB) UpdateETag(source, etag string) error {
	_, err := d.db.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)", source+"_etag", etag)
	return err
}

// SyncUserRules replaces the rules and entity rows that come from the config
// file.
func (d *DomainDB) SyncUserRules(category string, blacklist []string, whitelist []EntityDomain) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM rules WHERE source = ?", UserSource); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM entities WHERE source = ?", UserSource); err != nil {
		return err
	}

	now := time.Now().Unix()
	for _, domain := range blacklist {
		_, err := tx.Exec(`
		INSERT INTO rules (domain, category, source, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(domain, category) DO UPDATE SET source = excluded.source, updated_at = excluded.updated_at;
		`, domain, category, UserSource, now)
		if err != nil {
			return err
		}
	}

	for _, e := range whitelist {
		_, err := tx.Exec(`
		INSERT INTO entities (entity, kind, domain, source, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity, kind, domain) DO UPDATE SET source = excluded.source, updated_at = excluded.updated_at;
		`, e.Entity, e.Kind, e.Domain, UserSource, now)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// StreamSync upserts every row from dataStream and then deletes the rows of
// source that were not seen in this pass (mark and sweep). If ctx is done by
// the time dataStream closes, nothing is committed.
func (d *DomainDB) StreamSync(ctx context.Context, dataStream <-chan BlockedDomain, source string) (int, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		drain(dataStream)
		return 0, err
	}
	defer tx.Rollback()

	importTime := time.Now().UnixNano()

	stmt, err := tx.Prepare(`
	INSERT INTO rules (domain, category, source, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(domain, category) DO UPDATE SET
		updated_at = excluded.updated_at,
		source = excluded.source;
	`)
	if err != nil {
		drain(dataStream)
		return 0, err
	}
	defer stmt.Close()

	count := 0
	for item := range dataStream {
		if _, err := stmt.Exec(item.Domain, item.Category, source, importTime); err != nil {
			d.logger.Warn("failed to insert rule", zap.String("domain", item.Domain), zap.Error(err))
			continue
		}
		count++
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if _, err := tx.Exec(`DELETE FROM rules WHERE source = ? AND updated_at != ?`, source, importTime); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	d.logger.Info("streamed rules", zap.String("source", source), zap.Int("count", count))
	return count, nil
}

// StreamEntities is StreamSync for entity rows.
func (d *DomainDB) StreamEntities(ctx context.Context, dataStream <-chan EntityDomain, source string) (int, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		drain(dataStream)
		return 0, err
	}
	defer tx.Rollback()

	importTime := time.Now().UnixNano()

	stmt, err := tx.Prepare(`
	INSERT INTO entities (entity, kind, domain, source, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(entity, kind, domain) DO UPDATE SET
		updated_at = excluded.updated_at,
		source = excluded.source;
	`)
	if err != nil {
		drain(dataStream)
		return 0, err
	}
	defer stmt.Close()

	count := 0
	for item := range dataStream {
		if _, err := stmt.Exec(item.Entity, item.Kind, item.Domain, source, importTime); err != nil {
			d.logger.Warn("failed to insert entity row", zap.String("entity", item.Entity), zap.Error(err))
			continue
		}
		count++
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if _, err := tx.Exec(`DELETE FROM entities WHERE source = ? AND updated_at != ?`, source, importTime); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	d.logger.Info("streamed entities", zap.String("source", source), zap.Int("count", count))
	return count, nil
}

// LoadCategories returns every stored pattern grouped by category, ready for
// engine.Build.
func (d *DomainDB) LoadCategories() (map[string][]string, error) {
	rows, err := d.db.Query("SELECT category, domain FROM rules ORDER BY category, domain")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var category, domain string
		if err := rows.Scan(&category, &domain); err != nil {
			return nil, err
		}
		out[category] = append(out[category], domain)
	}
	return out, rows.Err()
}

// LoadEntities folds the entity rows back into an engine.EntityTable.
func (d *DomainDB) LoadEntities() (engine.EntityTable, error) {
	rows, err := d.db.Query("SELECT entity, kind, domain FROM entities ORDER BY entity, kind, domain")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var table engine.EntityTable
	index := make(map[string]int)
	for rows.Next() {
		var r EntityDomain
		if err := rows.Scan(&r.Entity, &r.Kind, &r.Domain); err != nil {
			return nil, err
		}
		i, ok := index[r.Entity]
		if !ok {
			i = len(table)
			index[r.Entity] = i
			table = append(table, engine.Entity{Name: r.Entity})
		}
		switch r.Kind {
		case KindProperty:
			table[i].Properties = append(table[i].Properties, r.Domain)
		case KindResource:
			table[i].Resources = append(table[i].Resources, r.Domain)
		}
	}
	return table, rows.Err()
}

// GetRules returns every category row stored for domain.
func (d *DomainDB) GetRules(domain string) ([]BlockedDomain, error) {
	rows, err := d.db.Query("SELECT domain, category, source FROM rules WHERE domain = ? ORDER BY category", domain)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BlockedDomain
	for rows.Next() {
		var r BlockedDomain
		if err := rows.Scan(&r.Domain, &r.Category, &r.Source); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveCategoryState persists a category toggle.
func (d *DomainDB) SaveCategoryState(name string, enabled bool) error {
	_, err := d.db.Exec(`
	INSERT INTO category_state (name, enabled) VALUES (?, ?)
	ON CONFLICT(name) DO UPDATE SET enabled = excluded.enabled;
	`, name, enabled)
	return err
}

// LoadCategoryState returns the persisted toggles. Categories never toggled
// are absent.
func (d *DomainDB) LoadCategoryState() (map[string]bool, error) {
	rows, err := d.db.Query("SELECT name, enabled FROM category_state")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		var enabled bool
		if err := rows.Scan(&name, &enabled); err != nil {
			return nil, err
		}
		out[name] = enabled
	}
	return out, rows.Err()
}

func drain[T any](ch <-chan T) {
	for range ch {
	}
}
