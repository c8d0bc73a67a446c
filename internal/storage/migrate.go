package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrMigrationChanged is returned by Up when an applied migration no longer
// matches its embedded script.
var ErrMigrationChanged = errors.New("applied migration was modified")

const migrationsTable = "relay_migrations"

// Migration is one embedded schema step. Checksum covers the up script.
type Migration struct {
	ID       string
	Up       string
	Down     string
	Checksum string
}

// AppliedMigration is a row of the bookkeeping table.
type AppliedMigration struct {
	ID        string
	Checksum  string
	AppliedAt time.Time
	// Changed is set when the embedded up script differs from what ran.
	Changed bool
}

// Migrator applies the embedded relay schema to a database.
type Migrator struct {
	db      *sql.DB
	dialect Dialect
	steps   []Migration
}

// NewMigrator creates a migrator for db. An empty dialect means Postgres.
func NewMigrator(db *sql.DB, dialect Dialect) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	steps, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	if dialect == "" {
		dialect = DialectPostgres
	}
	return &Migrator{db: db, dialect: dialect, steps: steps}, nil
}

// Migrations lists the embedded migrations in apply order.
func (m *Migrator) Migrations() []Migration {
	return slices.Clone(m.steps)
}

// Up applies pending migrations in order; steps <= 0 applies all of them.
// It refuses to run when an applied migration was edited afterwards.
func (m *Migrator) Up(ctx context.Context, steps int) ([]string, error) {
	applied, pending, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	for _, entry := range applied {
		if entry.Changed {
			return nil, fmt.Errorf("%w: %s", ErrMigrationChanged, entry.ID)
		}
	}
	if steps > 0 && steps < len(pending) {
		pending = pending[:steps]
	}

	var ids []string
	for _, step := range pending {
		if strings.TrimSpace(step.Up) == "" {
			return ids, fmt.Errorf("migration %s has no up script", step.ID)
		}
		record := `INSERT INTO ` + migrationsTable + ` (id, checksum) VALUES ($1, $2)`
		if err := m.run(ctx, step.ID, step.Up, record, step.ID, step.Checksum); err != nil {
			return ids, err
		}
		ids = append(ids, step.ID)
	}
	return ids, nil
}

// Down rolls back the newest applied migrations; steps <= 0 means one.
func (m *Migrator) Down(ctx context.Context, steps int) ([]string, error) {
	if steps <= 0 {
		steps = 1
	}
	applied, _, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for i := len(applied) - 1; i >= 0 && len(ids) < steps; i-- {
		step, ok := m.lookup(applied[i].ID)
		if !ok {
			return ids, fmt.Errorf("applied migration %s is not embedded in this build", applied[i].ID)
		}
		if strings.TrimSpace(step.Down) == "" {
			return ids, fmt.Errorf("migration %s has no down script", step.ID)
		}
		record := `DELETE FROM ` + migrationsTable + ` WHERE id = $1`
		if err := m.run(ctx, step.ID, step.Down, record, step.ID); err != nil {
			return ids, err
		}
		ids = append(ids, step.ID)
	}
	return ids, nil
}

// Status reports applied migrations, oldest first, and the pending ones.
func (m *Migrator) Status(ctx context.Context) ([]AppliedMigration, []Migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, nil, err
	}
	seen := make(map[string]struct{}, len(applied))
	for i := range applied {
		seen[applied[i].ID] = struct{}{}
		if step, ok := m.lookup(applied[i].ID); ok && applied[i].Checksum != "" {
			applied[i].Changed = applied[i].Checksum != step.Checksum
		}
	}
	var pending []Migration
	for _, step := range m.steps {
		if _, ok := seen[step.ID]; !ok {
			pending = append(pending, step)
		}
	}
	return applied, pending, nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS ` + migrationsTable + ` (
		id TEXT PRIMARY KEY,
		checksum TEXT NOT NULL DEFAULT '',
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", migrationsTable, err)
	}
	return nil
}

// run executes script and its bookkeeping statement atomically.
func (m *Migrator) run(ctx context.Context, id, script, record string, args ...any) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %s: begin: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("migration %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, m.dialect.rebind(record), args...); err != nil {
		return fmt.Errorf("migration %s: record: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %s: commit: %w", id, err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, checksum, applied_at FROM `+migrationsTable+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", migrationsTable, err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var (
			entry AppliedMigration
			at    any
		)
		if err := rows.Scan(&entry.ID, &entry.Checksum, &at); err != nil {
			return nil, fmt.Errorf("scan %s: %w", migrationsTable, err)
		}
		entry.AppliedAt = appliedTime(at)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// appliedTime accepts the driver representations of a TIMESTAMP column.
// SQLite may hand back text.
func appliedTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case []byte:
		return parseTimestamp(string(t))
	case string:
		return parseTimestamp(t)
	default:
		return time.Time{}
	}
}

func parseTimestamp(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (m *Migrator) lookup(id string) (Migration, bool) {
	i := slices.IndexFunc(m.steps, func(step Migration) bool { return step.ID == id })
	if i < 0 {
		return Migration{}, false
	}
	return m.steps[i], true
}

// loadMigrations pairs NNN_name.up.sql with NNN_name.down.sql, sorted by id.
func loadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	byID := map[string]*Migration{}
	for _, entry := range entries {
		id, direction, ok := parseMigrationName(entry.Name())
		if !ok {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		step, exists := byID[id]
		if !exists {
			step = &Migration{ID: id}
			byID[id] = step
		}
		if direction == "up" {
			step.Up = string(data)
			sum := sha256.Sum256(data)
			step.Checksum = hex.EncodeToString(sum[:])
		} else {
			step.Down = string(data)
		}
	}

	steps := make([]Migration, 0, len(byID))
	for _, step := range byID {
		steps = append(steps, *step)
	}
	slices.SortFunc(steps, func(a, b Migration) int { return strings.Compare(a.ID, b.ID) })
	return steps, nil
}

func parseMigrationName(name string) (id, direction string, ok bool) {
	base, found := strings.CutSuffix(name, ".sql")
	if !found {
		return "", "", false
	}
	i := strings.LastIndexByte(base, '.')
	if i <= 0 {
		return "", "", false
	}
	direction = base[i+1:]
	if direction != "up" && direction != "down" {
		return "", "", false
	}
	return base[:i], direction, true
}
