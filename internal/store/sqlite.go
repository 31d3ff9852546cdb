package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/peakform/coach/internal/chat"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store persists conversations in a SQLite database. Every write is a
// complete snapshot of one thread; the newest snapshot wins.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "coach.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// Save upserts a complete conversation snapshot. The write is last-write-wins
// on the conversation id; there is no merging of concurrent snapshots.
func (s *Store) Save(c chat.Conversation) error {
	if c.ID == "" {
		return errors.New("conversation id is empty")
	}
	if c.TenantID == "" {
		return errors.New("conversation has no tenant")
	}

	msgs, err := json.Marshal(c.Messages)
	if err != nil {
		return fmt.Errorf("marshaling messages: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO conversations (id, tenant_id, title, persona, linked_goal_id, message_count, created_at, updated_at, messages_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			persona = excluded.persona,
			linked_goal_id = excluded.linked_goal_id,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at,
			messages_json = excluded.messages_json`,
		c.ID, c.TenantID, c.Title, c.Persona, c.LinkedGoalID, len(c.Messages),
		c.CreatedAt.UTC().Format(time.RFC3339), c.UpdatedAt.UTC().Format(time.RFC3339), string(msgs),
	)
	return err
}

// Get loads one conversation. Lookups are tenant-scoped: an id that exists
// under another tenant is ErrNotFound, not a permission error.
func (s *Store) Get(id, tenantID string) (chat.Conversation, error) {
	var c chat.Conversation
	var createdAt, updatedAt, msgs string
	err := s.db.QueryRow(`
		SELECT id, tenant_id, title, persona, linked_goal_id, created_at, updated_at, messages_json
		FROM conversations WHERE id = ? AND tenant_id = ?`, id, tenantID,
	).Scan(&c.ID, &c.TenantID, &c.Title, &c.Persona, &c.LinkedGoalID, &createdAt, &updatedAt, &msgs)
	if err == sql.ErrNoRows {
		return chat.Conversation{}, ErrNotFound
	}
	if err != nil {
		return chat.Conversation{}, err
	}

	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return chat.Conversation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return chat.Conversation{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	if err := json.Unmarshal([]byte(msgs), &c.Messages); err != nil {
		return chat.Conversation{}, fmt.Errorf("unmarshaling messages: %w", err)
	}
	return c, nil
}

// List returns the tenant's conversations, most recently updated first. A
// tenant with no conversations gets an empty list, not an error.
func (s *Store) List(tenantID string) ([]Summary, error) {
	rows, err := s.db.Query(`
		SELECT id, title, persona, linked_goal_id, message_count, updated_at
		FROM conversations WHERE tenant_id = ? ORDER BY updated_at DESC, id ASC`, tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []Summary{}
	for rows.Next() {
		var sum Summary
		var updatedAt string
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.Persona, &sum.LinkedGoalID, &sum.MessageCount, &updatedAt); err != nil {
			return nil, err
		}
		if sum.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		results = append(results, sum)
	}
	return results, rows.Err()
}

// Rename changes a conversation's title.
func (s *Store) Rename(id, tenantID, title string) error {
	res, err := s.db.Exec(`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`,
		title, time.Now().UTC().Format(time.RFC3339), id, tenantID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a conversation and its messages.
func (s *Store) Delete(id, tenantID string) error {
	res, err := s.db.Exec(`DELETE FROM conversations WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
