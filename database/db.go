package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the connection used for UI state and relay data. The relay can
// run on SQLite or Postgres; the client state always lives in SQLite.
type DB struct {
	conn    *sql.DB
	dialect dialect
}

// Open opens the database named by dsn and runs migrations. A
// postgres:// URL selects Postgres; anything else is a SQLite path, and
// ":memory:" gives a private in-memory database.
func Open(dsn string) (*DB, error) {
	if isPostgres(dsn) {
		return openPostgres(dsn)
	}
	return openSQLite(dsn)
}

func openSQLite(path string) (*DB, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single connection; it also keeps an
	// in-memory database alive for the life of the pool.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	return finishOpen(conn, sqliteDialect)
}

func openPostgres(dsn string) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return finishOpen(conn, postgresDialect)
}

func finishOpen(conn *sql.DB, d dialect) (*DB, error) {
	db := &DB{conn: conn, dialect: d}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Driver names the SQL backend in use
func (db *DB) Driver() string {
	return db.dialect.String()
}

// q adapts a query written with ? placeholders to the open dialect
func (db *DB) q(query string) string {
	return db.dialect.rebind(query)
}

func (db *DB) migrate() error {
	types := db.dialect.columnTypes()
	migrations := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS ui_state (
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at %s DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, key)
		)`, types.timestamp),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS groups (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at %s NOT NULL
		)`, types.timestamp),

		`CREATE TABLE IF NOT EXISTS group_members (
			group_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			name TEXT DEFAULT '',
			PRIMARY KEY (group_id, user_id),
			FOREIGN KEY (group_id) REFERENCES groups(id) ON DELETE CASCADE
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
			seq %s,
			id TEXT UNIQUE NOT NULL,
			group_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL,
			client_key TEXT DEFAULT '',
			is_tagged %s DEFAULT %s,
			created_at %s NOT NULL,
			FOREIGN KEY (group_id) REFERENCES groups(id) ON DELETE CASCADE
		)`, types.serial, types.boolean, types.falseValue, types.timestamp),

		`CREATE INDEX IF NOT EXISTS idx_messages_group_seq ON messages(group_id, seq)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_key ON messages(sender_id, client_key) WHERE client_key != ''`,
		`CREATE INDEX IF NOT EXISTS idx_members_user ON group_members(user_id)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, migration)
		}
	}
	return nil
}
