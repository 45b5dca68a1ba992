package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SchemaVersion is recorded in the metadata table after the schema is applied.
const SchemaVersion = "1"

// Open initialises the SQLite database and applies the base schema.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	// Per-connection pragmas go in the DSN so every pooled connection gets them.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply pragma %s: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS podcasts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            guid TEXT,
            url TEXT NOT NULL UNIQUE,
            link TEXT,
            title TEXT NOT NULL,
            description TEXT,
            author TEXT,
            image_url TEXT,
            copyright TEXT,
            filter TEXT NOT NULL DEFAULT 'none',
            sort TEXT NOT NULL DEFAULT 'default',
            subscribed_at TIMESTAMP NOT NULL,
            last_updated TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS episodes (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            guid TEXT NOT NULL,
            podcast_url TEXT NOT NULL,
            podcast_title TEXT,
            title TEXT NOT NULL,
            description TEXT,
            link TEXT,
            image_url TEXT,
            content_url TEXT,
            mime_type TEXT,
            size_bytes INTEGER NOT NULL DEFAULT 0,
            duration_ms INTEGER NOT NULL DEFAULT 0,
            published_at TIMESTAMP,
            position_ms INTEGER NOT NULL DEFAULT 0,
            played INTEGER NOT NULL DEFAULT 0,
            download_state TEXT NOT NULL DEFAULT 'none',
            download_percent INTEGER NOT NULL DEFAULT 0,
            download_task_id TEXT,
            file_path TEXT,
            hash TEXT,
            last_updated TIMESTAMP,
            UNIQUE (podcast_url, guid)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_podcast ON episodes(podcast_url);`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_download_state ON episodes(download_state);`,
		`CREATE TABLE IF NOT EXISTS downloads (
            episode_id INTEGER PRIMARY KEY REFERENCES episodes(id) ON DELETE CASCADE,
            task_id TEXT NOT NULL,
            enqueued_at TIMESTAMP NOT NULL,
            priority INTEGER NOT NULL DEFAULT 0,
            retry_count INTEGER NOT NULL DEFAULT 0,
            claimed_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS queue (
            position INTEGER PRIMARY KEY,
            episode_id INTEGER NOT NULL REFERENCES episodes(id) ON DELETE CASCADE
        );`,
		`CREATE TABLE IF NOT EXISTS metadata (
            key TEXT PRIMARY KEY,
            value TEXT NOT NULL
        );`,
		`INSERT INTO metadata (key, value) VALUES ('schema_version', '` + SchemaVersion + `')
            ON CONFLICT(key) DO UPDATE SET value = excluded.value;`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	return nil
}
