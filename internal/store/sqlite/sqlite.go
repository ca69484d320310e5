// Package sqlite is the local file-backed Storage Port implementation —
// the "local file store" side of the dual-store migration mentioned in
// spec.md §9 Open Questions. `chronicle serve` opens it when
// database.mode is sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/chronicle/internal/store"
	"github.com/nextlevelbuilder/chronicle/internal/store/sqlbuilder"
)

// Store is a SQLite-backed store.Store. Its Bucket writes files straight
// to disk under a root directory rather than a database blob column,
// since local-file-store mode is meant to avoid any external dependency.
type Store struct {
	db        *sqlbuilder.DB
	bucketDir string
}

// Open opens (creating if absent) a SQLite database file at path, and
// roots bucket uploads under bucketDir.
func Open(path string, bucketDir string) (*Store, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("sqlite: pragma: %w", err)
	}
	return &Store{
		db:        &sqlbuilder.DB{SQL: sqlDB, Dialect: sqlbuilder.SQLite},
		bucketDir: bucketDir,
	}, nil
}

func (s *Store) Table(name string) store.Query { return sqlbuilder.Table(s.db, name) }

func (s *Store) Bucket(name string) store.Bucket {
	return &bucket{root: filepath.Join(s.bucketDir, name), name: name}
}

func (s *Store) Close() error { return s.db.SQL.Close() }

type bucket struct {
	root string
	name string
}

func (b *bucket) Upload(_ context.Context, path string, data []byte, _ string) (string, error) {
	full := filepath.Join(b.root, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("sqlite bucket: mkdir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("sqlite bucket: write: %w", err)
	}
	return b.PublicURL(path), nil
}

func (b *bucket) PublicURL(path string) string {
	return "file://" + filepath.Join(b.root, path)
}
