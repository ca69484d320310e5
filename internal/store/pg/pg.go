// Package pg is the Postgres-backed Storage Port implementation — the
// primary remote row store of the dual-store migration (spec.md §9 Open
// Questions). Everything but connection setup and the bucket client is
// shared with internal/store/sqlite via internal/store/sqlbuilder.
package pg

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/chronicle/internal/store"
	"github.com/nextlevelbuilder/chronicle/internal/store/sqlbuilder"
)

// Store is a Postgres-backed store.Store. Bucket uploads are re-hosted as
// rows in the object_store table (path, content_type, bytes) and served
// back out through a configurable public base URL — the same contract a
// managed object store (S3, Supabase Storage) would present, without
// requiring one for local/dev use.
type Store struct {
	db           *sqlbuilder.DB
	publicURLBase string
}

// Open connects to dsn via pgx's database/sql driver and wraps it in the
// shared SQL query builder under the Postgres dialect.
func Open(dsn string, publicURLBase string) (*Store, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: open: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	return &Store{
		db:           &sqlbuilder.DB{SQL: sqlDB, Dialect: sqlbuilder.Postgres},
		publicURLBase: publicURLBase,
	}, nil
}

func (s *Store) Table(name string) store.Query { return sqlbuilder.Table(s.db, name) }

func (s *Store) Bucket(name string) store.Bucket {
	return &bucket{db: s.db, name: name, publicURLBase: s.publicURLBase}
}

func (s *Store) Close() error { return s.db.SQL.Close() }

// bucket stores uploaded bytes in an object_store table keyed by
// (bucket, path) and hands back a URL under the configured public base —
// the spec's object-store port, backed by the same Postgres instance so a
// single DSN is enough for local/dev deployments.
type bucket struct {
	db            *sqlbuilder.DB
	name          string
	publicURLBase string
}

func (b *bucket) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	q := sqlbuilder.Table(b.db, "object_store")
	row := store.Row{
		"bucket":       b.name,
		"path":         path,
		"content_type": contentType,
		"bytes":        data,
		"size":         len(data),
	}
	if err := q.Upsert(ctx, []string{"bucket", "path"}, row); err != nil {
		return "", fmt.Errorf("pg: upload %s/%s: %w", b.name, path, err)
	}
	return b.PublicURL(path), nil
}

func (b *bucket) PublicURL(path string) string {
	return fmt.Sprintf("%s/%s/%s", b.publicURLBase, b.name, path)
}
