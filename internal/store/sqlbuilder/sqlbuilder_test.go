package sqlbuilder_test

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chronicle/internal/store"
	"github.com/nextlevelbuilder/chronicle/internal/store/sqlbuilder"
)

func openTestDB(t *testing.T) *sqlbuilder.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	_, err = sqlDB.Exec(`CREATE TABLE widgets (
		widget_id TEXT NOT NULL,
		owner_id  TEXT NOT NULL,
		name      TEXT NOT NULL,
		rank      INTEGER NOT NULL,
		PRIMARY KEY (widget_id)
	)`)
	require.NoError(t, err)

	return &sqlbuilder.DB{SQL: sqlDB, Dialect: sqlbuilder.SQLite}
}

func TestUpsertIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	q := sqlbuilder.Table(db, "widgets")
	ctx := context.Background()

	row := store.Row{"widget_id": "w1", "owner_id": "a1", "name": "first", "rank": int64(1)}
	require.NoError(t, q.Upsert(ctx, []string{"widget_id"}, row))
	require.NoError(t, q.Upsert(ctx, []string{"widget_id"}, row))

	rows, err := q.Eq("widget_id", "w1").Execute(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "first", rows[0]["name"])

	// A second upsert on the same conflict key updates the row in place
	// rather than inserting a duplicate.
	updated := store.Row{"widget_id": "w1", "owner_id": "a1", "name": "second", "rank": int64(2)}
	require.NoError(t, q.Upsert(ctx, []string{"widget_id"}, updated))

	rows, err = q.Eq("widget_id", "w1").Execute(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "second", rows[0]["name"])
	require.Equal(t, int64(2), rows[0]["rank"])
}

func TestFiltersAndOrder(t *testing.T) {
	db := openTestDB(t)
	q := sqlbuilder.Table(db, "widgets")
	ctx := context.Background()

	require.NoError(t, q.Insert(ctx,
		store.Row{"widget_id": "w1", "owner_id": "a1", "name": "Alpha", "rank": int64(3)},
		store.Row{"widget_id": "w2", "owner_id": "a1", "name": "beta", "rank": int64(1)},
		store.Row{"widget_id": "w3", "owner_id": "a2", "name": "Gamma", "rank": int64(2)},
	))

	rows, err := q.Eq("owner_id", "a1").Order("rank", false).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "w2", rows[0]["widget_id"])
	require.Equal(t, "w1", rows[1]["widget_id"])

	// ILIKE is case-insensitive on SQLite's emulated LOWER() form.
	rows, err = q.ILike("name", "alpha").Execute(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "w1", rows[0]["widget_id"])

	// An empty IN() always-false clause matches nothing rather than
	// erroring or matching everything.
	rows, err = q.In("widget_id").Execute(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 0)
}

func TestExecuteStopsOnShortPage(t *testing.T) {
	db := openTestDB(t)
	q := sqlbuilder.Table(db, "widgets")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Insert(ctx, store.Row{
			"widget_id": string(rune('a' + i)), "owner_id": "a1", "name": "n", "rank": int64(i),
		}))
	}

	rows, err := q.Execute(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestUpdateAndDelete(t *testing.T) {
	db := openTestDB(t)
	q := sqlbuilder.Table(db, "widgets")
	ctx := context.Background()

	require.NoError(t, q.Insert(ctx, store.Row{"widget_id": "w1", "owner_id": "a1", "name": "n", "rank": int64(1)}))

	require.NoError(t, q.Eq("widget_id", "w1").Update(ctx, store.Row{"name": "renamed"}))
	rows, err := q.Eq("widget_id", "w1").Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, "renamed", rows[0]["name"])

	require.NoError(t, q.Eq("widget_id", "w1").Delete(ctx))
	rows, err = q.Eq("widget_id", "w1").Execute(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 0)
}

func TestRangeReturnsExactlyOnePage(t *testing.T) {
	db := openTestDB(t)
	q := sqlbuilder.Table(db, "widgets")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Insert(ctx, store.Row{
			"widget_id": string(rune('a' + i)), "owner_id": "a1", "name": "n", "rank": int64(i),
		}))
	}

	rows, err := q.Order("rank", false).Range(0, 1).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}
