package logging

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chronicle/internal/store"
)

type fakeStore struct {
	mu   sync.Mutex
	rows []store.Row
}

func (s *fakeStore) Table(name string) store.Query { return &fakeQuery{s: s} }
func (s *fakeStore) Bucket(string) store.Bucket    { return nil }
func (s *fakeStore) Close() error                  { return nil }

type fakeQuery struct{ s *fakeStore }

func (q *fakeQuery) Select(...string) store.Query          { return q }
func (q *fakeQuery) Eq(string, any) store.Query             { return q }
func (q *fakeQuery) Neq(string, any) store.Query            { return q }
func (q *fakeQuery) Gte(string, any) store.Query            { return q }
func (q *fakeQuery) Lte(string, any) store.Query            { return q }
func (q *fakeQuery) Gt(string, any) store.Query             { return q }
func (q *fakeQuery) Lt(string, any) store.Query             { return q }
func (q *fakeQuery) In(string, ...any) store.Query          { return q }
func (q *fakeQuery) ILike(string, string) store.Query       { return q }
func (q *fakeQuery) Or(...store.Filter) store.Query         { return q }
func (q *fakeQuery) Order(string, bool) store.Query         { return q }
func (q *fakeQuery) Range(int, int) store.Query             { return q }
func (q *fakeQuery) Limit(int) store.Query                  { return q }
func (q *fakeQuery) Execute(context.Context) ([]store.Row, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	return q.s.rows, nil
}
func (q *fakeQuery) Insert(_ context.Context, rows ...store.Row) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	q.s.rows = append(q.s.rows, rows...)
	return nil
}
func (q *fakeQuery) Upsert(_ context.Context, _ []string, rows ...store.Row) error {
	return q.Insert(context.Background(), rows...)
}
func (q *fakeQuery) Update(context.Context, store.Row) error { return nil }
func (q *fakeQuery) Delete(context.Context) error            { return nil }

func TestDBHandler_FlushesOnBatchSize(t *testing.T) {
	st := &fakeStore{}
	h := NewDBHandler(st, slog.LevelInfo, 2, time.Hour)
	defer h.Close()

	logger := slog.New(h)
	logger.Info("first")
	logger.Info("second")

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.rows) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestDBHandler_FlushesOnClose(t *testing.T) {
	st := &fakeStore{}
	h := NewDBHandler(st, slog.LevelInfo, 50, time.Hour)
	logger := slog.New(h)
	logger.Info("only one", "error", "boom")
	require.NoError(t, h.Close())

	st.mu.Lock()
	defer st.mu.Unlock()
	require.Len(t, st.rows, 1)
	require.Equal(t, "boom", *(st.rows[0]["exception"].(*string)))
}

func TestDBHandler_EnabledRespectsLevel(t *testing.T) {
	st := &fakeStore{}
	h := NewDBHandler(st, slog.LevelWarn, 50, time.Hour)
	defer h.Close()
	require.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	require.True(t, h.Enabled(context.Background(), slog.LevelWarn))
}

func TestNewMultiHandler_FansOutToAllEnabledHandlers(t *testing.T) {
	stA, stB := &fakeStore{}, &fakeStore{}
	hA := NewDBHandler(stA, slog.LevelInfo, 1, time.Hour)
	hB := NewDBHandler(stB, slog.LevelInfo, 1, time.Hour)
	defer hA.Close()
	defer hB.Close()

	logger := slog.New(NewMultiHandler(hA, hB))
	logger.Info("fan out")

	require.Eventually(t, func() bool {
		stA.mu.Lock()
		stB.mu.Lock()
		defer stA.mu.Unlock()
		defer stB.mu.Unlock()
		return len(stA.rows) == 1 && len(stB.rows) == 1
	}, time.Second, 10*time.Millisecond)
}
