// Package logging supplies the SystemLog sink described in spec.md §6:
// a slog.Handler that persists every record at or above a configured
// level to the system_logs table, alongside the usual console handler.
// The batching/flush-interval shape mirrors original_source's
// SupabaseLogHandler (src/common/log_handler.py) — buffer records,
// flush on a ticker or when the buffer fills, never block the caller on
// a failed write.
package logging

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chronicle/internal/model"
	"github.com/nextlevelbuilder/chronicle/internal/store"
)

const (
	defaultBatchSize     = 50
	defaultFlushInterval = 5 * time.Second
)

// DBHandler is a slog.Handler that buffers records and periodically
// inserts them into the system_logs table via the Storage Port. It never
// returns an error to the caller for a failed flush — logging must not be
// able to take down the process it's observing.
type DBHandler struct {
	store    store.Store
	level    slog.Leveler
	hostname string

	mu      sync.Mutex
	buffer  []model.SystemLog
	batch   int
	stopped chan struct{}
	wg      sync.WaitGroup
}

// NewDBHandler starts a DBHandler writing to st, flushing whenever the
// buffer reaches batch records or every interval, whichever comes first.
// batch<=0 and interval<=0 fall back to the original's defaults (50, 5s).
func NewDBHandler(st store.Store, level slog.Leveler, batch int, interval time.Duration) *DBHandler {
	if batch <= 0 {
		batch = defaultBatchSize
	}
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	hostname, _ := os.Hostname()

	h := &DBHandler{
		store: st, level: level, hostname: hostname,
		batch: batch, stopped: make(chan struct{}),
	}
	h.wg.Add(1)
	go h.flushLoop(interval)
	return h
}

func (h *DBHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle converts one slog.Record into a SystemLog row and queues it;
// module/function/line come from the record's PC exactly as the original's
// record.module/funcName/lineno did via Python's frame inspection.
func (h *DBHandler) Handle(_ context.Context, r slog.Record) error {
	module, function, line := "", "", 0
	if r.PC != 0 {
		if fn := runtime.FuncForPC(r.PC); fn != nil {
			file, ln := fn.FileLine(r.PC)
			module, line = file, ln
			function = fn.Name()
		}
	}

	extra := make(map[string]any)
	var exception *string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "error" {
			s := a.Value.String()
			exception = &s
			return true
		}
		extra[a.Key] = a.Value.Any()
		return true
	})
	if len(extra) == 0 {
		extra = nil
	}

	row := model.SystemLog{
		ID:         uuid.NewString(),
		Timestamp:  r.Time.UTC(),
		Level:      r.Level.String(),
		LoggerName: "chronicle",
		Message:    r.Message,
		Module:     module,
		Function:   function,
		Line:       line,
		Exception:  exception,
		Extra:      extra,
		Hostname:   h.hostname,
	}

	h.mu.Lock()
	h.buffer = append(h.buffer, row)
	full := len(h.buffer) >= h.batch
	h.mu.Unlock()

	if full {
		h.flush()
	}
	return nil
}

// WithAttrs and WithGroup return h unchanged: only the record's own
// attributes are folded into the Extra map at Handle time; attributes
// attached through WithAttrs (logger.With) are dropped, and groups are
// ignored.
func (h *DBHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *DBHandler) WithGroup(_ string) slog.Handler      { return h }

func (h *DBHandler) flushLoop(interval time.Duration) {
	defer h.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.flush()
		case <-h.stopped:
			h.flush()
			return
		}
	}
}

func (h *DBHandler) flush() {
	h.mu.Lock()
	if len(h.buffer) == 0 {
		h.mu.Unlock()
		return
	}
	batch := h.buffer
	h.buffer = nil
	h.mu.Unlock()

	rows := make([]store.Row, len(batch))
	for i, r := range batch {
		rows[i] = store.Row{
			"id": r.ID, "timestamp": r.Timestamp, "level": r.Level, "logger_name": r.LoggerName,
			"message": r.Message, "module": r.Module, "function": r.Function, "line": r.Line,
			"exception": r.Exception, "extra": r.Extra, "hostname": r.Hostname,
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.store.Table("system_logs").Insert(ctx, rows...); err != nil {
		// Can't log this via slog without risking recursion into this
		// same handler; stderr is the honest fallback the original used.
		os.Stderr.WriteString("logging: failed to flush system_logs batch: " + err.Error() + "\n")
	}
}

// Close flushes any buffered records and stops the background loop.
func (h *DBHandler) Close() error {
	close(h.stopped)
	h.wg.Wait()
	return nil
}
