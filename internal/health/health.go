// Package health implements the Scheduler & Health subsystem's checks and
// probe server (spec.md §4.10, C10).
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/chronicle/internal/store"
	"github.com/nextlevelbuilder/chronicle/internal/tsutil"
)

// ingestionWindow and reactionWindow are spec.md §4.10's fixed check
// windows.
const (
	ingestionWindow = 6 * time.Hour
	reactionWindow  = 24 * time.Hour
	summaryGateHour = 8 // UTC hour after which a missing daily summary alerts
)

// Checker runs the three independent health checks against the store.
type Checker struct {
	store store.Store
}

// NewChecker creates a Checker.
func NewChecker(st store.Store) *Checker {
	return &Checker{store: st}
}

// Check runs all three checks and returns one description per failing
// check; an empty slice means healthy (spec.md §4.10).
func (c *Checker) Check(ctx context.Context, now time.Time) ([]string, error) {
	var issues []string

	ingestionCount, err := c.recentIngestionCount(ctx, now)
	if err != nil {
		return nil, err
	}
	if ingestionCount == 0 {
		issues = append(issues, "no messages indexed in the last 6 hours")
	}

	if ingestionCount > 0 {
		live, err := c.reactionsLive(ctx, now)
		if err != nil {
			return nil, err
		}
		if !live {
			issues = append(issues, "no reactions recorded in the last 24 hours")
		}
	}

	if now.Hour() >= summaryGateHour {
		done, err := c.dailySummaryCompleted(ctx, now)
		if err != nil {
			return nil, err
		}
		if !done {
			issues = append(issues, "today's daily summary has not completed")
		}
	}

	return issues, nil
}

func (c *Checker) recentIngestionCount(ctx context.Context, now time.Time) (int, error) {
	rows, err := c.store.Table("messages").Gte("indexed_at", now.Add(-ingestionWindow)).Execute(ctx)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (c *Checker) reactionsLive(ctx context.Context, now time.Time) (bool, error) {
	rows, err := c.store.Table("messages").Gte("created_at", now.Add(-reactionWindow)).Gt("reaction_count", 0).Execute(ctx)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (c *Checker) dailySummaryCompleted(ctx context.Context, now time.Time) (bool, error) {
	date := now.Format("2006-01-02")
	rows, err := c.store.Table("daily_summaries").Eq("date", date).Eq("status", "completed").Execute(ctx)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// StatusProvider supplies the extra process facts /status reports.
type StatusProvider interface {
	Uptime() time.Duration
	Latency() time.Duration
	GuildCount() int
}

// Server is the thin HTTP probe server: /health always 200, /ready 503
// until SetReady(true), /status reports process facts (spec.md §4.10).
type Server struct {
	ready  atomic.Bool
	status StatusProvider
	mux    *http.ServeMux
	srv    *http.Server
	addr   string

	// Tailscale, when Hostname/AuthKey are set, exposes the probe server
	// only on the tailnet instead of a public port (SPEC_FULL.md §2,
	// mirroring the teacher's TailscaleConfig + "-tags tsnet" pattern).
	Tailscale TailscaleConfig
}

// TailscaleConfig mirrors internal/config.TailscaleConfig without an
// import cycle; cmd/serve.go copies the fields across.
type TailscaleConfig struct {
	Hostname string
	AuthKey  string
	StateDir string
}

// NewServer creates a Server bound to addr.
func NewServer(addr string, status StatusProvider) *Server {
	s := &Server{status: status, mux: http.NewServeMux(), addr: addr}
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ready", s.handleReady)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.srv = &http.Server{Addr: addr, Handler: s.mux}
	return s
}

// SetReady flips /ready's response once the gateway emits READY.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Start runs the server until ctx is cancelled. If Tailscale.AuthKey is
// set and the binary was built with -tags tsnet, the probe endpoints are
// served only on the tailnet; otherwise they fall back to a plain TCP
// listener on addr (and a missing tsnet tag is logged, not silently
// ignored).
func (s *Server) Start(ctx context.Context) error {
	listener, closeTailnet, err := s.listen(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		var serveErr error
		if listener != nil {
			serveErr = s.srv.Serve(listener)
		} else {
			serveErr = s.srv.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
	}()

	defer func() {
		if closeTailnet != nil {
			_ = closeTailnet()
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) listen(ctx context.Context) (net.Listener, func() error, error) {
	if s.Tailscale.AuthKey == "" {
		return nil, nil, nil
	}
	ln, closeFn, err := tsutil.Listen(ctx, s.Tailscale.Hostname, s.Tailscale.AuthKey, s.Tailscale.StateDir, s.addr)
	if err != nil {
		slog.Warn("health: tailnet listener unavailable, falling back to plain TCP", "error", err)
		return nil, nil, nil
	}
	slog.Info("health: serving probes on tailnet only", "hostname", s.Tailscale.Hostname)
	return ln, closeFn, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ready":          s.ready.Load(),
		"uptime_seconds": s.status.Uptime().Seconds(),
		"latency_ms":     s.status.Latency().Milliseconds(),
		"guild_count":    s.status.GuildCount(),
	})
}
