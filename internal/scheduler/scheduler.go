// Package scheduler is the cooperative clock of spec.md §4.10 (C10): one
// cron-driven loop that wakes the Summarizer daily and runs health checks
// on a fixed cadence, coalescing alerts into a single admin DM.
package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/chronicle/internal/health"
	"github.com/nextlevelbuilder/chronicle/internal/summarizer"
)

// dailySummaryCron and healthCheckCron are spec.md §4.10's fixed schedule:
// "wakes at 07:00 UTC ... and every 6 hours".
const (
	dailySummaryCron = "0 7 * * *"
	healthCheckCron  = "0 */6 * * *"
)

// tickInterval is how often the clock evaluates the cron expressions;
// one minute matches cron's own granularity.
const tickInterval = time.Minute

// SummaryRunner is the narrow seam into the Summarizer.
type SummaryRunner interface {
	RunDaily(ctx context.Context, date time.Time, monitoredChannels []summarizer.ChannelInfo) error
}

// Notifier delivers the coalesced admin alert.
type Notifier interface {
	SendDM(ctx context.Context, userID, content string) (string, error)
}

// Config names the monitored channel set and the admin to alert.
type Config struct {
	AdminUserID       string
	MonitoredChannels []summarizer.ChannelInfo
}

// Clock drives the Summarizer and health checks on their cron schedules.
type Clock struct {
	gron       gronx.Gronx
	summarizer SummaryRunner
	health     *health.Checker
	notifier   Notifier
	cfg        Config

	lastTick map[string]time.Time
}

// New creates a Clock.
func New(summarizerRunner SummaryRunner, healthChecker *health.Checker, notifier Notifier, cfg Config) *Clock {
	return &Clock{
		gron: gronx.New(), summarizer: summarizerRunner, health: healthChecker, notifier: notifier, cfg: cfg,
		lastTick: make(map[string]time.Time),
	}
}

// Run blocks until ctx is cancelled, evaluating both cron expressions every
// tickInterval and firing each job at most once per due minute.
func (c *Clock) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			c.evaluate(ctx, now.UTC())
		}
	}
}

func (c *Clock) evaluate(ctx context.Context, now time.Time) {
	if c.due(dailySummaryCron, now) {
		go c.runDailySummary(ctx, now)
	}
	if c.due(healthCheckCron, now) {
		go c.runHealthChecks(ctx, now)
	}
}

// due reports whether expr matches now, firing at most once per minute so
// a slow evaluation loop can't double-fire within the same minute.
func (c *Clock) due(expr string, now time.Time) bool {
	minute := now.Truncate(time.Minute)
	if c.lastTick[expr].Equal(minute) {
		return false
	}
	isDue, err := c.gron.IsDue(expr, now)
	if err != nil {
		slog.Error("scheduler: cron evaluation failed", "expr", expr, "error", err)
		return false
	}
	if isDue {
		c.lastTick[expr] = minute
	}
	return isDue
}

func (c *Clock) runDailySummary(ctx context.Context, now time.Time) {
	if err := c.summarizer.RunDaily(ctx, now, c.cfg.MonitoredChannels); err != nil {
		slog.Error("scheduler: daily summary run failed", "error", err)
	}
}

func (c *Clock) runHealthChecks(ctx context.Context, now time.Time) {
	issues, err := c.health.Check(ctx, now)
	if err != nil {
		slog.Error("scheduler: health check failed", "error", err)
		return
	}
	if len(issues) == 0 || c.cfg.AdminUserID == "" {
		return
	}
	if _, err := c.notifier.SendDM(ctx, c.cfg.AdminUserID, "Health check alerts:\n"+strings.Join(issues, "\n")); err != nil {
		slog.Error("scheduler: admin alert DM failed", "error", err)
	}
}
