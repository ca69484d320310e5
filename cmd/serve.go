package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chronicle/internal/agent"
	"github.com/nextlevelbuilder/chronicle/internal/config"
	"github.com/nextlevelbuilder/chronicle/internal/curator"
	"github.com/nextlevelbuilder/chronicle/internal/gateway"
	"github.com/nextlevelbuilder/chronicle/internal/health"
	"github.com/nextlevelbuilder/chronicle/internal/indexer"
	"github.com/nextlevelbuilder/chronicle/internal/llm"
	"github.com/nextlevelbuilder/chronicle/internal/logging"
	"github.com/nextlevelbuilder/chronicle/internal/moderation"
	"github.com/nextlevelbuilder/chronicle/internal/publish"
	"github.com/nextlevelbuilder/chronicle/internal/ratelimit"
	"github.com/nextlevelbuilder/chronicle/internal/scheduler"
	"github.com/nextlevelbuilder/chronicle/internal/sharing"
	"github.com/nextlevelbuilder/chronicle/internal/store"
	"github.com/nextlevelbuilder/chronicle/internal/store/pg"
	"github.com/nextlevelbuilder/chronicle/internal/store/sqlite"
	"github.com/nextlevelbuilder/chronicle/internal/summarizer"
	"github.com/nextlevelbuilder/chronicle/internal/telemetry"
	"github.com/nextlevelbuilder/chronicle/internal/topcontent"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the indexing, summarizing, and curation daemon",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

// procStatus satisfies both health.StatusProvider and agent.StatusProvider
// from the one long-lived gateway session cmd/serve.go owns.
type procStatus struct {
	started time.Time
	gw      *gateway.Client
}

func (p *procStatus) Uptime() time.Duration { return time.Since(p.started) }
func (p *procStatus) Latency() time.Duration {
	if p.gw.State() != gateway.StateReady {
		return 0
	}
	return 0 // discordgo doesn't expose heartbeat RTT through our facade
}
func (p *procStatus) GuildCount() int { return 1 } // chronicle indexes exactly one guild

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Mode {
	case "sqlite":
		return sqlite.Open(cfg.Database.SQLitePath, cfg.Database.BucketDir)
	default:
		return pg.Open(cfg.Database.PostgresDSN, cfg.Database.PublicURLBase)
	}
}

func buildDispatcher(cfg *config.Config, limiter *ratelimit.Limiter) *llm.Dispatcher {
	var providers []llm.Provider
	if cfg.Providers.AnthropicAPIKey != "" {
		providers = append(providers, llm.NewAnthropicProvider(cfg.Providers.AnthropicAPIKey, limiter))
	}
	if cfg.Providers.OpenAIAPIKey != "" {
		providers = append(providers, llm.NewOpenAIProvider(cfg.Providers.OpenAIAPIKey, "", cfg.Providers.DefaultModel, limiter))
	}
	if cfg.Providers.GeminiAPIKey != "" {
		providers = append(providers, llm.NewGeminiProvider(cfg.Providers.GeminiAPIKey, cfg.Providers.DefaultModel, limiter))
	}
	return llm.New(providers...)
}

func runServe() {
	var logLevel slog.LevelVar
	if verbose {
		logLevel.Set(slog.LevelDebug)
	}
	consoleHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: &logLevel})
	slog.SetDefault(slog.New(consoleHandler))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	if cfg.LogLevel != "" {
		if err := logLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			slog.Warn("invalid log level, keeping current", "log_level", cfg.LogLevel, "error", err)
		}
	}

	telProviders, err := telemetry.Setup(context.Background(), telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telProviders.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown failed", "error", err)
		}
	}()

	st, err := openStore(cfg)
	if err != nil {
		slog.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Every record at or above info also lands in system_logs, fanned out
	// alongside the console handler (SPEC_FULL.md §2).
	dbHandler := logging.NewDBHandler(st, slog.LevelInfo, 0, 0)
	defer dbHandler.Close()
	slog.SetDefault(slog.New(logging.NewMultiHandler(consoleHandler, dbHandler)))

	limiter := ratelimit.New()
	dispatcher := buildDispatcher(cfg, limiter)

	gw, err := gateway.New(cfg.Discord.BotToken, limiter)
	if err != nil {
		slog.Error("gateway init failed", "error", err)
		os.Exit(1)
	}

	status := &procStatus{started: time.Now(), gw: gw}
	healthServer := health.NewServer(":8080", status)
	healthServer.Tailscale = health.TailscaleConfig{
		Hostname: cfg.Tailscale.Hostname,
		AuthKey:  cfg.Tailscale.AuthKey,
		StateDir: cfg.Tailscale.StateDir,
	}
	healthChecker := health.NewChecker(st)

	var alertMu atomicBool
	onAlert := func(reason string) {
		if !alertMu.CompareAndSwap(false, true) {
			return // already alerting; scheduler's own cadence will re-check
		}
		defer alertMu.Store(false)
		if _, err := gw.SendDM(context.Background(), cfg.Admin.UserID, "chronicle alert: "+reason); err != nil {
			slog.Error("failed to deliver admin alert", "error", err)
		}
	}

	ix := indexer.New(st, gw, onAlert)

	topSelector := topcontent.New(st, gw)

	moderationChecker := moderation.New(cfg.Moderation.APIKey, cfg.Moderation.SubmitURL, cfg.Moderation.ResultURL, limiter)

	monitoredChannels := make([]summarizer.ChannelInfo, 0, len(cfg.ResolveChannelsToMonitor()))
	for _, id := range cfg.ResolveChannelsToMonitor() {
		monitoredChannels = append(monitoredChannels, summarizer.ChannelInfo{ChannelID: id})
	}

	summ := summarizer.New(st, dispatcher, gw, topSelector, moderation.SummaryAdapter{Checker: moderationChecker}, summarizer.Config{
		Provider:           cfg.Providers.DefaultProvider,
		Model:              cfg.Providers.DefaultModel,
		MinMessages:        cfg.Monitor.MinMessagesForSummary,
		ChunkSize:          cfg.Monitor.ChunkSize,
		ChannelConcurrency: cfg.Monitor.SummaryConcurrency,
		GuildID:            cfg.ResolveGuildID(),
		SummaryChannelID:   cfg.ResolveSummaryChannelID(),
	})

	clock := scheduler.New(summ, healthChecker, gw, scheduler.Config{
		AdminUserID:       cfg.Admin.UserID,
		MonitoredChannels: monitoredChannels,
	})

	sharingOrch := buildSharingOrchestrator(st, gw, dispatcher, cfg)

	catalog, err := curator.LoadCatalog(cfg.Curator.CatalogPath)
	if err != nil {
		slog.Warn("curator catalog load failed, curation classification disabled", "error", err)
		catalog = &curator.Catalog{}
	}
	cur := curator.New(st, dispatcher, gw, curator.NewHTTPFetcher(), catalog, curator.Config{
		TriggerEmoji: cfg.Curator.TriggerEmoji,
		Provider:     cfg.Curator.Provider,
		Model:        cfg.Curator.Model,
	})

	tools := agent.NewCatalog(st, sharingOrch, topSelector, ix, status, cfg.Admin.UserID)
	agentLoop := agent.New(dispatcher, gw, tools, agent.Config{
		Provider: cfg.Providers.DefaultProvider,
		Model:    cfg.Providers.AgentModel,
		AdminID:  cfg.Admin.UserID,
	})

	ix.OnReactionAdd(func(ctx context.Context, emoji, messageID, channelID, userID string) {
		if err := sharingOrch.TriggerReaction(ctx, emoji, messageID, channelID, userID); err != nil {
			slog.Error("sharing: trigger reaction failed", "error", err)
		}
		if err := cur.TriggerReaction(ctx, emoji, messageID, channelID, userID); err != nil {
			slog.Error("curator: trigger reaction failed", "error", err)
		}
	})
	ix.OnMessageCreate(func(ctx context.Context, authorID, channelID, content string, isDM bool) {
		if !isDM || authorID == gw.BotUserID() {
			return
		}
		if err := agentLoop.HandleMessage(ctx, authorID, content); err != nil {
			slog.Error("agent: handle message failed", "error", err)
		}
		if err := sharingOrch.OnReactorComment(ctx, authorID, content); err != nil {
			slog.Error("sharing: reactor comment failed", "error", err)
		}
		if allow, ok := parseYesNo(content); ok {
			if err := sharingOrch.OnAuthorConsent(ctx, authorID, allow); err != nil {
				slog.Error("sharing: author consent failed", "error", err)
			}
		}
		if err := cur.OnAuthorReply(ctx, authorID, content); err != nil {
			slog.Error("curator: author reply failed", "error", err)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.Connect(ctx); err != nil {
		slog.Error("gateway connect failed", "error", err)
		os.Exit(1)
	}
	defer gw.Close()
	healthServer.SetReady(true)
	slog.Info("chronicle: ready", "guild_id", cfg.ResolveGuildID())

	errCh := make(chan error, 3)
	go func() { errCh <- ix.Run(ctx) }()
	go func() { errCh <- clock.Run(ctx) }()
	go func() { errCh <- healthServer.Start(ctx) }()

	select {
	case <-ctx.Done():
		slog.Info("chronicle: shutting down")
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			slog.Error("chronicle: component exited", "error", err)
		}
		stop()
	}
}

// buildSharingOrchestrator wires the Sharing Orchestrator's text moderator
// and publisher fan-out; split out of runServe to keep that function's
// linear wiring readable.
func buildSharingOrchestrator(st store.Store, gw *gateway.Client, dispatcher *llm.Dispatcher, cfg *config.Config) *sharing.Orchestrator {
	moderator := sharing.NewLLMModerator(dispatcher, cfg.Providers.DefaultProvider)

	publishers := publish.BuildFromConfig(publish.PlatformURLs{
		Twitter:   cfg.Publish.TwitterWebhookURL,
		Instagram: cfg.Publish.InstagramWebhookURL,
		TikTok:    cfg.Publish.TikTokWebhookURL,
		YouTube:   cfg.Publish.YouTubeWebhookURL,
	})
	sharingPublishers := make([]sharing.Publisher, len(publishers))
	for i, p := range publishers {
		sharingPublishers[i] = p
	}

	return sharing.New(st, gw, moderator, sharingPublishers, sharing.Config{
		TriggerEmoji:     "🔁",
		FirstAskModel:    cfg.Providers.DefaultModel,
		PreApprovedModel: cfg.Providers.PreApprovedModel,
		AdminUserID:      cfg.Admin.UserID,
	})
}

// parseYesNo interprets a DM reply as an author-consent answer. ok is
// false when content doesn't clearly read as one, so callers can skip
// invoking OnAuthorConsent rather than misreading an unrelated reply.
func parseYesNo(content string) (allow bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(content)) {
	case "y", "yes", "allow":
		return true, true
	case "n", "no", "deny":
		return false, true
	default:
		return false, false
	}
}

// atomicBool is a tiny CAS guard so concurrent circuit-breaker alerts
// don't pile up DMs to the admin faster than they can read them.
type atomicBool struct{ v atomic.Bool }

func (b *atomicBool) CompareAndSwap(old, new bool) bool { return b.v.CompareAndSwap(old, new) }
func (b *atomicBool) Store(v bool)                       { b.v.Store(v) }
