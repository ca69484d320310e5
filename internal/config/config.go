// Package config is the env-driven configuration layer (spec.md §6,
// SPEC_FULL.md §2) used by every cmd/ subcommand and long-running daemon.
// An optional lenient JSON5 file is decoded over the defaults (any field,
// secrets included, may be set there), and the explicit environment
// variables enumerated in the spec are applied on top of it, so a set
// environment variable always wins over the file.
package config

import "sync"

// Config is the fully resolved runtime configuration. DevMode swaps the
// *_ID env vars per spec.md §6 and raises log verbosity.
type Config struct {
	mu sync.RWMutex

	DevMode  bool
	LogLevel string

	Discord  DiscordConfig
	Database DatabaseConfig
	Monitor  MonitorConfig
	Admin    AdminConfig
	Providers ProvidersConfig
	Telemetry TelemetryConfig
	Tailscale TailscaleConfig
	Moderation ModerationConfig
	Curator   CuratorConfig
	Publish   PublishConfig
}

// DiscordConfig carries the bot token and guild-scoped IDs. Each ID field
// has a Dev counterpart; Resolve* picks the right one for c.DevMode.
type DiscordConfig struct {
	BotToken string

	GuildID          string
	DevGuildID       string
	SummaryChannelID string
	DevSummaryChannelID string
	ArtChannelID     string
	TopGensID        string
}

func (c *Config) ResolveGuildID() string {
	if c.DevMode && c.Discord.DevGuildID != "" {
		return c.Discord.DevGuildID
	}
	return c.Discord.GuildID
}

func (c *Config) ResolveSummaryChannelID() string {
	if c.DevMode && c.Discord.DevSummaryChannelID != "" {
		return c.Discord.DevSummaryChannelID
	}
	return c.Discord.SummaryChannelID
}

// DatabaseConfig selects and configures the Storage Port backend.
type DatabaseConfig struct {
	// Mode is "postgres" or "sqlite"; sqlite is the local file-backed
	// fallback used by `doctor` and dev/offline runs (spec.md §9).
	Mode        string
	PostgresDSN string
	SQLitePath  string
	BucketDir   string // sqlite bucket root
	PublicURLBase string // pg bucket public URL prefix
}

// MonitorConfig is the comma-separated channel/category allowlist plus
// eligibility thresholds the Summarizer and Top-Content Selector use.
type MonitorConfig struct {
	ChannelsToMonitor    []string // channel or category ids
	DevChannelsToMonitor []string

	MinMessagesForSummary int // default 25
	ChunkSize             int // default 1000
	SummaryConcurrency    int // default 4, spec.md §5
	TopContentMinReactors int // default 3
	TopContentLimit       int // default 5
}

func (c *Config) ResolveChannelsToMonitor() []string {
	if c.DevMode && len(c.Monitor.DevChannelsToMonitor) > 0 {
		return c.Monitor.DevChannelsToMonitor
	}
	return c.Monitor.ChannelsToMonitor
}

// AdminConfig names the privileged user who receives alerts and drives
// the Agent Loop.
type AdminConfig struct {
	UserID string
}

// ProvidersConfig carries the three LLM provider API keys.
type ProvidersConfig struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GeminiAPIKey    string

	// DefaultProvider names the llm.Dispatcher provider key (e.g.
	// "anthropic") routed to for summarization, sharing moderation, and
	// the agent loop, unless a narrower config overrides it.
	DefaultProvider string

	// Model identifiers, overridable per provider; PreApprovedModel is the
	// "higher quality model" of the pre-approved sharing path (spec.md §4.8).
	DefaultModel     string
	PreApprovedModel string
	AgentModel       string
}

// TelemetryConfig is the optional OTLP exporter (SPEC_FULL.md §2); a
// no-op provider is used when Endpoint is empty.
type TelemetryConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
}

// TailscaleConfig optionally exposes the health server only on the
// tailnet (SPEC_FULL.md §3), off unless AuthKey is set.
type TailscaleConfig struct {
	Hostname string
	AuthKey  string
	StateDir string
}

// ModerationConfig points the Moderation Port at a submit/poll image
// safety provider (spec.md §4.11). An empty APIKey disables moderation
// and every image is treated as unblocked (fail open).
type ModerationConfig struct {
	APIKey    string
	SubmitURL string
	ResultURL string
}

// CuratorConfig tunes the Workflow Curator (SPEC_FULL.md §5, C12).
type CuratorConfig struct {
	TriggerEmoji string
	CatalogPath  string // model/variant catalog.toml; missing file degrades to an empty catalog
	Provider     string
	Model        string
}

// PublishConfig carries the Publisher port's per-platform webhook URLs
// (SPEC_FULL.md §1: publisher platforms proper are out of scope, so each
// target is a generic webhook rather than a bespoke API client). An empty
// URL means that platform isn't wired up yet.
type PublishConfig struct {
	TwitterWebhookURL   string
	InstagramWebhookURL string
	TikTokWebhookURL    string
	YouTubeWebhookURL   string
}

// Default returns a Config populated with the spec's stated defaults.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Database: DatabaseConfig{
			Mode:       "postgres",
			SQLitePath: "./chronicle.db",
			BucketDir:  "./chronicle-buckets",
		},
		Monitor: MonitorConfig{
			MinMessagesForSummary: 25,
			ChunkSize:             1000,
			SummaryConcurrency:    4,
			TopContentMinReactors: 3,
			TopContentLimit:       5,
		},
		Providers: ProvidersConfig{
			DefaultProvider:  "anthropic",
			DefaultModel:     "claude-sonnet-4-5-20250929",
			PreApprovedModel: "claude-opus-4-1-20250805",
			AgentModel:       "claude-sonnet-4-5-20250929",
		},
		Telemetry: TelemetryConfig{ServiceName: "chronicle"},
		Curator: CuratorConfig{
			TriggerEmoji: "🗂️",
			CatalogPath:  "./catalog.toml",
			Provider:     "anthropic",
			Model:        "claude-sonnet-4-5-20250929",
		},
	}
}
