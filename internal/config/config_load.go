package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// Load decodes the optional JSON5 file at path over Default() (every
// field, secrets included, can be set there), then applies the environment variables enumerated in spec.md §6 on top
// — env vars always win, mirroring the teacher's applyEnvOverrides.
// In dev mode (DEV_MODE=true/1) a local .env is loaded first via
// godotenv, matching how ashureev-shsh-labs and intelligencedev-manifold
// both bootstrap their process environment.
func Load(path string) (*Config, error) {
	if v := os.Getenv("DEV_MODE"); v == "true" || v == "1" {
		_ = godotenv.Load() // best effort; missing .env in prod is fine
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envCSV := func(key string, dst *[]string) {
		if v := os.Getenv(key); v != "" {
			parts := strings.Split(v, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if t := strings.TrimSpace(p); t != "" {
					out = append(out, t)
				}
			}
			*dst = out
		}
	}

	envBool("DEV_MODE", &c.DevMode)
	envStr("LOG_LEVEL", &c.LogLevel)

	envStr("BOT_TOKEN", &c.Discord.BotToken)
	envStr("GUILD_ID", &c.Discord.GuildID)
	envStr("DEV_GUILD_ID", &c.Discord.DevGuildID)
	envStr("SUMMARY_CHANNEL_ID", &c.Discord.SummaryChannelID)
	envStr("DEV_SUMMARY_CHANNEL_ID", &c.Discord.DevSummaryChannelID)
	envStr("ART_CHANNEL_ID", &c.Discord.ArtChannelID)
	envStr("TOP_GENS_ID", &c.Discord.TopGensID)

	envCSV("CHANNELS_TO_MONITOR", &c.Monitor.ChannelsToMonitor)
	envCSV("DEV_CHANNELS_TO_MONITOR", &c.Monitor.DevChannelsToMonitor)

	envStr("ADMIN_USER_ID", &c.Admin.UserID)

	envStr("DEFAULT_PROVIDER", &c.Providers.DefaultProvider)
	envStr("ANTHROPIC_API_KEY", &c.Providers.AnthropicAPIKey)
	envStr("OPENAI_API_KEY", &c.Providers.OpenAIAPIKey)
	envStr("GEMINI_API_KEY", &c.Providers.GeminiAPIKey)

	envStr("SUPABASE_URL", &c.Database.PublicURLBase)
	envStr("POSTGRES_DSN", &c.Database.PostgresDSN)
	if c.Database.PostgresDSN == "" {
		// SUPABASE_SERVICE_KEY-based deployments still connect over a
		// plain Postgres DSN under the hood; callers may set it directly.
		envStr("SUPABASE_SERVICE_KEY", &c.Database.PostgresDSN)
	}
	envStr("DATABASE_MODE", &c.Database.Mode)

	envInt("MIN_MESSAGES_FOR_SUMMARY", &c.Monitor.MinMessagesForSummary)
	envInt("TOP_CONTENT_MIN_REACTORS", &c.Monitor.TopContentMinReactors)
	envInt("TOP_CONTENT_LIMIT", &c.Monitor.TopContentLimit)
	envInt("SUMMARY_CONCURRENCY", &c.Monitor.SummaryConcurrency)

	envStr("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	c.Telemetry.Enabled = c.Telemetry.Endpoint != ""
	envBool("OTEL_EXPORTER_OTLP_INSECURE", &c.Telemetry.Insecure)

	envStr("TAILSCALE_HOSTNAME", &c.Tailscale.Hostname)
	envStr("TAILSCALE_AUTHKEY", &c.Tailscale.AuthKey)
	envStr("TAILSCALE_STATE_DIR", &c.Tailscale.StateDir)

	envStr("MODERATION_API_KEY", &c.Moderation.APIKey)
	envStr("MODERATION_SUBMIT_URL", &c.Moderation.SubmitURL)
	envStr("MODERATION_RESULT_URL", &c.Moderation.ResultURL)

	envStr("CURATOR_TRIGGER_EMOJI", &c.Curator.TriggerEmoji)
	envStr("CURATOR_CATALOG_PATH", &c.Curator.CatalogPath)
	envStr("CURATOR_PROVIDER", &c.Curator.Provider)
	envStr("CURATOR_MODEL", &c.Curator.Model)

	envStr("TWITTER_WEBHOOK_URL", &c.Publish.TwitterWebhookURL)
	envStr("INSTAGRAM_WEBHOOK_URL", &c.Publish.InstagramWebhookURL)
	envStr("TIKTOK_WEBHOOK_URL", &c.Publish.TikTokWebhookURL)
	envStr("YOUTUBE_WEBHOOK_URL", &c.Publish.YouTubeWebhookURL)

	if c.DevMode && c.LogLevel == "info" {
		c.LogLevel = "debug"
	}
}

// WatchFile watches path for changes and invokes onChange with the newly
// reloaded Config whenever it is written — used to hot-reload the monitor
// set and thresholds without a restart (SPEC_FULL.md §2). Each reload
// runs Load again, so environment variables still win over the file: a
// value set in the process environment changes only on restart, while any
// field taken from the file, secrets included, changes on reload.
func WatchFile(path string, onChange func(*Config)) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					continue // keep serving the last good config
				}
				onChange(cfg)
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return w, nil
}
