package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DEV_MODE", "GUILD_ID", "DEV_GUILD_ID", "CHANNELS_TO_MONITOR",
		"DEV_CHANNELS_TO_MONITOR", "ADMIN_USER_ID", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("/nonexistent/config.json5")
	require.NoError(t, err)
	require.Equal(t, 25, cfg.Monitor.MinMessagesForSummary)
	require.Equal(t, 4, cfg.Monitor.SummaryConcurrency)
}

func TestResolveGuildID_DevModeSwapsID(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEV_MODE", "true")
	t.Setenv("GUILD_ID", "prod-guild")
	t.Setenv("DEV_GUILD_ID", "dev-guild")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "dev-guild", cfg.ResolveGuildID())
}

func TestResolveGuildID_ProdModeUsesProdID(t *testing.T) {
	clearEnv(t)
	t.Setenv("GUILD_ID", "prod-guild")
	t.Setenv("DEV_GUILD_ID", "dev-guild")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "prod-guild", cfg.ResolveGuildID())
}

func TestResolveChannelsToMonitor_CSVParsed(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHANNELS_TO_MONITOR", "111, 222,333")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, []string{"111", "222", "333"}, cfg.ResolveChannelsToMonitor())
}

func TestDevMode_RaisesDefaultLogVerbosity(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEV_MODE", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
}
