package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chronicle/internal/config"
)

// onboardCmd runs an interactive setup wizard that writes a config.json
// the daemon can load on its own — filling in the env vars spec.md §6
// enumerates without requiring an operator to hand-author JSON5, the way
// the teacher's onboarding commands seed first-run state interactively.
func onboardCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Interactively configure credentials and write config.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(outPath)
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "config.json", "path to write the generated config")
	return cmd
}

func runOnboard(outPath string) error {
	cfg := config.Default()

	var dbMode string
	var guildID, adminUserID, botToken, channels string
	var anthropicKey, openaiKey, geminiKey string
	var devMode bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Discord bot token").EchoMode(huh.EchoModePassword).Value(&botToken),
			huh.NewInput().Title("Guild ID").Value(&guildID),
			huh.NewInput().Title("Admin user ID (receives alerts, runs the agent loop)").Value(&adminUserID),
			huh.NewInput().Title("Channel/category IDs to monitor (comma-separated)").Value(&channels),
		).Title("Discord"),
		huh.NewGroup(
			huh.NewSelect[string]().Title("Row store backend").
				Options(huh.NewOption("postgres", "postgres"), huh.NewOption("sqlite (local file, no external DB)", "sqlite")).
				Value(&dbMode),
		).Title("Storage"),
		huh.NewGroup(
			huh.NewInput().Title("Anthropic API key (optional)").EchoMode(huh.EchoModePassword).Value(&anthropicKey),
			huh.NewInput().Title("OpenAI API key (optional)").EchoMode(huh.EchoModePassword).Value(&openaiKey),
			huh.NewInput().Title("Gemini API key (optional)").EchoMode(huh.EchoModePassword).Value(&geminiKey),
		).Title("LLM providers"),
		huh.NewGroup(
			huh.NewConfirm().Title("Enable dev mode (verbose logging, *_DEV_* id overrides)?").Value(&devMode),
		).Title("Mode"),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("onboard: %w", err)
	}

	cfg.Discord.BotToken = botToken
	cfg.Discord.GuildID = guildID
	cfg.Admin.UserID = adminUserID
	cfg.Monitor.ChannelsToMonitor = splitCSV(channels)
	cfg.Database.Mode = dbMode
	cfg.Providers.AnthropicAPIKey = anthropicKey
	cfg.Providers.OpenAIAPIKey = openaiKey
	cfg.Providers.GeminiAPIKey = geminiKey
	cfg.DevMode = devMode

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("onboard: marshal config: %w", err)
	}
	if err := os.WriteFile(outPath, data, 0o600); err != nil {
		return fmt.Errorf("onboard: write %s: %w", outPath, err)
	}

	fmt.Printf("\nWrote %s. Secrets were also written there in plaintext —\n", outPath)
	fmt.Println("treat it like a credentials file, or move the API keys into the")
	fmt.Println("environment variables of the same name and delete them from disk.")
	fmt.Println("Run `chronicle doctor` to verify connectivity.")
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}
