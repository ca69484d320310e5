package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chronicle/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("chronicle doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (not found, using defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Database:")
	fmt.Printf("    %-14s %s\n", "Mode:", cfg.Database.Mode)
	if cfg.Database.Mode == "sqlite" {
		if _, err := os.Stat(cfg.Database.SQLitePath); err != nil {
			fmt.Printf("    %-14s %s (will be created)\n", "Path:", cfg.Database.SQLitePath)
		} else {
			fmt.Printf("    %-14s %s (OK)\n", "Path:", cfg.Database.SQLitePath)
		}
	} else {
		checkPostgres(cfg.Database.PostgresDSN)
	}

	fmt.Println()
	fmt.Println("  Discord:")
	checkCredential("Bot token", cfg.Discord.BotToken)
	checkCredential("Guild ID", cfg.ResolveGuildID())
	checkCredential("Admin user ID", cfg.Admin.UserID)
	if len(cfg.ResolveChannelsToMonitor()) == 0 {
		fmt.Printf("    %-14s (none configured)\n", "Monitored:")
	} else {
		fmt.Printf("    %-14s %s\n", "Monitored:", strings.Join(cfg.ResolveChannelsToMonitor(), ", "))
	}

	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("Anthropic", cfg.Providers.AnthropicAPIKey)
	checkProvider("OpenAI", cfg.Providers.OpenAIAPIKey)
	checkProvider("Gemini", cfg.Providers.GeminiAPIKey)

	fmt.Println()
	fmt.Println("  Moderation:")
	checkProvider("Image moderator", cfg.Moderation.APIKey)

	fmt.Println()
	fmt.Println("  Publisher webhooks:")
	checkCredential("Twitter", cfg.Publish.TwitterWebhookURL)
	checkCredential("Instagram", cfg.Publish.InstagramWebhookURL)
	checkCredential("TikTok", cfg.Publish.TikTokWebhookURL)
	checkCredential("YouTube", cfg.Publish.YouTubeWebhookURL)

	fmt.Println()
	fmt.Println("  Curator:")
	fmt.Printf("    %-14s %s\n", "Trigger emoji:", cfg.Curator.TriggerEmoji)
	if _, err := os.Stat(cfg.Curator.CatalogPath); err != nil {
		fmt.Printf("    %-14s %s (NOT FOUND — classification disabled)\n", "Catalog:", cfg.Curator.CatalogPath)
	} else {
		fmt.Printf("    %-14s %s (OK)\n", "Catalog:", cfg.Curator.CatalogPath)
	}

	fmt.Println()
	fmt.Println("  External tools:")
	checkBinary("ffmpeg")

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkPostgres(dsn string) {
	if dsn == "" {
		fmt.Printf("    %-14s (not configured)\n", "DSN:")
		return
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    %-14s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5_000_000_000) // 5s, avoided importing time for one literal
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		fmt.Printf("    %-14s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-14s reachable\n", "Status:")
}

func checkCredential(label, value string) {
	if value == "" {
		fmt.Printf("    %-14s (not configured)\n", label+":")
		return
	}
	fmt.Printf("    %-14s configured\n", label+":")
}

func checkProvider(name, apiKey string) {
	if apiKey == "" {
		fmt.Printf("    %-14s (not configured)\n", name+":")
		return
	}
	masked := apiKey
	if len(apiKey) > 8 {
		masked = apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
	}
	fmt.Printf("    %-14s %s\n", name+":", masked)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-14s NOT FOUND\n", name+":")
		return
	}
	fmt.Printf("    %-14s %s\n", name+":", path)
}
