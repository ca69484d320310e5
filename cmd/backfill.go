package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chronicle/internal/config"
	"github.com/nextlevelbuilder/chronicle/internal/gateway"
	"github.com/nextlevelbuilder/chronicle/internal/indexer"
	"github.com/nextlevelbuilder/chronicle/internal/ratelimit"
)

// backfillCmd wraps Indexer.Backfill (spec.md §4.5) for the one-shot
// ancillary script the spec calls out as out-of-core: a standalone
// history pager that the daemon itself never invokes.
func backfillCmd() *cobra.Command {
	var channelID, startStr, endStr string
	cmd := &cobra.Command{
		Use:   "backfill --channel <id> --start <RFC3339> --end <RFC3339>",
		Short: "Page a channel's message history into the store oldest-to-newest",
		RunE: func(cmd *cobra.Command, args []string) error {
			if channelID == "" {
				return fmt.Errorf("backfill: --channel is required")
			}
			start, err := time.Parse(time.RFC3339, startStr)
			if err != nil {
				return fmt.Errorf("backfill: --start: %w", err)
			}
			end, err := time.Parse(time.RFC3339, endStr)
			if err != nil {
				return fmt.Errorf("backfill: --end: %w", err)
			}
			return runBackfill(channelID, start, end)
		},
	}
	cmd.Flags().StringVar(&channelID, "channel", "", "channel id to backfill")
	cmd.Flags().StringVar(&startStr, "start", "", "window start, RFC3339")
	cmd.Flags().StringVar(&endStr, "end", time.Now().UTC().Format(time.RFC3339), "window end, RFC3339 (default: now)")
	return cmd
}

func runBackfill(channelID string, start, end time.Time) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("backfill: load config: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("backfill: open store: %w", err)
	}
	defer st.Close()

	limiter := ratelimit.New()
	gw, err := gateway.New(cfg.Discord.BotToken, limiter)
	if err != nil {
		return fmt.Errorf("backfill: gateway init: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.Connect(ctx); err != nil {
		return fmt.Errorf("backfill: gateway connect: %w", err)
	}
	defer gw.Close()

	ix := indexer.New(st, gw, func(reason string) { fmt.Fprintln(os.Stderr, "backfill alert:", reason) })
	fmt.Printf("backfill: channel=%s window=[%s, %s]\n", channelID, start.Format(time.RFC3339), end.Format(time.RFC3339))
	if err := ix.Backfill(ctx, channelID, start, end); err != nil {
		return fmt.Errorf("backfill: %w", err)
	}
	fmt.Println("backfill: done")
	return nil
}
