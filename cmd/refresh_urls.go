package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chronicle/internal/config"
	"github.com/nextlevelbuilder/chronicle/internal/gateway"
	"github.com/nextlevelbuilder/chronicle/internal/indexer"
	"github.com/nextlevelbuilder/chronicle/internal/ratelimit"
	"github.com/nextlevelbuilder/chronicle/internal/topcontent"
)

// refreshURLsCmd wraps Indexer.RefreshBatch (spec.md §4.5) for the
// one-shot ancillary script that re-hosts a ranked shortlist's expired
// CDN URLs — by default the Top-Content Selector's top-N reacted posts
// over the trailing month, matching the spec's stated batch usage.
func refreshURLsCmd() *cobra.Command {
	var channelID string
	var days int
	var limit int
	cmd := &cobra.Command{
		Use:   "refresh-urls",
		Short: "Refresh expired CDN attachment URLs for the top reacted posts in a window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRefreshURLs(channelID, days, limit)
		},
	}
	cmd.Flags().StringVar(&channelID, "channel", "", "restrict to a single channel id (default: whole server)")
	cmd.Flags().IntVar(&days, "days", 30, "trailing window in days")
	cmd.Flags().IntVar(&limit, "limit", 25, "max posts to refresh")
	return cmd
}

func runRefreshURLs(channelID string, days, limit int) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("refresh-urls: load config: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("refresh-urls: open store: %w", err)
	}
	defer st.Close()

	limiter := ratelimit.New()
	gw, err := gateway.New(cfg.Discord.BotToken, limiter)
	if err != nil {
		return fmt.Errorf("refresh-urls: gateway init: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.Connect(ctx); err != nil {
		return fmt.Errorf("refresh-urls: gateway connect: %w", err)
	}
	defer gw.Close()

	ix := indexer.New(st, gw, func(reason string) { fmt.Fprintln(os.Stderr, "refresh-urls alert:", reason) })
	selector := topcontent.New(st, gw)

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)

	items, err := selector.Query(ctx, topcontent.Params{
		ChannelID:         channelID,
		Start:             start,
		End:               end,
		MinUniqueReactors: 1,
		Limit:             limit,
	})
	if err != nil {
		return fmt.Errorf("refresh-urls: query: %w", err)
	}

	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.Message.MessageID)
	}

	fresh := ix.RefreshBatch(ctx, ids)
	fmt.Printf("refresh-urls: refreshed %d/%d messages\n", len(fresh), len(ids))
	return nil
}
