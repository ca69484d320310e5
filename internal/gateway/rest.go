package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/chronicle/internal/errkind"
	"github.com/nextlevelbuilder/chronicle/internal/ratelimit"
)

// restTimeout bounds every outbound REST call per spec.md §5 ("every
// outbound network call has a deadline").
const restTimeout = 15 * time.Second

// waitREST blocks until the steady-state token bucket (restTokens) admits
// one more outbound REST call, or ctx is done first — layered under the
// Rate Limiter's per-key exponential backoff (SPEC_FULL.md §3).
func (c *Client) waitREST(ctx context.Context) error {
	if err := c.restTokens.Wait(ctx); err != nil {
		return fmt.Errorf("gateway: rest token bucket: %w", err)
	}
	return nil
}

// FetchMessage retrieves a single message by id, used by the Indexer's
// URL-refresh sub-protocol (spec.md §4.5).
func (c *Client) FetchMessage(ctx context.Context, channelID, messageID string) (*MessagePayload, error) {
	ctx, cancel := context.WithTimeout(ctx, restTimeout)
	defer cancel()
	if err := c.waitREST(ctx); err != nil {
		return nil, err
	}

	m, err := ratelimit.Execute(ctx, c.limiter, "rest:channel_message:"+channelID, func() (*discordgo.Message, error) {
		msg, err := c.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, classifyDiscordErr(err)
		}
		return msg, nil
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: fetch message %s: %w", messageID, err)
	}
	return adaptMessage(m), nil
}

// HistoryPage fetches up to limit messages strictly after afterID and
// returns them oldest-first, used by backfill. With an empty afterID
// Discord returns the channel's most recent messages instead.
func (c *Client) HistoryPage(ctx context.Context, channelID, afterID string, limit int) ([]*MessagePayload, error) {
	ctx, cancel := context.WithTimeout(ctx, restTimeout)
	defer cancel()
	if err := c.waitREST(ctx); err != nil {
		return nil, err
	}

	msgs, err := ratelimit.Execute(ctx, c.limiter, "rest:channel_messages:"+channelID, func() ([]*discordgo.Message, error) {
		batch, err := c.session.ChannelMessages(channelID, limit, "", afterID, "", discordgo.WithContext(ctx))
		if err != nil {
			return nil, classifyDiscordErr(err)
		}
		return batch, nil
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: history page %s after %s: %w", channelID, afterID, err)
	}

	out := make([]*MessagePayload, len(msgs))
	for i, m := range msgs {
		out[i] = adaptMessage(m)
	}
	// discordgo returns messages newest-first within the page regardless
	// of the after/before cursor used; backfill wants oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SendMessage posts content to channelID, returning the new message id.
func (c *Client) SendMessage(ctx context.Context, channelID, content string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, restTimeout)
	defer cancel()
	if err := c.waitREST(ctx); err != nil {
		return "", err
	}

	m, err := ratelimit.Execute(ctx, c.limiter, "rest:send:"+channelID, func() (*discordgo.Message, error) {
		msg, err := c.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
		if err != nil {
			return nil, classifyDiscordErr(err)
		}
		return msg, nil
	})
	if err != nil {
		return "", fmt.Errorf("gateway: send to %s: %w", channelID, err)
	}
	return m.ID, nil
}

// CreateThread finds-or-creates named as a child thread of channelID,
// used by the Summarizer to obtain the monthly summary thread.
func (c *Client) CreateThread(ctx context.Context, channelID, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, restTimeout)
	defer cancel()
	if err := c.waitREST(ctx); err != nil {
		return "", err
	}

	th, err := ratelimit.Execute(ctx, c.limiter, "rest:thread:"+channelID, func() (*discordgo.Channel, error) {
		ch, err := c.session.ThreadStartComplex(channelID, &discordgo.ThreadStart{
			Name:                name,
			Type:                discordgo.ChannelTypeGuildPublicThread,
			AutoArchiveDuration: 10080, // 7 days
		}, discordgo.WithContext(ctx))
		if err != nil {
			return nil, classifyDiscordErr(err)
		}
		return ch, nil
	})
	if err != nil {
		return "", fmt.Errorf("gateway: create thread %q on %s: %w", name, channelID, err)
	}
	return th.ID, nil
}

// React adds emoji to messageID on behalf of the bot.
func (c *Client) React(ctx context.Context, channelID, messageID, emoji string) error {
	ctx, cancel := context.WithTimeout(ctx, restTimeout)
	defer cancel()
	if err := c.waitREST(ctx); err != nil {
		return err
	}

	_, err := ratelimit.Execute(ctx, c.limiter, "rest:react:"+channelID, func() (struct{}, error) {
		err := c.session.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx))
		return struct{}{}, classifyDiscordErr(err)
	})
	if err != nil {
		return fmt.Errorf("gateway: react %s on %s: %w", emoji, messageID, err)
	}
	return nil
}

// SendDM sends content to userID's DM channel, used by the Sharing
// Orchestrator and Scheduler & Health for admin alerts.
func (c *Client) SendDM(ctx context.Context, userID, content string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, restTimeout)
	defer cancel()
	if err := c.waitREST(ctx); err != nil {
		return "", err
	}

	m, err := ratelimit.Execute(ctx, c.limiter, "rest:dm:"+userID, func() (*discordgo.Message, error) {
		ch, err := c.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, classifyDiscordErr(err)
		}
		msg, err := c.session.ChannelMessageSend(ch.ID, content, discordgo.WithContext(ctx))
		if err != nil {
			return nil, classifyDiscordErr(err)
		}
		return msg, nil
	})
	if err != nil {
		return "", fmt.Errorf("gateway: dm %s: %w", userID, err)
	}
	return m.ID, nil
}

// OpenDM resolves userID's DM channel id without sending anything, used
// by the Workflow Curator (spec.md §4.12) so it can send its interactive
// consent DM via SendMessage and later delete it by (channelID, messageID)
// once a choice is made or the view times out.
func (c *Client) OpenDM(ctx context.Context, userID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, restTimeout)
	defer cancel()
	if err := c.waitREST(ctx); err != nil {
		return "", err
	}

	ch, err := ratelimit.Execute(ctx, c.limiter, "rest:dm_open:"+userID, func() (*discordgo.Channel, error) {
		ch, err := c.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, classifyDiscordErr(err)
		}
		return ch, nil
	})
	if err != nil {
		return "", fmt.Errorf("gateway: open dm %s: %w", userID, err)
	}
	return ch.ID, nil
}

// DeleteMessage removes a message, used when a consent dialog's initial
// DM is abandoned on timeout (spec.md §5 Cancellation & timeouts).
func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	ctx, cancel := context.WithTimeout(ctx, restTimeout)
	defer cancel()
	if err := c.waitREST(ctx); err != nil {
		return err
	}

	_, err := ratelimit.Execute(ctx, c.limiter, "rest:delete:"+channelID, func() (struct{}, error) {
		err := c.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx))
		return struct{}{}, classifyDiscordErr(err)
	})
	if err != nil {
		return fmt.Errorf("gateway: delete %s: %w", messageID, err)
	}
	return nil
}

// classifyDiscordErr maps a discordgo REST error to the behavioral kinds
// of spec.md §7: 401/4004 are auth (fatal), 429 is rate-limit, other 5xx
// are transient, everything else 4xx is permanent.
func classifyDiscordErr(err error) error {
	if err == nil {
		return nil
	}
	restErr, ok := err.(*discordgo.RESTError)
	if !ok {
		return errkind.New(errkind.KindTransient, err) // network-level: dial/timeout errors
	}
	if restErr.Response == nil {
		return errkind.New(errkind.KindTransient, err)
	}
	switch {
	case restErr.Response.StatusCode == 401 || (restErr.Message != nil && restErr.Message.Code == 4004):
		return errkind.New(errkind.KindAuth, err)
	case restErr.Response.StatusCode == 429:
		retryAfter := 1.0
		if h := restErr.Response.Header.Get("Retry-After"); h != "" {
			if v, perr := time.ParseDuration(h + "s"); perr == nil {
				retryAfter = v.Seconds()
			}
		}
		return errkind.NewRateLimited(err, retryAfter)
	case restErr.Response.StatusCode >= 500:
		return errkind.New(errkind.KindTransient, err)
	default:
		return errkind.New(errkind.KindPermanent, err)
	}
}
