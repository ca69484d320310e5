// Package sharing is the Sharing Orchestrator (spec.md §4.8, C8): the
// consent + moderation + publisher fan-out state machine triggered by a
// designated reaction emoji on a Discord message.
package sharing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/nextlevelbuilder/chronicle/internal/model"
	"github.com/nextlevelbuilder/chronicle/internal/store"
)

// consentTimeout is spec.md §4.8's 6h window for both AWAIT_REACTOR_COMMENT
// and AWAIT_AUTHOR_CONSENT.
const consentTimeout = 6 * time.Hour

// meter and the published/blocked counters register against the global otel
// providers (SPEC_FULL.md §2); see internal/indexer's identical pattern for
// why no explicit wiring is needed at construction time.
var (
	meter           = otel.Meter("chronicle/sharing")
	sharesPublished metric.Int64Counter
	sharesBlocked   metric.Int64Counter
)

func init() {
	sharesPublished, _ = meter.Int64Counter("chronicle.sharing.published",
		metric.WithDescription("consent dialogs that reached PUBLISH and fanned out to at least one publisher"))
	sharesBlocked, _ = meter.Int64Counter("chronicle.sharing.blocked",
		metric.WithDescription("consent dialogs terminated by moderation or author denial"))
}

// Notifier is the narrow messaging seam the orchestrator needs.
type Notifier interface {
	SendMessage(ctx context.Context, channelID, content string) (string, error)
	SendDM(ctx context.Context, userID, content string) (string, error)
}

// Moderator checks whether shared content is safe to publish. Malformed or
// ambiguous provider replies are the implementation's responsibility to
// normalize to a bool; transport errors are returned so the orchestrator
// can fail open (spec.md §4.8: "LLM transport errors fail open").
type Moderator interface {
	CheckText(ctx context.Context, model, reactorComment, messageContent string) (allow bool, reason string, err error)
}

// Publisher fans out one piece of content to an external platform.
type Publisher interface {
	Name() string
	Send(ctx context.Context, text string, mediaURLs []string, messageID, userID string) (url string, err error)
}

// Config tunes which reaction triggers the flow and which models are used
// at each moderation step.
type Config struct {
	TriggerEmoji     string
	FirstAskModel    string
	PreApprovedModel string
	AdminUserID      string
}

// dialog is the live in-memory state for one in-flight exchange; durable
// outcomes land on the Member row, never here (spec.md §3).
type dialog struct {
	model.ConsentDialog
	channelName string
	messageText string
	mediaURLs   []string
	timer       *time.Timer
}

// Orchestrator runs the consent state machine.
type Orchestrator struct {
	store      store.Store
	notifier   Notifier
	moderator  Moderator
	publishers []Publisher
	cfg        Config

	mu      sync.Mutex
	dialogs map[string]*dialog // keyed by AuthorID: one in-flight exchange per author
}

// New creates an Orchestrator.
func New(st store.Store, notifier Notifier, moderator Moderator, publishers []Publisher, cfg Config) *Orchestrator {
	if cfg.TriggerEmoji == "" {
		cfg.TriggerEmoji = "🔁"
	}
	return &Orchestrator{
		store: st, notifier: notifier, moderator: moderator, publishers: publishers, cfg: cfg,
		dialogs: make(map[string]*dialog),
	}
}

// TriggerReaction starts the flow when emoji matches cfg.TriggerEmoji on a
// message (spec.md §4.8: "Triggered by a designated reaction emoji").
func (o *Orchestrator) TriggerReaction(ctx context.Context, emoji, messageID, channelID, reactorID string) error {
	if emoji != o.cfg.TriggerEmoji {
		return nil
	}

	msg, channelName, err := o.loadMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("sharing: load message: %w", err)
	}
	if msg == nil {
		return nil
	}

	// NSFW short-circuit: refused before any DM (spec.md §4.8).
	if strings.Contains(strings.ToLower(channelName), "nsfw") {
		return nil
	}
	if msg.AuthorID == reactorID {
		return nil
	}

	o.mu.Lock()
	if _, busy := o.dialogs[msg.AuthorID]; busy {
		o.mu.Unlock()
		_, err := o.notifier.SendDM(ctx, reactorID,
			"A share request for this author is already in progress. Try again later.")
		return err
	}

	d := &dialog{
		ConsentDialog: model.ConsentDialog{
			ID: messageID + ":" + reactorID, ReactorID: reactorID, AuthorID: msg.AuthorID,
			MessageID: messageID, ChannelID: channelID, State: model.DialogAwaitReactorComment,
			Deadline: time.Now().Add(consentTimeout),
		},
		channelName: channelName, messageText: msg.Content, mediaURLs: attachmentURLs(msg),
	}
	d.timer = time.AfterFunc(consentTimeout, func() { o.onTimeout(d.ID) })
	o.dialogs[msg.AuthorID] = d
	o.mu.Unlock()

	_, err = o.notifier.SendDM(ctx, reactorID,
		"Want to add a comment to share with this post? Reply here within 6 hours (or reply \"n\" for none).")
	return err
}

// SharePreApproved invokes the pre-approved publish path directly for the
// Agent Loop's share_to_social tool (spec.md §4.9), skipping the reaction
// consent dialog entirely. It still runs moderation at PreApprovedModel
// quality and still enforces the per-author busy lock.
func (o *Orchestrator) SharePreApproved(ctx context.Context, messageID, actorID string) error {
	msg, channelName, err := o.loadMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("sharing: load message: %w", err)
	}
	if msg == nil {
		return fmt.Errorf("sharing: message %s not found", messageID)
	}
	if strings.Contains(strings.ToLower(channelName), "nsfw") {
		return fmt.Errorf("sharing: refused, source channel is nsfw")
	}

	o.mu.Lock()
	if _, busy := o.dialogs[msg.AuthorID]; busy {
		o.mu.Unlock()
		return fmt.Errorf("sharing: a dialog for this author is already in progress")
	}
	d := &dialog{
		ConsentDialog: model.ConsentDialog{
			ID: messageID + ":" + actorID, ReactorID: actorID, AuthorID: msg.AuthorID,
			MessageID: messageID, ChannelID: msg.ChannelID, State: model.DialogModerate,
		},
		channelName: channelName, messageText: msg.Content, mediaURLs: attachmentURLs(msg),
	}
	d.timer = time.NewTimer(0)
	d.timer.Stop()
	o.dialogs[msg.AuthorID] = d
	o.mu.Unlock()

	return o.moderate(ctx, d, o.cfg.PreApprovedModel)
}

// OnReactorComment advances AWAIT_REACTOR_COMMENT → RESOLVE_AUTHOR_PREFERENCE
// (spec.md §4.8).
func (o *Orchestrator) OnReactorComment(ctx context.Context, reactorID, content string) error {
	d := o.findByReactor(reactorID, model.DialogAwaitReactorComment)
	if d == nil {
		return nil
	}

	comment := strings.TrimSpace(content)
	if strings.EqualFold(comment, "n") || strings.EqualFold(comment, "no") {
		comment = ""
	}

	o.mu.Lock()
	d.ReactorComment = comment
	d.State = model.DialogResolveAuthorPreference
	o.mu.Unlock()

	return o.resolveAuthorPreference(ctx, d)
}

// resolveAuthorPreference implements spec.md §4.8's RESOLVE_AUTHOR_PREFERENCE
// transitions.
func (o *Orchestrator) resolveAuthorPreference(ctx context.Context, d *dialog) error {
	member, err := o.loadMember(ctx, d.AuthorID)
	if err != nil {
		return fmt.Errorf("sharing: load author: %w", err)
	}

	switch {
	case member.SharingConsent != nil && *member.SharingConsent:
		return o.moderate(ctx, d, o.cfg.PreApprovedModel)
	case member.SharingConsent == nil && member.DMPreference:
		o.mu.Lock()
		d.State = model.DialogAwaitAuthorConsent
		d.Deadline = time.Now().Add(consentTimeout)
		d.timer.Reset(consentTimeout)
		o.mu.Unlock()
		_, err := o.notifier.SendDM(ctx, d.AuthorID, authorConsentPrompt(d))
		return err
	default:
		return o.finishBlocked(ctx, d, "author has sharing disabled")
	}
}

// OnAuthorConsent implements AWAIT_AUTHOR_CONSENT's Allow/Deny transitions.
func (o *Orchestrator) OnAuthorConsent(ctx context.Context, authorID string, allow bool) error {
	o.mu.Lock()
	d, ok := o.dialogs[authorID]
	if !ok || d.State != model.DialogAwaitAuthorConsent {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	if err := o.store.Table("members").Eq("member_id", authorID).Update(ctx, store.Row{
		"sharing_consent": allow, "updated_at": time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("sharing: persist consent: %w", err)
	}

	if !allow {
		return o.finishDenied(ctx, d)
	}
	return o.moderate(ctx, d, o.cfg.FirstAskModel)
}

// moderate implements the MODERATE state (spec.md §4.8): empty texts skip
// the LLM and are treated as allowed; transport errors fail open.
func (o *Orchestrator) moderate(ctx context.Context, d *dialog, modelName string) error {
	o.setState(d, model.DialogModerate)

	if d.ReactorComment == "" && d.messageText == "" {
		return o.publish(ctx, d)
	}

	allow, reason, err := o.moderator.CheckText(ctx, modelName, d.ReactorComment, d.messageText)
	if err != nil {
		slog.Warn("sharing: moderation transport error, failing open", "author_id", d.AuthorID, "error", err)
		return o.publish(ctx, d)
	}
	if !allow {
		o.notifyAdmin(ctx, d, "no", reason)
		return o.finishBlocked(ctx, d, "blocked by moderation")
	}
	return o.publish(ctx, d)
}

// publish implements the PUBLISH state: fan out to every configured
// Publisher, DMing the reactor per-publisher success or failure.
func (o *Orchestrator) publish(ctx context.Context, d *dialog) error {
	o.setState(d, model.DialogPublish)

	handle, err := o.resolveAuthorHandle(ctx, d.AuthorID)
	if err != nil {
		slog.Warn("sharing: resolve author handle failed, using id", "author_id", d.AuthorID, "error", err)
		handle = d.AuthorID
	}
	text := composeText(d.ReactorComment, handle)
	for _, p := range o.publishers {
		url, err := p.Send(ctx, text, d.mediaURLs, d.MessageID, d.AuthorID)
		if err != nil {
			slog.Error("sharing: publish failed", "publisher", p.Name(), "author_id", d.AuthorID, "error", err)
			o.notifyReactor(ctx, d, fmt.Sprintf("Sorry, sharing to %s failed.", p.Name()))
			continue
		}
		o.notifyReactor(ctx, d, fmt.Sprintf("Shared to %s: %s", p.Name(), url))
	}

	sharesPublished.Add(ctx, 1)
	o.endDialog(d)
	return nil
}

func (o *Orchestrator) finishBlocked(ctx context.Context, d *dialog, reason string) error {
	sharesBlocked.Add(ctx, 1)
	o.notifyReactor(ctx, d, "This post could not be shared: "+reason+".")
	o.endDialog(d)
	return nil
}

func (o *Orchestrator) finishDenied(ctx context.Context, d *dialog) error {
	sharesBlocked.Add(ctx, 1)
	o.notifyReactor(ctx, d, "The author declined to share this post.")
	o.endDialog(d)
	return nil
}

func (o *Orchestrator) onTimeout(dialogID string) {
	o.mu.Lock()
	var d *dialog
	for _, v := range o.dialogs {
		if v.ID == dialogID {
			d = v
			break
		}
	}
	if d == nil {
		o.mu.Unlock()
		return
	}
	delete(o.dialogs, d.AuthorID)
	o.mu.Unlock()

	ctx := context.Background()
	switch d.State {
	case model.DialogAwaitReactorComment:
		// spec.md §4.8: ABORTED on reactor-comment timeout, no notification.
	case model.DialogAwaitAuthorConsent:
		o.notifyReactor(ctx, d, "Your share request timed out waiting for the author's response.")
	}
}

func (o *Orchestrator) setState(d *dialog, state model.ConsentDialogState) {
	o.mu.Lock()
	d.State = state
	o.mu.Unlock()
}

func (o *Orchestrator) endDialog(d *dialog) {
	o.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	delete(o.dialogs, d.AuthorID)
	o.mu.Unlock()
}

func (o *Orchestrator) notifyReactor(ctx context.Context, d *dialog, text string) {
	if _, err := o.notifier.SendDM(ctx, d.ReactorID, text); err != nil {
		slog.Error("sharing: notify reactor failed", "reactor_id", d.ReactorID, "error", err)
	}
}

// notifyAdmin sends the S4 admin alert for an LLM moderation flag
// (spec.md §8 S4): title "Content Flagged by LLM" with explicit
// decision/reason fields, so the admin DM's content is assertable rather
// than free prose.
func (o *Orchestrator) notifyAdmin(ctx context.Context, d *dialog, decision, reason string) {
	if o.cfg.AdminUserID == "" {
		return
	}
	text := fmt.Sprintf(
		"Content Flagged by LLM\nauthor=%s reactor=%s message=%s\ndecision=%s\nreason=%s",
		d.AuthorID, d.ReactorID, d.MessageID, decision, reason)
	if _, err := o.notifier.SendDM(ctx, o.cfg.AdminUserID, text); err != nil {
		slog.Error("sharing: notify admin failed", "error", err)
	}
}

func (o *Orchestrator) findByReactor(reactorID string, state model.ConsentDialogState) *dialog {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, d := range o.dialogs {
		if d.ReactorID == reactorID && d.State == state {
			return d
		}
	}
	return nil
}

func (o *Orchestrator) loadMessage(ctx context.Context, messageID string) (*model.Message, string, error) {
	rows, err := o.store.Table("messages").Eq("message_id", messageID).Execute(ctx)
	if err != nil {
		return nil, "", err
	}
	if len(rows) == 0 {
		return nil, "", nil
	}
	r := rows[0]
	msg := &model.Message{MessageID: messageID, ChannelID: str(r["channel_id"]), AuthorID: str(r["author_id"]), Content: str(r["content"])}

	channelRows, err := o.store.Table("channels").Eq("channel_id", msg.ChannelID).Execute(ctx)
	if err != nil {
		return nil, "", err
	}
	channelName := ""
	if len(channelRows) > 0 {
		channelName = str(channelRows[0]["name"])
	}

	var attachments []model.Attachment
	if raw, ok := r["attachments"].(string); ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &attachments)
	}
	msg.Attachments = attachments
	return msg, channelName, nil
}

func (o *Orchestrator) loadMember(ctx context.Context, memberID string) (*model.Member, error) {
	rows, err := o.store.Table("members").Eq("member_id", memberID).Execute(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &model.Member{MemberID: memberID, DMPreference: true}, nil
	}
	r := rows[0]
	m := &model.Member{MemberID: memberID, Username: str(r["username"]), DMPreference: true}
	if v, ok := r["dm_preference"].(bool); ok {
		m.DMPreference = v
	}
	if v, ok := r["sharing_consent"].(bool); ok {
		m.SharingConsent = &v
	}
	if v, ok := r["twitter_handle"].(string); ok && v != "" {
		m.TwitterHandle = &v
	}
	if v, ok := r["global_name"].(string); ok && v != "" {
		m.GlobalName = &v
	}
	if v, ok := r["server_nick"].(string); ok && v != "" {
		m.ServerNick = &v
	}
	return m, nil
}

// resolveAuthorHandle implements spec.md §4.8's "@handle-or-display-name":
// extracted from the author's stored twitter_handle, falling back to their
// display name.
func (o *Orchestrator) resolveAuthorHandle(ctx context.Context, authorID string) (string, error) {
	member, err := o.loadMember(ctx, authorID)
	if err != nil {
		return "", err
	}
	if member.TwitterHandle != nil {
		if handle := extractHandle(*member.TwitterHandle); handle != "" {
			return "@" + handle, nil
		}
	}
	return member.DisplayName(), nil
}

func attachmentURLs(msg *model.Message) []string {
	urls := make([]string, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		urls = append(urls, a.URL)
	}
	return urls
}

func authorConsentPrompt(d *dialog) string {
	comment := d.ReactorComment
	if comment == "" {
		comment = "(no comment)"
	}
	return fmt.Sprintf(
		"Someone wants to share your post to social media with this comment: %q\nReply \"allow\" or \"deny\" within 6 hours.",
		comment)
}

// handleFromURL extracts a bare username from a Twitter/X profile URL,
// an @handle, or a bare handle.
var handleFromURL = regexp.MustCompile(`(?i)(?:twitter\.com/|x\.com/)?@?([A-Za-z0-9_]{1,15})$`)

func extractHandle(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimSuffix(raw, "/")
	m := handleFromURL.FindStringSubmatch(raw)
	if len(m) == 2 {
		return m[1]
	}
	return ""
}

// composeText implements spec.md §4.8's content-composition rule.
func composeText(reactorComment, handleOrDisplay string) string {
	if reactorComment != "" {
		return fmt.Sprintf("%s\n\nGeneration by %s", reactorComment, handleOrDisplay)
	}
	return fmt.Sprintf("Generation by %s", handleOrDisplay)
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
