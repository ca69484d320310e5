package curator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chronicle/internal/llm"
	"github.com/nextlevelbuilder/chronicle/internal/model"
	"github.com/nextlevelbuilder/chronicle/internal/store"
)

// consentTimeout mirrors the original WorkflowUploadView's 12-hour
// interactive-DM window (original_source's workflow_uploader.py), longer
// than the Sharing Orchestrator's 6h since this is an unprompted,
// lower-urgency ask.
const consentTimeout = 12 * time.Hour

// contextRadius and maxContextMessages implement spec.md §4.12: "collect
// context messages (±12h by same author, capped at 200)".
const (
	contextRadius    = 12 * time.Hour
	maxContextMessages = 200
)

var (
	jsonExt = regexp.MustCompile(`(?i)\.json$`)
	pngExt  = regexp.MustCompile(`(?i)\.png$`)
	gifExt  = regexp.MustCompile(`(?i)\.gif$`)
)

// Notifier is the narrow Discord seam the Curator needs. OpenDM plus
// SendMessage let it delete the interactive DM once a choice is made or
// the view times out (spec.md §4.12, mirroring the original's
// `self.message.delete()` on the WorkflowUploadView).
type Notifier interface {
	OpenDM(ctx context.Context, userID string) (channelID string, err error)
	SendMessage(ctx context.Context, channelID, content string) (messageID string, err error)
	SendDM(ctx context.Context, userID, content string) (messageID string, err error)
	DeleteMessage(ctx context.Context, channelID, messageID string) error
}

// Fetcher downloads raw attachment bytes from their (ephemeral CDN) URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher is the default Fetcher. Attachment CDN URLs aren't Discord
// REST endpoints, so they bypass the Rate Limiter (spec.md §4.4 wraps
// Discord API calls specifically).
type HTTPFetcher struct{ Client *http.Client }

// NewHTTPFetcher creates an HTTPFetcher with a bounded per-request timeout.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("curator: build request: %w", err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("curator: fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("curator: fetch %s: status %d", rawURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// dialog is the live in-memory state for one in-flight curation request;
// durable outcomes land on the members/assets tables, never here.
type dialog struct {
	authorID, curatorID string
	messageID, channelID, channelName string
	workflowText, workflowFilename    string

	dmChannelID, dmMessageID string
	timer                    *time.Timer
}

// Config tunes the trigger emoji and the classification model.
type Config struct {
	TriggerEmoji string
	Provider     string
	Model        string
}

// Curator runs the Workflow Curator pipeline (spec.md §4.12, C12).
type Curator struct {
	store      store.Store
	dispatcher *llm.Dispatcher
	notifier   Notifier
	fetcher    Fetcher
	catalog    *Catalog
	cfg        Config

	mu      sync.Mutex
	dialogs map[string]*dialog // keyed by authorID: one in-flight curation per author
}

// New creates a Curator. catalog may be empty (LoadCatalog tolerates a
// missing file); fetcher defaults to HTTPFetcher when nil.
func New(st store.Store, dispatcher *llm.Dispatcher, notifier Notifier, fetcher Fetcher, catalog *Catalog, cfg Config) *Curator {
	if cfg.TriggerEmoji == "" {
		cfg.TriggerEmoji = "🗂️"
	}
	if fetcher == nil {
		fetcher = NewHTTPFetcher()
	}
	if catalog == nil {
		catalog = &Catalog{}
	}
	return &Curator{
		store: st, dispatcher: dispatcher, notifier: notifier, fetcher: fetcher, catalog: catalog, cfg: cfg,
		dialogs: make(map[string]*dialog),
	}
}

// TriggerReaction starts the flow when emoji matches cfg.TriggerEmoji and
// the target message carries a JSON attachment or a PNG with an embedded
// workflow/prompt text chunk (spec.md §4.12's trigger condition).
func (c *Curator) TriggerReaction(ctx context.Context, emoji, messageID, channelID, curatorID string) error {
	if emoji != c.cfg.TriggerEmoji {
		return nil
	}

	msg, channelName, err := c.loadMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("curator: load message: %w", err)
	}
	if msg == nil || msg.AuthorID == curatorID {
		return nil
	}

	workflowText, filename, ok := c.findWorkflowSource(ctx, msg)
	if !ok {
		return nil
	}

	member, err := c.loadMember(ctx, msg.AuthorID)
	if err != nil {
		return fmt.Errorf("curator: load author: %w", err)
	}
	if member.PermissionToCurate != nil && !*member.PermissionToCurate {
		_, err := c.notifier.SendDM(ctx, curatorID, fmt.Sprintf(
			"Skipping workflow upload for <@%s>: they've opted out of curation DMs.", msg.AuthorID))
		return err
	}

	c.mu.Lock()
	if _, busy := c.dialogs[msg.AuthorID]; busy {
		c.mu.Unlock()
		return nil
	}
	d := &dialog{
		authorID: msg.AuthorID, curatorID: curatorID, messageID: messageID, channelID: channelID,
		channelName: channelName, workflowText: workflowText, workflowFilename: filename,
	}
	c.dialogs[msg.AuthorID] = d
	c.mu.Unlock()

	dmChannelID, err := c.notifier.OpenDM(ctx, msg.AuthorID)
	if err != nil {
		c.endDialog(d)
		return fmt.Errorf("curator: open dm: %w", err)
	}
	content := fmt.Sprintf(
		"Hi! <@%s> thought your workflow here seemed impressive: %s\n\n"+
			"Would you be up for sharing it in the community gallery? Reply **yes** within 12 hours to "+
			"upload it (and nearby media) — or **no** if you'd rather not; I won't ask again.",
		curatorID, msg.JumpURL)
	dmMessageID, err := c.notifier.SendMessage(ctx, dmChannelID, content)
	if err != nil {
		c.endDialog(d)
		return fmt.Errorf("curator: send consent dm: %w", err)
	}

	c.mu.Lock()
	d.dmChannelID, d.dmMessageID = dmChannelID, dmMessageID
	d.timer = time.AfterFunc(consentTimeout, func() { c.onTimeout(msg.AuthorID) })
	c.mu.Unlock()
	return nil
}

// OnAuthorReply advances the AWAIT_CONSENT step on the author's DM reply,
// interpreting anything starting with 'y' as yes and anything else as no
// (mirrors the original's two-button view, collapsed to a text reply).
func (c *Curator) OnAuthorReply(ctx context.Context, authorID, content string) error {
	c.mu.Lock()
	d, ok := c.dialogs[authorID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	c.mu.Unlock()

	c.deleteConsentDM(ctx, d)

	yes := strings.HasPrefix(strings.ToLower(strings.TrimSpace(content)), "y")
	if !yes {
		if err := c.store.Table("members").Eq("member_id", authorID).Update(ctx, store.Row{
			"permission_to_curate": false, "updated_at": time.Now().UTC(),
		}); err != nil {
			slog.Error("curator: persist opt-out failed", "author_id", authorID, "error", err)
		}
		_, _ = c.notifier.SendDM(ctx, authorID,
			"Okay, I understand. I won't ask you about uploading workflows again.")
		_, _ = c.notifier.SendDM(ctx, d.curatorID, fmt.Sprintf(
			"<@%s> declined to upload their workflow and has been opted out of future curation DMs.", authorID))
		c.endDialog(d)
		return nil
	}

	return c.runUpload(ctx, d)
}

func (c *Curator) onTimeout(authorID string) {
	c.mu.Lock()
	d, ok := c.dialogs[authorID]
	c.mu.Unlock()
	if !ok {
		return
	}
	ctx := context.Background()
	c.deleteConsentDM(ctx, d)
	c.endDialog(d)
}

func (c *Curator) deleteConsentDM(ctx context.Context, d *dialog) {
	if d.dmChannelID == "" || d.dmMessageID == "" {
		return
	}
	if err := c.notifier.DeleteMessage(ctx, d.dmChannelID, d.dmMessageID); err != nil {
		slog.Warn("curator: delete consent dm failed", "author_id", d.authorID, "error", err)
	}
}

func (c *Curator) endDialog(d *dialog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	delete(c.dialogs, d.authorID)
}

// runUpload implements the confirmed path: collect context, classify
// against the catalog, upload the workflow file and every attachment of
// the context messages as a PNG preview (a GIF becomes its poster frame),
// and insert the asset + asset_media rows (spec.md §4.12).
func (c *Curator) runUpload(ctx context.Context, d *dialog) error {
	defer c.endDialog(d)

	contextText, mediaURLs, err := c.collectContext(ctx, d.authorID, d.messageID)
	if err != nil {
		slog.Error("curator: collect context failed", "author_id", d.authorID, "error", err)
		_, _ = c.notifier.SendDM(ctx, d.authorID, "Sorry, something went wrong collecting context for your workflow. It was not uploaded.")
		return err
	}

	modelName, variant := c.classify(ctx, contextText, d.channelName)
	catalogEntry := modelName
	if variant != "" {
		catalogEntry = modelName + " (" + variant + ")"
	}

	asset := model.Asset{
		ID: uuid.NewString(), OwnerMemberID: d.authorID, ModelName: modelName,
		SourceMessageID: d.messageID, CatalogEntry: catalogEntry, CreatedAt: time.Now().UTC(),
	}
	if variant != "" {
		asset.Variant = &variant
	}
	if err := c.store.Table("assets").Insert(ctx, store.Row{
		"id": asset.ID, "owner_member_id": asset.OwnerMemberID, "model_name": asset.ModelName,
		"variant": asset.Variant, "source_message_id": asset.SourceMessageID,
		"catalog_entry": asset.CatalogEntry, "created_at": asset.CreatedAt,
	}); err != nil {
		return fmt.Errorf("curator: insert asset: %w", err)
	}

	workflowPath := fmt.Sprintf("%s/%s/%s", d.authorID, d.messageID, d.workflowFilename)
	workflowURL, err := c.store.Bucket("workflows").Upload(ctx, workflowPath, []byte(d.workflowText), "application/json")
	if err != nil {
		return fmt.Errorf("curator: upload workflow: %w", err)
	}
	if err := c.insertAssetMedia(ctx, asset.ID, "workflows", workflowPath, workflowURL, "application/json", model.AssetMediaWorkflow); err != nil {
		return err
	}

	for i, url := range mediaURLs {
		data, err := c.fetcher.Fetch(ctx, url)
		if err != nil {
			slog.Warn("curator: fetch media failed", "url", url, "error", err)
			continue
		}
		if gifExt.MatchString(url) {
			if poster, err := PosterFrameFromGIF(data); err == nil {
				data = poster
			} else {
				slog.Warn("curator: gif poster extraction failed", "url", url, "error", err)
			}
		}
		path := fmt.Sprintf("%s/%s/preview_%d.png", d.authorID, d.messageID, i)
		mediaURL, err := c.store.Bucket("videos").Upload(ctx, path, data, "image/png")
		if err != nil {
			slog.Warn("curator: upload preview failed", "url", url, "error", err)
			continue
		}
		if err := c.insertAssetMedia(ctx, asset.ID, "videos", path, mediaURL, "image/png", model.AssetMediaPreview); err != nil {
			slog.Warn("curator: insert asset_media failed", "error", err)
		}
	}

	_, _ = c.notifier.SendDM(ctx, d.authorID, fmt.Sprintf("Thanks! Your workflow is live: %s", workflowURL))
	_, _ = c.notifier.SendDM(ctx, d.curatorID, fmt.Sprintf("Uploaded workflow from <@%s>: %s", d.authorID, workflowURL))
	return nil
}

func (c *Curator) insertAssetMedia(ctx context.Context, assetID, bucket, path, url, contentType string, kind model.AssetMediaKind) error {
	return c.store.Table("asset_media").Insert(ctx, store.Row{
		"id": uuid.NewString(), "asset_id": assetID, "bucket": bucket, "path": path,
		"url": url, "content_type": contentType, "kind": string(kind),
	})
}

// classify asks the LLM dispatcher to pick a model/variant from the
// canonical catalog (spec.md §4.12: "classify the model/variant by
// asking the LLM to choose from the canonical model catalog"). A
// malformed or catalog-absent response degrades to an empty
// classification rather than blocking the upload.
func (c *Curator) classify(ctx context.Context, contextText, channelName string) (modelName, variant string) {
	if c.dispatcher == nil || len(c.catalog.Models) == 0 {
		return "", ""
	}
	system := "You classify a generative-art workflow by the model family it targets. " +
		"Reply with exactly two lines: the model name, then the variant (or \"none\")."
	prompt := fmt.Sprintf("Channel: %s\n\nRecent context from the author:\n%s\n\nChoose exactly one model from this list: %s.",
		channelName, contextText, strings.Join(c.catalog.Names(), ", "))
	out, err := c.dispatcher.Generate(ctx, c.cfg.Provider, c.cfg.Model, system,
		[]llm.Message{llm.TextMessage("user", prompt)}, llm.Options{MaxTokens: 64})
	if err != nil {
		slog.Warn("curator: classification call failed", "error", err)
		return "", ""
	}
	lines := strings.SplitN(strings.TrimSpace(out), "\n", 2)
	name := strings.TrimSpace(lines[0])
	if !c.catalog.Contains(name) {
		return "", ""
	}
	if len(lines) > 1 {
		v := strings.TrimSpace(lines[1])
		if !strings.EqualFold(v, "none") && v != "" {
			variant = v
		}
	}
	return name, variant
}

// collectContext gathers the author's other messages within ±contextRadius
// of the trigger message, capped at maxContextMessages, and returns both
// a prompt-ready text block and the distinct media URLs found among them.
func (c *Curator) collectContext(ctx context.Context, authorID, aroundMessageID string) (string, []string, error) {
	rows, err := c.store.Table("messages").Eq("message_id", aroundMessageID).Execute(ctx)
	if err != nil {
		return "", nil, err
	}
	if len(rows) == 0 {
		return "", nil, fmt.Errorf("curator: message %s not found", aroundMessageID)
	}
	center, _ := rows[0]["created_at"].(time.Time)

	ctxRows, err := c.store.Table("messages").
		Eq("author_id", authorID).Eq("is_deleted", false).
		Gte("created_at", center.Add(-contextRadius)).Lte("created_at", center.Add(contextRadius)).
		Order("created_at", false).Limit(maxContextMessages).
		Execute(ctx)
	if err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	var media []string
	seen := make(map[string]bool)
	for _, r := range ctxRows {
		content := str(r["content"])
		if content != "" {
			sb.WriteString(content)
			sb.WriteString("\n")
		}
		var attachments []model.Attachment
		if raw, ok := r["attachments"].(string); ok && raw != "" {
			_ = json.Unmarshal([]byte(raw), &attachments)
		}
		for _, a := range attachments {
			if seen[a.URL] {
				continue
			}
			seen[a.URL] = true
			media = append(media, a.URL)
		}
	}
	return sb.String(), media, nil
}

// findWorkflowSource prefers an explicit JSON attachment; failing that,
// it checks PNG attachments for an embedded workflow/prompt text chunk
// (spec.md §4.12's two trigger conditions).
func (c *Curator) findWorkflowSource(ctx context.Context, msg *model.Message) (text, filename string, ok bool) {
	for _, a := range msg.Attachments {
		if !jsonExt.MatchString(a.Filename) {
			continue
		}
		data, err := c.fetcher.Fetch(ctx, a.URL)
		if err != nil {
			slog.Warn("curator: fetch json attachment failed", "url", a.URL, "error", err)
			continue
		}
		if !json.Valid(data) {
			continue
		}
		return string(data), a.Filename, true
	}
	for _, a := range msg.Attachments {
		if !pngExt.MatchString(a.Filename) {
			continue
		}
		data, err := c.fetcher.Fetch(ctx, a.URL)
		if err != nil {
			slog.Warn("curator: fetch png attachment failed", "url", a.URL, "error", err)
			continue
		}
		embedded, found := ExtractEmbeddedWorkflow(data)
		if !found || !json.Valid([]byte(embedded)) {
			continue
		}
		return embedded, fmt.Sprintf("embedded_workflow_%s.json", msg.MessageID), true
	}
	return "", "", false
}

func (c *Curator) loadMessage(ctx context.Context, messageID string) (*model.Message, string, error) {
	rows, err := c.store.Table("messages").Eq("message_id", messageID).Execute(ctx)
	if err != nil {
		return nil, "", err
	}
	if len(rows) == 0 {
		return nil, "", nil
	}
	r := rows[0]
	msg := &model.Message{
		MessageID: messageID, ChannelID: str(r["channel_id"]), AuthorID: str(r["author_id"]),
		Content: str(r["content"]), JumpURL: str(r["jump_url"]),
	}
	var attachments []model.Attachment
	if raw, ok := r["attachments"].(string); ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &attachments)
	}
	msg.Attachments = attachments

	channelName := ""
	channelRows, err := c.store.Table("channels").Eq("channel_id", msg.ChannelID).Execute(ctx)
	if err != nil {
		return nil, "", err
	}
	if len(channelRows) > 0 {
		channelName = str(channelRows[0]["name"])
	}
	return msg, channelName, nil
}

func (c *Curator) loadMember(ctx context.Context, memberID string) (*model.Member, error) {
	rows, err := c.store.Table("members").Eq("member_id", memberID).Execute(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &model.Member{MemberID: memberID, DMPreference: true}, nil
	}
	m := &model.Member{MemberID: memberID, DMPreference: true}
	if v, ok := rows[0]["permission_to_curate"].(bool); ok {
		m.PermissionToCurate = &v
	}
	return m, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
