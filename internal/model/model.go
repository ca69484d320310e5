// Package model defines the internal domain types shared across every
// component. Discord gateway events and row-store records are both adapted
// into these structs so the rest of the system never duck-types either
// source.
package model

import "time"

// Channel mirrors a monitored Discord text channel.
type Channel struct {
	ChannelID        string    `json:"channel_id"`
	Name             string    `json:"name"`
	CategoryID       *string   `json:"category_id,omitempty"`
	NSFW             bool      `json:"nsfw"`
	Description      *string   `json:"description,omitempty"`
	SuitablePosts    *string   `json:"suitable_posts,omitempty"`
	UnsuitablePosts  *string   `json:"unsuitable_posts,omitempty"`
	Rules            *string   `json:"rules,omitempty"`
	SetupComplete    bool      `json:"setup_complete"`
	Enriched         bool      `json:"enriched"`
	SummaryThreadID  *string   `json:"summary_thread_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Member mirrors a Discord guild member and their durable preferences.
// SharingConsent and PermissionToCurate are tri-state: nil = unset.
type Member struct {
	MemberID          string     `json:"member_id"`
	Username          string     `json:"username"`
	GlobalName        *string    `json:"global_name,omitempty"`
	ServerNick        *string    `json:"server_nick,omitempty"`
	AvatarURL         *string    `json:"avatar_url,omitempty"`
	DiscordCreatedAt  time.Time  `json:"discord_created_at"`
	GuildJoinDate     *time.Time `json:"guild_join_date,omitempty"`
	RoleIDs           []string   `json:"role_ids"`
	SharingConsent    *bool      `json:"sharing_consent,omitempty"`
	DMPreference      bool       `json:"dm_preference"`
	PermissionToCurate *bool     `json:"permission_to_curate,omitempty"`
	Notifications     []string   `json:"notifications,omitempty"`
	TwitterHandle     *string    `json:"twitter_handle,omitempty"`
	InstagramHandle   *string    `json:"instagram_handle,omitempty"`
	TikTokHandle      *string    `json:"tiktok_handle,omitempty"`
	YouTubeHandle     *string    `json:"youtube_handle,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// DisplayName returns the best available display name: server nick >
// global name > username.
func (m *Member) DisplayName() string {
	if m.ServerNick != nil && *m.ServerNick != "" {
		return *m.ServerNick
	}
	if m.GlobalName != nil && *m.GlobalName != "" {
		return *m.GlobalName
	}
	return m.Username
}

// Attachment is an embedded file reference on a Message. URLs are ephemeral
// CDN tokens; see indexer.Refresh for re-hydration.
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	Width       *int   `json:"width,omitempty"`
	Height      *int   `json:"height,omitempty"`
}

// Embed is a Discord rich embed attached to a message.
type Embed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Message is the canonical internal representation of a Discord message,
// filled either from a gateway event or from a stored row.
type Message struct {
	MessageID        string       `json:"message_id"`
	ChannelID        string       `json:"channel_id"`
	AuthorID         string       `json:"author_id"`
	Content          string       `json:"content"`
	CreatedAt        time.Time    `json:"created_at"`
	EditedAt         *time.Time   `json:"edited_at,omitempty"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	Embeds           []Embed      `json:"embeds,omitempty"`
	ReactionCount    int          `json:"reaction_count"`
	Reactors         []string     `json:"reactors,omitempty"`
	ReferenceID      *string      `json:"reference_id,omitempty"`
	ThreadID         *string      `json:"thread_id,omitempty"`
	IsPinned         bool         `json:"is_pinned"`
	IsDeleted        bool         `json:"is_deleted"`
	JumpURL          string       `json:"jump_url"`
	IndexedAt        time.Time    `json:"indexed_at"`
	QuarantineReason *string      `json:"quarantine_reason,omitempty"`
}

// UniqueReactorCount returns |reactors|, excluding the bot by construction
// (the indexer never adds the bot's own id — see indexer.applyReaction).
func (m *Message) UniqueReactorCount() int { return len(m.Reactors) }

// SummaryStatus is the lifecycle state of a DailySummary row.
type SummaryStatus string

const (
	SummaryPending   SummaryStatus = "pending"
	SummaryCompleted SummaryStatus = "completed"
	SummaryFailed    SummaryStatus = "failed"
)

// DailySummary is the durable record of one channel's (or the server's)
// summary run for a given UTC date.
type DailySummary struct {
	Date         string        `json:"date"` // YYYY-MM-DD, window end date
	ChannelID    string        `json:"channel_id"`
	FullSummary  string        `json:"full_summary"` // JSON text
	ShortSummary string        `json:"short_summary"`
	ThreadID     *string       `json:"thread_id,omitempty"`
	Status       SummaryStatus `json:"status"`
	Error        *string       `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// SystemLog is one append-only structured log record, written by the
// slog handler that persists operational logs to durable storage.
type SystemLog struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Level      string         `json:"level"`
	LoggerName string         `json:"logger_name"`
	Message    string         `json:"message"`
	Module     string         `json:"module"`
	Function   string         `json:"function"`
	Line       int            `json:"line"`
	Exception  *string        `json:"exception,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
	Hostname   string         `json:"hostname"`
}

// SummaryItem is one entry of a chunk/merge LLM output.
type SummaryItem struct {
	Title      string         `json:"title"`
	MainText   string         `json:"mainText"`
	MainFile   string         `json:"mainFile,omitempty"`
	MessageID  string         `json:"message_id"`
	ChannelID  string         `json:"channel_id"`
	SubTopics  []SummarySubTopic `json:"subTopics,omitempty"`
}

// SummarySubTopic is a nested follow-up point under a SummaryItem.
type SummarySubTopic struct {
	Text      string `json:"text"`
	File      string `json:"file,omitempty"`
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
}

// JumpURL builds the canonical Discord deep link for a message.
func JumpURL(guildID, channelID, messageID string) string {
	return "https://discord.com/channels/" + guildID + "/" + channelID + "/" + messageID
}

// Asset is a curated creator workflow (C12), recovered from
// original_source's workflow_uploader.py asset+media join tables.
type Asset struct {
	ID              string    `json:"id"`
	OwnerMemberID   string    `json:"owner_member_id"`
	ModelName       string    `json:"model_name"`
	Variant         *string   `json:"variant,omitempty"`
	SourceMessageID string    `json:"source_message_id"`
	CatalogEntry    string    `json:"catalog_entry"`
	CreatedAt       time.Time `json:"created_at"`
}

// AssetMediaKind distinguishes the workflow file itself from its preview
// media when an Asset carries more than one uploaded object.
type AssetMediaKind string

const (
	AssetMediaWorkflow AssetMediaKind = "workflow"
	AssetMediaPreview  AssetMediaKind = "preview"
)

// AssetMedia is one uploaded object (workflow file or preview image/video)
// belonging to an Asset.
type AssetMedia struct {
	ID          string         `json:"id"`
	AssetID     string         `json:"asset_id"`
	Bucket      string         `json:"bucket"`
	Path        string         `json:"path"`
	URL         string         `json:"url"`
	ContentType string         `json:"content_type"`
	Kind        AssetMediaKind `json:"kind"`
}

// ConsentDialogState is a state in the Sharing Orchestrator's consent
// protocol (spec.md §4.8).
type ConsentDialogState string

const (
	DialogAwaitReactorComment     ConsentDialogState = "await_reactor_comment"
	DialogResolveAuthorPreference ConsentDialogState = "resolve_author_preference"
	DialogAwaitAuthorConsent      ConsentDialogState = "await_author_consent"
	DialogModerate                ConsentDialogState = "moderate"
	DialogPublish                 ConsentDialogState = "publish"
	DialogAborted                 ConsentDialogState = "aborted"
	DialogEnded                   ConsentDialogState = "ended"
)

// ConsentDialog is the transient in-memory record of one in-flight
// sharing exchange; durable outcomes are written back to Member fields,
// not to this struct (spec.md §3).
type ConsentDialog struct {
	ID             string
	ReactorID      string
	AuthorID       string
	MessageID      string
	ChannelID      string
	ReactorComment string
	State          ConsentDialogState
	Deadline       time.Time
}
