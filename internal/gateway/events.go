package gateway

import "time"

// EventType names one of the gateway event kinds the Indexer, Sharing
// Orchestrator, and Agent Loop subscribe to (spec.md §4.4).
type EventType string

const (
	EventMessageCreate EventType = "MessageCreate"
	EventMessageUpdate EventType = "MessageUpdate"
	EventMessageDelete EventType = "MessageDelete"
	EventReactionAdd   EventType = "ReactionAdd"
	EventReactionRemove EventType = "ReactionRemove"
	EventMemberUpdate  EventType = "MemberUpdate"
)

// Attachment is the wire shape of a Discord attachment, adapted into
// model.Attachment by the Indexer.
type Attachment struct {
	ID          string
	Filename    string
	ContentType string
	URL         string
	Size        int64
	Width       int
	Height      int
}

// Embed is the wire shape of a Discord rich embed.
type Embed struct {
	Title       string
	Description string
	URL         string
}

// MessagePayload carries everything the Indexer needs from a
// MessageCreate/MessageUpdate event without depending on discordgo types
// directly — the adapter layer in client.go fills this from *discordgo.Message.
type MessagePayload struct {
	MessageID   string
	ChannelID   string
	GuildID     string
	AuthorID    string
	AuthorName  string
	Content     string
	CreatedAt   time.Time
	EditedAt    *time.Time
	Attachments []Attachment
	Embeds      []Embed
	ReferenceID *string
	ThreadID    *string
	IsPinned    bool
	JumpURL     string
}

// MessageDeletePayload carries the minimal identifiers for a delete event.
type MessageDeletePayload struct {
	MessageID string
	ChannelID string
}

// ReactionPayload carries a single reaction add/remove event.
type ReactionPayload struct {
	MessageID string
	ChannelID string
	UserID    string
	Emoji     string
}

// MemberPayload carries a guild member snapshot for upsert.
type MemberPayload struct {
	MemberID         string
	Username         string
	GlobalName       *string
	ServerNick       *string
	AvatarURL        *string
	DiscordCreatedAt time.Time
	GuildJoinDate    *time.Time
	RoleIDs          []string
}

// Event is one item on the subscriber stream; exactly one of the typed
// payload fields is populated, selected by Type.
type Event struct {
	Type EventType

	MessageCreate *MessagePayload
	MessageUpdate *MessagePayload
	MessageDelete *MessageDeletePayload
	ReactionAdd   *ReactionPayload
	ReactionRemove *ReactionPayload
	MemberUpdate  *MemberPayload
}
