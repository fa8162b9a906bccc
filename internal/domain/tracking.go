package domain

// ConversationKind classifies a tracked conversation.
type ConversationKind string

const (
	ConversationPrivate        ConversationKind = "private"
	ConversationChannelMention ConversationKind = "channel-mention"
)

// ProcessedMessage is one row of the append-only idempotence ledger.
type ProcessedMessage struct {
	MessageID       int64
	ConversationKey string
	ProcessedAt     string
}

// Conversation aggregates the tracked state of one ongoing exchange.
type Conversation struct {
	Key           string
	Kind          ConversationKind
	Descriptor    string
	LastActivity  int64
	LastMessageID int64
	ReplyNeeded   bool
}

// DraftLink ties a conversation to its external draft. DraftID zero means no
// draft has been created yet. AutoUpdate false means the draft is retired:
// left in place for the user but no longer regenerated.
type DraftLink struct {
	ConversationKey string
	DraftID         int64
	ContentHash     string
	AutoUpdate      bool
}
