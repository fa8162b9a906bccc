package domain

// ActionType is the decided draft operation for a conversation.
type ActionType string

const (
	ActionCreate ActionType = "create"
	ActionUpdate ActionType = "update"
	ActionRetire ActionType = "retire"
)

// DraftTarget addresses where a draft is written on the platform.
type DraftTarget struct {
	Kind         MessageKind
	StreamID     int
	Topic        string
	RecipientIDs []int
}

// DraftAction is one decided operation emitted by the reconciliation engine.
// Context carries the tracked messages for the conversation, newest last.
type DraftAction struct {
	Type            ActionType
	ConversationKey string
	Kind            ConversationKind
	Target          DraftTarget
	DraftID         int64
	Context         []Message
	ContentHash     string
}
