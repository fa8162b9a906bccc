package domain

// MessageKind distinguishes stream (channel) traffic from private exchanges.
type MessageKind string

const (
	MessageStream  MessageKind = "stream"
	MessagePrivate MessageKind = "private"
)

// Recipient is one participant of a private exchange.
type Recipient struct {
	ID       int
	FullName string
}

// Message is a raw message record as observed on the platform. Fields are
// validated at the identity-resolver boundary, not here.
type Message struct {
	ID             int64
	Kind           MessageKind
	SenderID       int
	SenderFullName string
	StreamID       int
	StreamName     string
	Topic          string
	Recipients     []Recipient
	Content        string
	Timestamp      int64
	MentionsUser   bool
}

// UserRef identifies the configured user on whose behalf drafts are written.
type UserRef struct {
	ID       int
	FullName string
}
