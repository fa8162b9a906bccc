package usecase

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"zulip-draft-agent/internal/domain"
)

const (
	keyPrefixStream  = "stream:"
	keyPrefixPrivate = "private:"
)

// ResolveKey derives the stable conversation key for a raw message. Stream
// messages key on (stream ID, topic); private messages key on the sorted set
// of participants other than the configured user, so direction and recipient
// ordering never produce a second conversation. Returns an INVALID_MESSAGE
// error when the payload lacks the fields required to form a key.
func ResolveKey(msg domain.Message, currentUserID int) (string, error) {
	if msg.ID <= 0 {
		return "", newError(ErrorInvalidMessage, "missing_message_id", nil)
	}

	switch msg.Kind {
	case domain.MessageStream:
		if msg.StreamID <= 0 {
			return "", newError(ErrorInvalidMessage, "missing_stream_id", nil)
		}
		topic := strings.TrimSpace(msg.Topic)
		if topic == "" {
			return "", newError(ErrorInvalidMessage, "missing_topic", nil)
		}
		return fmt.Sprintf("%s%d:%s", keyPrefixStream, msg.StreamID, topic), nil

	case domain.MessagePrivate:
		others := otherParticipants(msg, currentUserID)
		if len(others) == 0 {
			return "", newError(ErrorInvalidMessage, "missing_participants", nil)
		}
		parts := make([]string, len(others))
		for i, id := range others {
			parts[i] = strconv.Itoa(id)
		}
		return keyPrefixPrivate + strings.Join(parts, ":"), nil

	default:
		return "", newError(ErrorInvalidMessage, "unknown_message_kind", nil)
	}
}

// otherParticipants returns the sorted, deduplicated participant IDs of a
// private message excluding the configured user. A message with no recipient
// list falls back to its sender; a self-PM keys on the user alone.
func otherParticipants(msg domain.Message, currentUserID int) []int {
	seen := map[int]bool{}
	var ids []int
	for _, r := range msg.Recipients {
		if r.ID <= 0 || r.ID == currentUserID || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		ids = append(ids, r.ID)
	}
	if len(ids) == 0 && msg.SenderID > 0 {
		ids = append(ids, msg.SenderID)
	}
	sort.Ints(ids)
	return ids
}

// conversationKind maps a message kind to the tracked conversation kind.
func conversationKind(kind domain.MessageKind) domain.ConversationKind {
	if kind == domain.MessageStream {
		return domain.ConversationChannelMention
	}
	return domain.ConversationPrivate
}

// conversationDescriptor renders a human-readable label for reports.
func conversationDescriptor(msg domain.Message) string {
	if msg.Kind == domain.MessageStream {
		return fmt.Sprintf("#%s > %s", msg.StreamName, msg.Topic)
	}
	var names []string
	for _, r := range msg.Recipients {
		if strings.TrimSpace(r.FullName) != "" {
			names = append(names, r.FullName)
		}
	}
	if len(names) == 0 {
		return msg.SenderFullName
	}
	return strings.Join(names, ", ")
}
