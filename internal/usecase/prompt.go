package usecase

import (
	"fmt"
	"strings"
	"time"

	"zulip-draft-agent/internal/domain"
)

const defaultStyleInstructions = "Write in a professional but friendly tone. Keep responses concise and helpful."

// buildReplyPrompt assembles the generation prompt for a drafted reply.
func buildReplyPrompt(conversationContext, userName string, kind domain.ConversationKind, style string) string {
	if strings.TrimSpace(style) == "" {
		style = defaultStyleInstructions
	}
	setting := "private"
	if kind == domain.ConversationChannelMention {
		setting = "stream/channel"
	}
	return strings.Join([]string{
		fmt.Sprintf("You are an AI assistant helping %s draft replies for Zulip messages.", userName),
		"",
		fmt.Sprintf("Context: This is a %s conversation.", setting),
		"",
		"Conversation history:",
		conversationContext,
		"",
		fmt.Sprintf("Please draft a thoughtful and appropriate reply as %s. The reply should:", userName),
		"1. Be contextually appropriate and address the main points or questions raised",
		"2. Match the tone of the conversation",
		fmt.Sprintf("3. Use %s's voice and perspective", userName),
		"4. Follow these style guidelines: " + normalizeWhitespace(style),
		"",
		"Only provide the reply text, no additional formatting or explanations.",
	}, "\n")
}

// buildSummaryPrompt assembles the generation prompt for the unread digest.
func buildSummaryPrompt(digest, userName string) string {
	return strings.Join([]string{
		fmt.Sprintf("You are an AI assistant helping %s get a summary of unread Zulip messages.", userName),
		"",
		"Here are the unread messages:",
		"",
		digest,
		"",
		"Please provide a concise summary that includes:",
		"1. Key topics or discussions",
		fmt.Sprintf("2. Important questions or requests directed at %s", userName),
		"3. Any urgent or time-sensitive items",
		"4. A brief overview of what's happening in different conversations",
		"",
		fmt.Sprintf("Format the summary in a clear, organized way that helps %s quickly understand what needs attention.", userName),
	}, "\n")
}

// formatConversationContext renders tracked messages oldest-first for the
// reply prompt.
func formatConversationContext(msgs []domain.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, fmt.Sprintf("%s [%s]: %s", senderLabel(m), formatTimestamp(m.Timestamp), m.Content))
	}
	return strings.Join(lines, "\n")
}

// formatMessagesForSummary renders unread messages with their location so
// the summary can group by conversation.
func formatMessagesForSummary(msgs []domain.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		location := ""
		switch m.Kind {
		case domain.MessageStream:
			location = fmt.Sprintf(" in #%s > %s", m.StreamName, m.Topic)
		case domain.MessagePrivate:
			var names []string
			for _, r := range m.Recipients {
				if strings.TrimSpace(r.FullName) != "" {
					names = append(names, r.FullName)
				}
			}
			if len(names) > 0 {
				location = fmt.Sprintf(" (private message with %s)", strings.Join(names, ", "))
			}
		}
		lines = append(lines, fmt.Sprintf("[%s] %s%s: %s", formatTimestamp(m.Timestamp), senderLabel(m), location, m.Content))
	}
	return strings.Join(lines, "\n\n")
}

func senderLabel(m domain.Message) string {
	if strings.TrimSpace(m.SenderFullName) != "" {
		return m.SenderFullName
	}
	return fmt.Sprintf("user %d", m.SenderID)
}

func formatTimestamp(ts int64) string {
	if ts <= 0 {
		return "unknown time"
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
