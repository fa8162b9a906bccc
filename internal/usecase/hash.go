package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"zulip-draft-agent/internal/domain"
)

// contextHash fingerprints a conversation context for the unchanged-content
// check. The hash is whitespace-insensitive: reflowed or re-rendered message
// bodies with identical words do not trigger a redundant draft update.
func contextHash(msgs []domain.Message) string {
	h := sha256.New()
	for _, m := range msgs {
		io.WriteString(h, normalizeWhitespace(m.SenderFullName))
		io.WriteString(h, "\x1f")
		io.WriteString(h, normalizeWhitespace(m.Content))
		io.WriteString(h, "\x1e")
	}
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
