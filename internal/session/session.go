package session

import (
	"time"

	"github.com/google/uuid"
)

// Message senders.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// TitleMaxRunes is the maximum length of a derived session title. The title
// of an untitled session is taken from its first message, truncated to this
// many runes, and never recomputed afterward.
const TitleMaxRunes = 50

// PlaceholderTitle is the provisional title of a session created without an
// explicit title, shown until the first message derives a real one.
const PlaceholderTitle = "New conversation"

// Session represents a conversation session.
type Session struct {
	ID            uuid.UUID
	OwnerID       string
	Title         string
	MessageCount  int
	IsActive      bool
	ExternalRef   string
	Metadata      map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastMessageAt time.Time // zero if no message has been appended yet

	// titleSet is true once the title is explicit (supplied at creation or
	// via update) or derived from the first message.
	titleSet bool
}

// Message represents a single conversation turn. Messages are immutable
// once written; ordering is by (CreatedAt, Seq).
type Message struct {
	ID          uuid.UUID
	SessionID   uuid.UUID
	Seq         int64
	Sender      string
	Body        string
	ExternalRef string
	CreatedAt   time.Time
}

// ValidSender reports whether sender is one of the accepted enum values.
func ValidSender(sender string) bool {
	return sender == SenderUser || sender == SenderAssistant
}

// DeriveTitle truncates a first-message body to TitleMaxRunes runes for use
// as a session title. Truncation counts runes, not bytes, so multi-byte
// text is never split mid-character.
func DeriveTitle(body string) string {
	runes := []rune(body)
	if len(runes) <= TitleMaxRunes {
		return body
	}
	return string(runes[:TitleMaxRunes])
}
