// Package bridge links local sessions to conversations held by an external
// AI provider. The link is best-effort: persistence never waits on the
// provider, and provider failures are logged and swallowed so a remote
// outage cannot block reads or writes.
package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/certassist/certassist/internal/session"
)

// Turn is one exchange to seed the external conversation with.
type Turn struct {
	Sender string
	Body   string
}

// Provider creates conversations on an external AI service and returns an
// opaque handle for the new conversation.
type Provider interface {
	CreateConversation(ctx context.Context, title string, history []Turn) (string, error)
}

// refStore is the slice of the session store the bridge needs.
type refStore interface {
	SetExternalRef(ctx context.Context, sessionID uuid.UUID, ref string) error
}

// providerTimeout bounds each external call so a slow provider cannot pin
// goroutines.
const providerTimeout = 15 * time.Second

// Bridge lazily establishes the session-to-external-conversation mapping.
type Bridge struct {
	provider Provider
	store    refStore
	logger   *slog.Logger
}

// New creates a Bridge. provider may be nil, in which case every call is a
// no-op; that is the configured-off state, not an error.
func New(provider Provider, store refStore, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{provider: provider, store: store, logger: logger}
}

// Enabled reports whether an external provider is configured.
func (b *Bridge) Enabled() bool {
	return b.provider != nil
}

// EnsureExternalSession makes sure sess has an external conversation handle,
// creating one seeded with history if needed. Safe to call repeatedly; a
// session that is already mapped is left alone. All failures are logged and
// absorbed.
func (b *Bridge) EnsureExternalSession(ctx context.Context, sess *session.Session, history []*session.Message) {
	if b.provider == nil || sess == nil || sess.ExternalRef != "" {
		return
	}

	turns := make([]Turn, 0, len(history))
	for _, m := range history {
		turns = append(turns, Turn{Sender: m.Sender, Body: m.Body})
	}

	ctx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()

	ref, err := b.provider.CreateConversation(ctx, sess.Title, turns)
	if err != nil {
		b.logger.Warn("external conversation creation failed",
			"session_id", sess.ID, "error", err)
		return
	}
	if ref == "" {
		b.logger.Warn("external provider returned empty conversation handle",
			"session_id", sess.ID)
		return
	}

	if err := b.store.SetExternalRef(ctx, sess.ID, ref); err != nil {
		b.logger.Warn("persisting external conversation handle failed",
			"session_id", sess.ID, "error", err)
		return
	}

	b.logger.Debug("linked session to external conversation", "session_id", sess.ID)
}
