package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/certassist/certassist/internal/session")

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// sessionCols is the standard SELECT column list for scanSession.
const sessionCols = `id, owner_id, title, title_set, metadata, external_ref,
	message_count, is_active, created_at, updated_at, last_message_at`

// messageCols is the standard SELECT column list for scanMessage.
const messageCols = `id, session_id, seq, sender, body, external_ref, created_at`

// Pagination bounds for listing operations.
const (
	DefaultSessionsLimit = 50
	MaxSessionsLimit     = 200
	DefaultMessagesLimit = 100
	MaxMessagesLimit     = 1000
)

// opTimeout bounds every public operation. On expiry the transaction rolls
// back wholesale; there is no partial completion to expose.
const opTimeout = 10 * time.Second

// Store manages session and message persistence with a PostgreSQL backend.
// It is the sole mutator of both tables.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool      *pgxpool.Pool
	activeCap int
	logger    *slog.Logger
}

// New creates a Store. activeCap is the per-owner soft quota of active
// sessions; 0 disables quota enforcement.
func New(pool *pgxpool.Pool, activeCap int, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if activeCap < 0 {
		return nil, fmt.Errorf("active session cap must be >= 0, got %d", activeCap)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, activeCap: activeCap, logger: logger}, nil
}

// ListParams controls Sessions pagination and filtering.
type ListParams struct {
	IncludeArchived bool
	Limit           int
	Offset          int
}

// MessageParams controls Messages pagination and ordering.
type MessageParams struct {
	Limit      int
	Offset     int
	Descending bool
}

// UpdateParams carries the fields of a partial session update. Nil fields
// are left unchanged.
type UpdateParams struct {
	Title    *string
	Metadata map[string]any
}

// ExportData bundles a session with its full message history.
type ExportData struct {
	Session  *Session
	Messages []*Message
}

// CreateSession creates a new session for an owner.
//
// If the owner already holds activeCap active sessions, the
// least-recently-updated active sessions are archived in the same
// transaction before the insert, so the cap holds as an invariant even
// under concurrent creates. The check-then-archive-then-insert sequence is
// serialized per owner with a transaction-scoped advisory lock.
func (s *Store) CreateSession(ctx context.Context, ownerID, title string, metadata map[string]any) (*Session, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}

	ctx, span := tracer.Start(ctx, "session.CreateSession")
	defer span.End()

	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	sess, err := withRetry(ctx, func() (*Session, error) {
		var created *Session
		txErr := s.transact(ctx, func(tx pgx.Tx) error {
			if err := lockOwner(ctx, tx, ownerID); err != nil {
				return err
			}
			var err error
			created, err = s.createLocked(ctx, tx, ownerID, title, metadataJSON)
			return err
		})
		return created, txErr
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("created session", "session_id", sess.ID, "owner_id", ownerID)
	return sess, nil
}

// AppendMessage appends one message to a session owned by ownerID.
//
// sessionID may be uuid.Nil, in which case the owner's most-recently-updated
// active session is used, creating one if none exists. Inside one
// transaction: the session row is locked and ownership-checked, the message
// is inserted, message_count is incremented server-side, updated_at and
// last_message_at are refreshed, and an untitled session gets its title
// derived from this first message. The updated session summary is returned
// so callers can display counters without a second read.
func (s *Store) AppendMessage(ctx context.Context, ownerID string, sessionID uuid.UUID, sender, body string) (*Message, *Session, error) {
	if ownerID == "" {
		return nil, nil, ErrOwnerRequired
	}
	if !ValidSender(sender) {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidSender, sender)
	}
	if strings.TrimSpace(body) == "" {
		return nil, nil, ErrEmptyBody
	}

	ctx, span := tracer.Start(ctx, "session.AppendMessage")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	type appendResult struct {
		msg  *Message
		sess *Session
	}

	res, err := withRetry(ctx, func() (appendResult, error) {
		var out appendResult
		txErr := s.transact(ctx, func(tx pgx.Tx) error {
			sess, err := s.resolveForAppend(ctx, tx, ownerID, sessionID)
			if err != nil {
				return err
			}

			msg := &Message{SessionID: sess.ID, Sender: sender, Body: body}
			err = tx.QueryRow(ctx,
				`INSERT INTO messages (session_id, sender, body)
				 VALUES ($1, $2, $3)
				 RETURNING id, seq, created_at`,
				sess.ID, sender, body,
			).Scan(&msg.ID, &msg.Seq, &msg.CreatedAt)
			if err != nil {
				return fmt.Errorf("inserting message: %w", err)
			}

			// First message of an untitled session derives the title,
			// exactly once.
			deriveTitle := !sess.titleSet && sess.MessageCount == 0

			var row pgx.Row
			if deriveTitle {
				row = tx.QueryRow(ctx,
					`UPDATE sessions
					 SET message_count = message_count + 1,
					     updated_at = now(),
					     last_message_at = now(),
					     title = $2,
					     title_set = true
					 WHERE id = $1
					 RETURNING `+sessionCols,
					sess.ID, DeriveTitle(body),
				)
			} else {
				row = tx.QueryRow(ctx,
					`UPDATE sessions
					 SET message_count = message_count + 1,
					     updated_at = now(),
					     last_message_at = now()
					 WHERE id = $1
					 RETURNING `+sessionCols,
					sess.ID,
				)
			}

			updated, err := scanSession(row)
			if err != nil {
				return fmt.Errorf("updating session counters: %w", err)
			}

			out = appendResult{msg: msg, sess: updated}
			return nil
		})
		return out, txErr
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Debug("appended message",
		"session_id", res.sess.ID,
		"message_id", res.msg.ID,
		"sender", sender,
		"message_count", res.sess.MessageCount,
	)
	return res.msg, res.sess, nil
}

// Session retrieves a session by id, verifying ownership.
func (s *Store) Session(ctx context.Context, ownerID string, sessionID uuid.UUID) (*Session, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}

	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = $1`,
		sessionID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", sessionID, err)
	}
	if sess.OwnerID != ownerID {
		return nil, ErrAccessDenied
	}
	return sess, nil
}

// UpdateSession applies a partial update (title and/or metadata) to an
// owned session and refreshes updated_at. The ownership check and the
// update run in the same transaction.
func (s *Store) UpdateSession(ctx context.Context, ownerID string, sessionID uuid.UUID, params UpdateParams) (*Session, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}

	ctx, span := tracer.Start(ctx, "session.UpdateSession")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return withRetry(ctx, func() (*Session, error) {
		var updated *Session
		txErr := s.transact(ctx, func(tx pgx.Tx) error {
			sess, err := getSessionLocked(ctx, tx, sessionID)
			if err != nil {
				return err
			}
			if sess.OwnerID != ownerID {
				return ErrAccessDenied
			}

			title := sess.Title
			titleSet := sess.titleSet
			if params.Title != nil {
				title = *params.Title
				titleSet = true
			}

			metadata := sess.Metadata
			if params.Metadata != nil {
				metadata = params.Metadata
			}
			metadataJSON, err := marshalMetadata(metadata)
			if err != nil {
				return err
			}

			updated, err = scanSession(tx.QueryRow(ctx,
				`UPDATE sessions
				 SET title = $2, title_set = $3, metadata = $4::jsonb, updated_at = now()
				 WHERE id = $1
				 RETURNING `+sessionCols,
				sessionID, title, titleSet, metadataJSON,
			))
			if err != nil {
				return fmt.Errorf("updating session %s: %w", sessionID, err)
			}
			return nil
		})
		return updated, txErr
	})
}

// ArchiveSession sets is_active = false on an owned session. Archiving an
// already-archived session is a no-op success. Messages remain readable.
// updated_at is left alone: it tracks conversation activity, and archival
// is a listing state, not activity.
func (s *Store) ArchiveSession(ctx context.Context, ownerID string, sessionID uuid.UUID) error {
	if ownerID == "" {
		return ErrOwnerRequired
	}

	ctx, span := tracer.Start(ctx, "session.ArchiveSession")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := withRetry(ctx, func() (struct{}, error) {
		tag, err := s.pool.Exec(ctx,
			`UPDATE sessions SET is_active = false
			 WHERE id = $1 AND owner_id = $2 AND is_active`,
			sessionID, ownerID,
		)
		if err != nil {
			return struct{}{}, fmt.Errorf("archiving session %s: %w", sessionID, err)
		}
		if tag.RowsAffected() > 0 {
			return struct{}{}, nil
		}

		// Nothing changed: distinguish not-found, wrong owner, and the
		// idempotent already-archived case.
		var rowOwner string
		var isActive bool
		lookupErr := s.pool.QueryRow(ctx,
			`SELECT owner_id, is_active FROM sessions WHERE id = $1`,
			sessionID,
		).Scan(&rowOwner, &isActive)
		if errors.Is(lookupErr, pgx.ErrNoRows) {
			return struct{}{}, ErrNotFound
		}
		if lookupErr != nil {
			return struct{}{}, fmt.Errorf("looking up session %s: %w", sessionID, lookupErr)
		}
		if rowOwner != ownerID {
			return struct{}{}, ErrAccessDenied
		}
		return struct{}{}, nil
	})
	return err
}

// Sessions lists an owner's sessions ordered by updated_at descending,
// with the total matching count for pagination. Archived sessions are
// excluded unless IncludeArchived is set.
func (s *Store) Sessions(ctx context.Context, ownerID string, params ListParams) ([]*Session, int, error) {
	if ownerID == "" {
		return nil, 0, ErrOwnerRequired
	}

	limit := clamp(params.Limit, DefaultSessionsLimit, MaxSessionsLimit)
	offset := max(params.Offset, 0)

	filter := ` WHERE owner_id = $1`
	if !params.IncludeArchived {
		filter += ` AND is_active`
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM sessions`+filter, ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting sessions: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionCols+` FROM sessions`+filter+`
		 ORDER BY updated_at DESC
		 LIMIT $2 OFFSET $3`,
		ownerID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	sessions, err := scanSessions(rows)
	if err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

// Messages lists a session's messages in creation order (or reverse), with
// the total count. The ownership check applies to archived sessions too;
// their history stays fully readable.
func (s *Store) Messages(ctx context.Context, ownerID string, sessionID uuid.UUID, params MessageParams) ([]*Message, int, error) {
	if _, err := s.Session(ctx, ownerID, sessionID); err != nil {
		return nil, 0, err
	}

	limit := clamp(params.Limit, DefaultMessagesLimit, MaxMessagesLimit)
	offset := max(params.Offset, 0)

	order := `ASC`
	if params.Descending {
		order = `DESC`
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM messages WHERE session_id = $1`,
		sessionID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting messages: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE session_id = $1
		 ORDER BY created_at `+order+`, seq `+order+`
		 LIMIT $2 OFFSET $3`,
		sessionID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, 0, err
	}
	return messages, total, nil
}

// Export returns a session with its complete message history in creation
// order. Unlike Messages, no pagination limit applies; an export is only
// complete if it carries every message. Works for archived sessions.
func (s *Store) Export(ctx context.Context, ownerID string, sessionID uuid.UUID) (*ExportData, error) {
	ctx, span := tracer.Start(ctx, "session.Export")
	defer span.End()

	sess, err := s.Session(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE session_id = $1
		 ORDER BY created_at ASC, seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("exporting messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	return &ExportData{Session: sess, Messages: messages}, nil
}

// SetExternalRef records the external provider's conversation handle for a
// session. Idempotent: applying the same ref twice is a no-op, and an
// already-set different ref is kept (first writer wins). Called by the
// bridge outside any store transaction; deliberately does not touch
// updated_at, so background sync never reorders listings.
func (s *Store) SetExternalRef(ctx context.Context, sessionID uuid.UUID, ref string) error {
	if ref == "" {
		return fmt.Errorf("external ref is empty")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET external_ref = $2
		 WHERE id = $1 AND (external_ref IS NULL OR external_ref = $2)`,
		sessionID, ref,
	)
	if err != nil {
		return fmt.Errorf("setting external ref for session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Warn("external ref already set with a different value, keeping existing",
			"session_id", sessionID)
	}
	return nil
}

// resolveForAppend returns the locked target session for an append. An
// explicit id is locked and ownership-checked; uuid.Nil resolves the
// owner's most-recently-updated active session, creating one when the owner
// has none. The per-owner advisory lock keeps two concurrent implicit
// appends from creating two sessions.
func (s *Store) resolveForAppend(ctx context.Context, tx pgx.Tx, ownerID string, sessionID uuid.UUID) (*Session, error) {
	if sessionID != uuid.Nil {
		sess, err := getSessionLocked(ctx, tx, sessionID)
		if err != nil {
			return nil, err
		}
		if sess.OwnerID != ownerID {
			return nil, ErrAccessDenied
		}
		return sess, nil
	}

	if err := lockOwner(ctx, tx, ownerID); err != nil {
		return nil, err
	}

	sess, err := scanSession(tx.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM sessions
		 WHERE owner_id = $1 AND is_active
		 ORDER BY updated_at DESC
		 LIMIT 1
		 FOR UPDATE`,
		ownerID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return s.createLocked(ctx, tx, ownerID, "", "{}")
	}
	if err != nil {
		return nil, fmt.Errorf("resolving active session: %w", err)
	}
	return sess, nil
}

// createLocked inserts a session, enforcing the active-session quota first.
// The caller must hold the owner's advisory lock.
func (s *Store) createLocked(ctx context.Context, q querier, ownerID, title, metadataJSON string) (*Session, error) {
	if s.activeCap > 0 {
		var active int
		if err := q.QueryRow(ctx,
			`SELECT count(*) FROM sessions WHERE owner_id = $1 AND is_active`,
			ownerID,
		).Scan(&active); err != nil {
			return nil, fmt.Errorf("counting active sessions: %w", err)
		}

		// Archiving (active - cap + 1) rows keeps the invariant even if the
		// cap was lowered below the current active count. updated_at stays
		// untouched so victims keep their place in archived listings.
		if evict := active - s.activeCap + 1; evict > 0 {
			rows, err := q.Query(ctx,
				`UPDATE sessions SET is_active = false
				 WHERE id IN (
				     SELECT id FROM sessions
				     WHERE owner_id = $1 AND is_active
				     ORDER BY updated_at ASC
				     LIMIT $2
				 )
				 RETURNING id`,
				ownerID, evict,
			)
			if err != nil {
				return nil, fmt.Errorf("archiving over-quota sessions: %w", err)
			}
			victims, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
			if err != nil {
				return nil, fmt.Errorf("collecting archived session ids: %w", err)
			}
			s.logger.Info("active session quota reached, archived oldest",
				"owner_id", ownerID,
				"cap", s.activeCap,
				"archived", victims,
			)
		}
	}

	titleSet := title != ""
	if title == "" {
		title = PlaceholderTitle
	}

	sess, err := scanSession(q.QueryRow(ctx,
		`INSERT INTO sessions (owner_id, title, title_set, metadata)
		 VALUES ($1, $2, $3, $4::jsonb)
		 RETURNING `+sessionCols,
		ownerID, title, titleSet, metadataJSON,
	))
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}
	return sess, nil
}

// transact runs fn inside a transaction, rolling back on error or panic.
func (s *Store) transact(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// lockOwner serializes session creation and implicit-session resolution per
// owner. pg_advisory_xact_lock releases automatically at commit/rollback.
func lockOwner(ctx context.Context, tx pgx.Tx, ownerID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ownerID); err != nil {
		return fmt.Errorf("acquiring owner lock: %w", err)
	}
	return nil
}

// getSessionLocked reads a session row with SELECT ... FOR UPDATE so the
// ownership check and the following mutation are atomic.
func getSessionLocked(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID) (*Session, error) {
	sess, err := scanSession(tx.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = $1 FOR UPDATE`,
		sessionID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("locking session %s: %w", sessionID, err)
	}
	return sess, nil
}

func marshalMetadata(metadata map[string]any) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshaling metadata: %w", err)
	}
	return string(b), nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	var metadataJSON []byte
	var externalRef *string
	var lastMessageAt *time.Time

	err := row.Scan(
		&sess.ID,
		&sess.OwnerID,
		&sess.Title,
		&sess.titleSet,
		&metadataJSON,
		&externalRef,
		&sess.MessageCount,
		&sess.IsActive,
		&sess.CreatedAt,
		&sess.UpdatedAt,
		&lastMessageAt,
	)
	if err != nil {
		return nil, err
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &sess.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling session metadata: %w", err)
		}
	}
	if externalRef != nil {
		sess.ExternalRef = *externalRef
	}
	if lastMessageAt != nil {
		sess.LastMessageAt = *lastMessageAt
	}
	return &sess, nil
}

func scanSessions(rows pgx.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

func scanMessages(rows pgx.Rows) ([]*Message, error) {
	var messages []*Message
	for rows.Next() {
		var msg Message
		var externalRef *string
		err := rows.Scan(
			&msg.ID,
			&msg.SessionID,
			&msg.Seq,
			&msg.Sender,
			&msg.Body,
			&externalRef,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		if externalRef != nil {
			msg.ExternalRef = *externalRef
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

func clamp(v, def, maxVal int) int {
	if v <= 0 {
		return def
	}
	return min(v, maxVal)
}

// TitledExplicitly reports whether the session's title was supplied by the
// owner or derived from its first message, as opposed to the placeholder.
func (s *Session) TitledExplicitly() bool {
	return s.titleSet
}
