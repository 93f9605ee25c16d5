package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/certassist/certassist/internal/session"
)

// Request body limits.
const (
	maxRequestBody = 1 << 20 // 1 MiB
	maxTitleLength = 200
	maxBodyLength  = 100_000
	maxListOffset  = 100_000
)

// SessionStore is the slice of the session store the handlers need.
// *session.Store satisfies it; tests substitute a mock.
type SessionStore interface {
	CreateSession(ctx context.Context, ownerID, title string, metadata map[string]any) (*session.Session, error)
	AppendMessage(ctx context.Context, ownerID string, sessionID uuid.UUID, sender, body string) (*session.Message, *session.Session, error)
	Session(ctx context.Context, ownerID string, sessionID uuid.UUID) (*session.Session, error)
	UpdateSession(ctx context.Context, ownerID string, sessionID uuid.UUID, params session.UpdateParams) (*session.Session, error)
	ArchiveSession(ctx context.Context, ownerID string, sessionID uuid.UUID) error
	Sessions(ctx context.Context, ownerID string, params session.ListParams) ([]*session.Session, int, error)
	Messages(ctx context.Context, ownerID string, sessionID uuid.UUID, params session.MessageParams) ([]*session.Message, int, error)
	Export(ctx context.Context, ownerID string, sessionID uuid.UUID) (*session.ExportData, error)
}

// ExternalLinker lazily links sessions to an external AI conversation.
// Implemented by *bridge.Bridge; nil disables linking.
type ExternalLinker interface {
	EnsureExternalSession(ctx context.Context, sess *session.Session, history []*session.Message)
}

// sessionHandler serves the /api/v1 session and message routes.
type sessionHandler struct {
	store  SessionStore
	linker ExternalLinker
	logger *slog.Logger
}

// sessionItem is the JSON representation of a session.
type sessionItem struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	MessageCount  int            `json:"messageCount"`
	IsActive      bool           `json:"isActive"`
	ExternalRef   string         `json:"externalRef,omitempty"`
	CreatedAt     string         `json:"createdAt"`
	UpdatedAt     string         `json:"updatedAt"`
	LastMessageAt string         `json:"lastMessageAt,omitempty"`
}

// messageItem is the JSON representation of a message.
type messageItem struct {
	ID        string `json:"id"`
	Seq       int64  `json:"seq"`
	Sender    string `json:"sender"`
	Body      string `json:"body"`
	CreatedAt string `json:"createdAt"`
}

func toSessionItem(sess *session.Session) sessionItem {
	item := sessionItem{
		ID:           sess.ID.String(),
		Title:        sess.Title,
		Metadata:     sess.Metadata,
		MessageCount: sess.MessageCount,
		IsActive:     sess.IsActive,
		ExternalRef:  sess.ExternalRef,
		CreatedAt:    sess.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    sess.UpdatedAt.Format(time.RFC3339),
	}
	if !sess.LastMessageAt.IsZero() {
		item.LastMessageAt = sess.LastMessageAt.Format(time.RFC3339)
	}
	return item
}

func toMessageItem(msg *session.Message) messageItem {
	return messageItem{
		ID:        msg.ID.String(),
		Seq:       msg.Seq,
		Sender:    msg.Sender,
		Body:      msg.Body,
		CreatedAt: msg.CreatedAt.Format(time.RFC3339),
	}
}

// requireOwner pulls the authenticated owner from context. The auth
// middleware guarantees its presence; the check guards against wiring bugs.
func (h *sessionHandler) requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner, ok := ownerFromContext(r.Context())
	if !ok || owner == "" {
		h.logger.Error("owner missing from context", "path", r.URL.Path)
		WriteError(w, http.StatusUnauthorized, "unauthorized", "user identity required", h.logger)
		return "", false
	}
	return owner, true
}

// pathSessionID parses the {id} path segment.
func (h *sessionHandler) pathSessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.PathValue("id")
	if raw == "" {
		WriteError(w, http.StatusBadRequest, "missing_id", "session ID required", h.logger)
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_id", "invalid session ID", h.logger)
		return uuid.Nil, false
	}
	return id, true
}

// writeStoreError maps store errors onto the HTTP error envelope. Not-found
// and access-denied stay distinct statuses.
func (h *sessionHandler) writeStoreError(w http.ResponseWriter, r *http.Request, err error, op string) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		WriteError(w, http.StatusNotFound, "not_found", "session not found", h.logger)
	case errors.Is(err, session.ErrAccessDenied):
		WriteError(w, http.StatusForbidden, "forbidden", "session access denied", h.logger)
	case errors.Is(err, session.ErrInvalidSender):
		WriteError(w, http.StatusBadRequest, "invalid_sender", "sender must be 'user' or 'assistant'", h.logger)
	case errors.Is(err, session.ErrEmptyBody):
		WriteError(w, http.StatusBadRequest, "empty_body", "message body must not be empty", h.logger)
	default:
		h.logger.Error(op, "error", err, "path", r.URL.Path)
		WriteError(w, http.StatusInternalServerError, "internal_error", "operation failed", h.logger)
	}
}

// decodeJSON decodes a bounded JSON request body into dst.
func (h *sessionHandler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", "invalid request body", h.logger)
		return false
	}
	return true
}

type createSessionRequest struct {
	Title    string         `json:"title"`
	Metadata map[string]any `json:"metadata"`
}

// createSession handles POST /api/v1/sessions.
func (h *sessionHandler) createSession(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	var req createSessionRequest
	if r.ContentLength != 0 && !h.decodeJSON(w, r, &req) {
		return
	}
	if len(req.Title) > maxTitleLength {
		WriteError(w, http.StatusBadRequest, "title_too_long",
			fmt.Sprintf("title must be %d characters or fewer", maxTitleLength), h.logger)
		return
	}

	sess, err := h.store.CreateSession(r.Context(), owner, strings.TrimSpace(req.Title), req.Metadata)
	if err != nil {
		h.writeStoreError(w, r, err, "creating session")
		return
	}

	h.linkExternal(r, owner, sess)
	WriteJSON(w, http.StatusCreated, toSessionItem(sess), h.logger)
}

// listSessions handles GET /api/v1/sessions.
// Query parameters: limit, offset, include_archived.
func (h *sessionHandler) listSessions(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	offset := parseIntParam(r, "offset", 0)
	if offset > maxListOffset {
		WriteError(w, http.StatusBadRequest, "invalid_offset",
			fmt.Sprintf("offset must be %d or less", maxListOffset), h.logger)
		return
	}

	sessions, total, err := h.store.Sessions(r.Context(), owner, session.ListParams{
		IncludeArchived: r.URL.Query().Get("include_archived") == "true",
		Limit:           parseIntParam(r, "limit", 0),
		Offset:          offset,
	})
	if err != nil {
		h.writeStoreError(w, r, err, "listing sessions")
		return
	}

	items := make([]sessionItem, len(sessions))
	for i, sess := range sessions {
		items[i] = toSessionItem(sess)
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": total,
	}, h.logger)
}

// getSession handles GET /api/v1/sessions/{id}.
func (h *sessionHandler) getSession(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	id, ok := h.pathSessionID(w, r)
	if !ok {
		return
	}

	sess, err := h.store.Session(r.Context(), owner, id)
	if err != nil {
		h.writeStoreError(w, r, err, "getting session")
		return
	}
	WriteJSON(w, http.StatusOK, toSessionItem(sess), h.logger)
}

type updateSessionRequest struct {
	Title    *string        `json:"title"`
	Metadata map[string]any `json:"metadata"`
}

// updateSession handles PATCH /api/v1/sessions/{id} — rename and metadata
// updates. Fields absent from the body are left unchanged.
func (h *sessionHandler) updateSession(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	id, ok := h.pathSessionID(w, r)
	if !ok {
		return
	}

	var req updateSessionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.Title == nil && req.Metadata == nil {
		WriteError(w, http.StatusBadRequest, "empty_update", "nothing to update", h.logger)
		return
	}
	if req.Title != nil {
		trimmed := strings.TrimSpace(*req.Title)
		if trimmed == "" {
			WriteError(w, http.StatusBadRequest, "empty_title", "title must not be blank", h.logger)
			return
		}
		if len(trimmed) > maxTitleLength {
			WriteError(w, http.StatusBadRequest, "title_too_long",
				fmt.Sprintf("title must be %d characters or fewer", maxTitleLength), h.logger)
			return
		}
		req.Title = &trimmed
	}

	sess, err := h.store.UpdateSession(r.Context(), owner, id, session.UpdateParams{
		Title:    req.Title,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.writeStoreError(w, r, err, "updating session")
		return
	}
	WriteJSON(w, http.StatusOK, toSessionItem(sess), h.logger)
}

// archiveSession handles POST /api/v1/sessions/{id}/archive. Idempotent:
// archiving an archived session succeeds without change.
func (h *sessionHandler) archiveSession(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	id, ok := h.pathSessionID(w, r)
	if !ok {
		return
	}

	if err := h.store.ArchiveSession(r.Context(), owner, id); err != nil {
		h.writeStoreError(w, r, err, "archiving session")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "archived"}, h.logger)
}

type appendMessageRequest struct {
	Sender string `json:"sender"`
	Body   string `json:"body"`
}

// appendMessage handles POST /api/v1/sessions/{id}/messages.
func (h *sessionHandler) appendMessage(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	id, ok := h.pathSessionID(w, r)
	if !ok {
		return
	}
	h.appendTo(w, r, owner, id)
}

// appendLatest handles POST /api/v1/messages — appends to the caller's
// most recent active session, creating one when none exists.
func (h *sessionHandler) appendLatest(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	h.appendTo(w, r, owner, uuid.Nil)
}

func (h *sessionHandler) appendTo(w http.ResponseWriter, r *http.Request, owner string, id uuid.UUID) {
	var req appendMessageRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if len(req.Body) > maxBodyLength {
		WriteError(w, http.StatusBadRequest, "body_too_long",
			fmt.Sprintf("message body must be %d characters or fewer", maxBodyLength), h.logger)
		return
	}

	msg, sess, err := h.store.AppendMessage(r.Context(), owner, id, req.Sender, req.Body)
	if err != nil {
		h.writeStoreError(w, r, err, "appending message")
		return
	}

	h.linkExternal(r, owner, sess)
	WriteJSON(w, http.StatusOK, map[string]any{
		"message": toMessageItem(msg),
		"session": toSessionItem(sess),
	}, h.logger)
}

// listMessages handles GET /api/v1/sessions/{id}/messages.
// Query parameters: limit, offset, order (asc default, desc for newest-first).
func (h *sessionHandler) listMessages(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	id, ok := h.pathSessionID(w, r)
	if !ok {
		return
	}

	offset := parseIntParam(r, "offset", 0)
	if offset > maxListOffset {
		WriteError(w, http.StatusBadRequest, "invalid_offset",
			fmt.Sprintf("offset must be %d or less", maxListOffset), h.logger)
		return
	}

	order := r.URL.Query().Get("order")
	if order != "" && order != "asc" && order != "desc" {
		WriteError(w, http.StatusBadRequest, "invalid_order", "order must be 'asc' or 'desc'", h.logger)
		return
	}

	messages, total, err := h.store.Messages(r.Context(), owner, id, session.MessageParams{
		Limit:      parseIntParam(r, "limit", 0),
		Offset:     offset,
		Descending: order == "desc",
	})
	if err != nil {
		h.writeStoreError(w, r, err, "listing messages")
		return
	}

	items := make([]messageItem, len(messages))
	for i, msg := range messages {
		items[i] = toMessageItem(msg)
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": total,
	}, h.logger)
}

// exportSession handles GET /api/v1/sessions/{id}/export.
// Query parameter: format=json (default) or format=markdown.
func (h *sessionHandler) exportSession(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	id, ok := h.pathSessionID(w, r)
	if !ok {
		return
	}

	data, err := h.store.Export(r.Context(), owner, id)
	if err != nil {
		h.writeStoreError(w, r, err, "exporting session")
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "markdown":
		h.exportMarkdown(w, data)
	case "", "json":
		h.exportJSON(w, id, data)
	default:
		WriteError(w, http.StatusBadRequest, "invalid_format",
			"unsupported export format; use 'json' or 'markdown'", h.logger)
	}
}

func (h *sessionHandler) exportJSON(w http.ResponseWriter, id uuid.UUID, data *session.ExportData) {
	type exportMessage struct {
		ID        string `json:"id"`
		Sender    string `json:"sender"`
		Body      string `json:"body"`
		CreatedAt string `json:"createdAt"`
	}
	type exportSession struct {
		ID        string          `json:"id"`
		Title     string          `json:"title"`
		Metadata  map[string]any  `json:"metadata,omitempty"`
		IsActive  bool            `json:"isActive"`
		CreatedAt string          `json:"createdAt"`
		UpdatedAt string          `json:"updatedAt"`
		Messages  []exportMessage `json:"messages"`
	}

	msgs := make([]exportMessage, len(data.Messages))
	for i, msg := range data.Messages {
		msgs[i] = exportMessage{
			ID:        msg.ID.String(),
			Sender:    msg.Sender,
			Body:      msg.Body,
			CreatedAt: msg.CreatedAt.Format(time.RFC3339),
		}
	}

	resp := exportSession{
		ID:        data.Session.ID.String(),
		Title:     data.Session.Title,
		Metadata:  data.Session.Metadata,
		IsActive:  data.Session.IsActive,
		CreatedAt: data.Session.CreatedAt.Format(time.RFC3339),
		UpdatedAt: data.Session.UpdatedAt.Format(time.RFC3339),
		Messages:  msgs,
	}

	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{
			"filename": fmt.Sprintf("session-%s.json", id),
		}))
	WriteJSON(w, http.StatusOK, resp, h.logger)
}

// titleReplacer strips newlines to prevent Markdown heading breakout.
// strings.Replacer is safe for concurrent use.
var titleReplacer = strings.NewReplacer("\n", " ", "\r", " ")

func sanitizeTitle(s string) string {
	return titleReplacer.Replace(s)
}

// sanitizeMarkdownContent escapes leading Markdown structural characters
// to prevent structural injection in exported Markdown documents.
//
// Escapes: ATX headings (# ...), setext heading underlines (===, ---).
// Threat model: output is consumed as static text (editor, pandoc, etc.).
func sanitizeMarkdownContent(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		switch {
		case strings.HasPrefix(trimmed, "#"):
			indent := line[:len(line)-len(trimmed)]
			lines[i] = indent + `\` + trimmed
		case isSetextUnderline(trimmed):
			indent := line[:len(line)-len(trimmed)]
			lines[i] = indent + `\` + trimmed
		}
	}
	return strings.Join(lines, "\n")
}

// isSetextUnderline reports whether trimmed (leading whitespace already
// removed) consists entirely of '=' or entirely of '-' characters, with
// optional trailing whitespace. Such lines can promote the previous
// paragraph to a setext heading in CommonMark.
func isSetextUnderline(trimmed string) bool {
	s := strings.TrimRight(trimmed, " \t")
	if s == "" {
		return false
	}
	return strings.Trim(s, "=") == "" || strings.Trim(s, "-") == ""
}

// exportMarkdown renders a session export as a Markdown document.
func (h *sessionHandler) exportMarkdown(w http.ResponseWriter, data *session.ExportData) {
	var b strings.Builder
	title := sanitizeTitle(data.Session.Title)
	if title == "" {
		title = "Untitled Session"
	}
	b.WriteString("# ")
	b.WriteString(title)
	b.WriteString("\n\n")

	for _, msg := range data.Messages {
		var sender string
		switch msg.Sender {
		case session.SenderUser:
			sender = "User"
		case session.SenderAssistant:
			sender = "Assistant"
		default:
			sender = msg.Sender
		}

		b.WriteString("**")
		b.WriteString(sender)
		b.WriteString("**: ")
		b.WriteString(sanitizeMarkdownContent(msg.Body))
		b.WriteString("\n\n")
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{
			"filename": fmt.Sprintf("session-%s.md", data.Session.ID),
		}))
	if _, err := io.WriteString(w, b.String()); err != nil {
		h.logger.Error("writing markdown export", "error", err)
	}
}

// linkExternal kicks off best-effort external conversation linking without
// holding up the response. The external conversation is seeded with the
// session's message history so the provider mirrors local state. Detached
// from the request context so the link survives the client going away.
func (h *sessionHandler) linkExternal(r *http.Request, owner string, sess *session.Session) {
	if h.linker == nil || sess == nil || sess.ExternalRef != "" {
		return
	}
	ctx := context.WithoutCancel(r.Context())
	go func() {
		var history []*session.Message
		if sess.MessageCount > 0 {
			msgs, _, err := h.store.Messages(ctx, owner, sess.ID, session.MessageParams{
				Limit: session.MaxMessagesLimit,
			})
			if err != nil {
				h.logger.Warn("loading history for external link",
					"session_id", sess.ID, "error", err)
			} else {
				history = msgs
			}
		}
		h.linker.EnsureExternalSession(ctx, sess, history)
	}()
}
