package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certassist/certassist/internal/auth"
	"github.com/certassist/certassist/internal/session"
	"github.com/certassist/certassist/internal/testutil"
)

// mockStore is an in-memory SessionStore for handler tests. Single-owner,
// no locking; handler tests are sequential.
type mockStore struct {
	sessions map[uuid.UUID]*session.Session
	messages map[uuid.UUID][]*session.Message
	failWith error
}

func newMockStore() *mockStore {
	return &mockStore{
		sessions: make(map[uuid.UUID]*session.Session),
		messages: make(map[uuid.UUID][]*session.Message),
	}
}

func (m *mockStore) CreateSession(_ context.Context, ownerID, title string, metadata map[string]any) (*session.Session, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	if title == "" {
		title = session.PlaceholderTitle
	}
	sess := &session.Session{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Title:     title,
		Metadata:  metadata,
		IsActive:  true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	m.sessions[sess.ID] = sess
	return sess, nil
}

func (m *mockStore) guard(ownerID string, id uuid.UUID) (*session.Session, error) {
	sess, ok := m.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	if sess.OwnerID != ownerID {
		return nil, session.ErrAccessDenied
	}
	return sess, nil
}

func (m *mockStore) AppendMessage(_ context.Context, ownerID string, sessionID uuid.UUID, sender, body string) (*session.Message, *session.Session, error) {
	if m.failWith != nil {
		return nil, nil, m.failWith
	}
	if !session.ValidSender(sender) {
		return nil, nil, session.ErrInvalidSender
	}
	if strings.TrimSpace(body) == "" {
		return nil, nil, session.ErrEmptyBody
	}

	var sess *session.Session
	if sessionID == uuid.Nil {
		for _, s := range m.sessions {
			if s.OwnerID == ownerID && s.IsActive {
				sess = s
				break
			}
		}
		if sess == nil {
			created, err := m.CreateSession(context.Background(), ownerID, "", nil)
			if err != nil {
				return nil, nil, err
			}
			sess = created
		}
	} else {
		var err error
		sess, err = m.guard(ownerID, sessionID)
		if err != nil {
			return nil, nil, err
		}
	}

	msg := &session.Message{
		ID:        uuid.New(),
		SessionID: sess.ID,
		Seq:       int64(len(m.messages[sess.ID]) + 1),
		Sender:    sender,
		Body:      body,
		CreatedAt: time.Now(),
	}
	m.messages[sess.ID] = append(m.messages[sess.ID], msg)
	sess.MessageCount++
	if sess.MessageCount == 1 && sess.Title == session.PlaceholderTitle {
		sess.Title = session.DeriveTitle(body)
	}
	return msg, sess, nil
}

func (m *mockStore) Session(_ context.Context, ownerID string, sessionID uuid.UUID) (*session.Session, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	return m.guard(ownerID, sessionID)
}

func (m *mockStore) UpdateSession(_ context.Context, ownerID string, sessionID uuid.UUID, params session.UpdateParams) (*session.Session, error) {
	sess, err := m.guard(ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	if params.Title != nil {
		sess.Title = *params.Title
	}
	if params.Metadata != nil {
		sess.Metadata = params.Metadata
	}
	return sess, nil
}

func (m *mockStore) ArchiveSession(_ context.Context, ownerID string, sessionID uuid.UUID) error {
	sess, err := m.guard(ownerID, sessionID)
	if err != nil {
		return err
	}
	sess.IsActive = false
	return nil
}

func (m *mockStore) Sessions(_ context.Context, ownerID string, params session.ListParams) ([]*session.Session, int, error) {
	var out []*session.Session
	for _, s := range m.sessions {
		if s.OwnerID != ownerID {
			continue
		}
		if !params.IncludeArchived && !s.IsActive {
			continue
		}
		out = append(out, s)
	}
	return out, len(out), nil
}

func (m *mockStore) Messages(_ context.Context, ownerID string, sessionID uuid.UUID, _ session.MessageParams) ([]*session.Message, int, error) {
	if _, err := m.guard(ownerID, sessionID); err != nil {
		return nil, 0, err
	}
	msgs := m.messages[sessionID]
	return msgs, len(msgs), nil
}

func (m *mockStore) Export(_ context.Context, ownerID string, sessionID uuid.UUID) (*session.ExportData, error) {
	sess, err := m.guard(ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	return &session.ExportData{Session: sess, Messages: m.messages[sessionID]}, nil
}

const testOwner = "owner-1"

func newTestServer(t *testing.T, store SessionStore) http.Handler {
	t.Helper()
	srv, err := NewServer(ServerConfig{
		Logger:   testutil.DiscardLogger(),
		Store:    store,
		Verifier: auth.StaticVerifier{Owner: testOwner},
		IsDev:    true,
	})
	require.NoError(t, err)
	return srv.Handler()
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreateSession_Handler(t *testing.T) {
	handler := newTestServer(t, newMockStore())

	rec := doJSON(t, handler, "POST", "/api/v1/sessions", `{"title":"Security+ plan","metadata":{"exam":"sy0-701"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "Security+ plan", body["title"])
	assert.Equal(t, true, body["isActive"])
	assert.NotEmpty(t, body["id"])
}

func TestCreateSession_EmptyBodyAllowed(t *testing.T) {
	handler := newTestServer(t, newMockStore())

	rec := doJSON(t, handler, "POST", "/api/v1/sessions", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, session.PlaceholderTitle, decodeBody(t, rec)["title"])
}

func TestCreateSession_TitleTooLong(t *testing.T) {
	handler := newTestServer(t, newMockStore())

	rec := doJSON(t, handler, "POST", "/api/v1/sessions",
		`{"title":"`+strings.Repeat("a", maxTitleLength+1)+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSession_NotFoundVsForbidden(t *testing.T) {
	store := newMockStore()
	handler := newTestServer(t, store)

	rec := doJSON(t, handler, "GET", "/api/v1/sessions/"+uuid.New().String(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	other, err := store.CreateSession(context.Background(), "someone-else", "theirs", nil)
	require.NoError(t, err)
	rec = doJSON(t, handler, "GET", "/api/v1/sessions/"+other.ID.String(), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetSession_InvalidID(t *testing.T) {
	handler := newTestServer(t, newMockStore())

	rec := doJSON(t, handler, "GET", "/api/v1/sessions/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAppendMessage_Handler(t *testing.T) {
	store := newMockStore()
	handler := newTestServer(t, store)

	sess, err := store.CreateSession(context.Background(), testOwner, "", nil)
	require.NoError(t, err)

	rec := doJSON(t, handler, "POST", "/api/v1/sessions/"+sess.ID.String()+"/messages",
		`{"sender":"user","body":"Hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	msg := body["message"].(map[string]any)
	updated := body["session"].(map[string]any)
	assert.Equal(t, "Hello", msg["body"])
	assert.Equal(t, "user", msg["sender"])
	assert.Equal(t, float64(1), updated["messageCount"])
	assert.Equal(t, "Hello", updated["title"])
}

func TestAppendMessage_BadSender(t *testing.T) {
	store := newMockStore()
	handler := newTestServer(t, store)

	sess, err := store.CreateSession(context.Background(), testOwner, "t", nil)
	require.NoError(t, err)

	rec := doJSON(t, handler, "POST", "/api/v1/sessions/"+sess.ID.String()+"/messages",
		`{"sender":"system","body":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_sender")
}

func TestAppendLatest_CreatesSession(t *testing.T) {
	store := newMockStore()
	handler := newTestServer(t, store)

	rec := doJSON(t, handler, "POST", "/api/v1/messages", `{"sender":"user","body":"start here"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	sess := body["session"].(map[string]any)
	assert.Equal(t, "start here", sess["title"])
	assert.Len(t, store.sessions, 1)
}

func TestListSessions_Handler(t *testing.T) {
	store := newMockStore()
	handler := newTestServer(t, store)

	active, err := store.CreateSession(context.Background(), testOwner, "active", nil)
	require.NoError(t, err)
	archived, err := store.CreateSession(context.Background(), testOwner, "old", nil)
	require.NoError(t, err)
	require.NoError(t, store.ArchiveSession(context.Background(), testOwner, archived.ID))
	_, err = store.CreateSession(context.Background(), "someone-else", "theirs", nil)
	require.NoError(t, err)

	rec := doJSON(t, handler, "GET", "/api/v1/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["total"])
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, active.ID.String(), items[0].(map[string]any)["id"])

	rec = doJSON(t, handler, "GET", "/api/v1/sessions?include_archived=true", "")
	body = decodeBody(t, rec)
	assert.Equal(t, float64(2), body["total"])
}

func TestUpdateSession_Handler(t *testing.T) {
	store := newMockStore()
	handler := newTestServer(t, store)

	sess, err := store.CreateSession(context.Background(), testOwner, "before", nil)
	require.NoError(t, err)

	rec := doJSON(t, handler, "PATCH", "/api/v1/sessions/"+sess.ID.String(), `{"title":"after"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "after", decodeBody(t, rec)["title"])

	rec = doJSON(t, handler, "PATCH", "/api/v1/sessions/"+sess.ID.String(), `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, handler, "PATCH", "/api/v1/sessions/"+sess.ID.String(), `{"title":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestArchiveSession_Handler(t *testing.T) {
	store := newMockStore()
	handler := newTestServer(t, store)

	sess, err := store.CreateSession(context.Background(), testOwner, "t", nil)
	require.NoError(t, err)

	rec := doJSON(t, handler, "POST", "/api/v1/sessions/"+sess.ID.String()+"/archive", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, store.sessions[sess.ID].IsActive)

	// Idempotent second call.
	rec = doJSON(t, handler, "POST", "/api/v1/sessions/"+sess.ID.String()+"/archive", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListMessages_Handler(t *testing.T) {
	store := newMockStore()
	handler := newTestServer(t, store)

	sess, err := store.CreateSession(context.Background(), testOwner, "t", nil)
	require.NoError(t, err)
	_, _, err = store.AppendMessage(context.Background(), testOwner, sess.ID, "user", "q")
	require.NoError(t, err)
	_, _, err = store.AppendMessage(context.Background(), testOwner, sess.ID, "assistant", "a")
	require.NoError(t, err)

	rec := doJSON(t, handler, "GET", "/api/v1/sessions/"+sess.ID.String()+"/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["total"])

	rec = doJSON(t, handler, "GET", "/api/v1/sessions/"+sess.ID.String()+"/messages?order=sideways", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportSession_JSON(t *testing.T) {
	store := newMockStore()
	handler := newTestServer(t, store)

	sess, err := store.CreateSession(context.Background(), testOwner, "export", nil)
	require.NoError(t, err)
	_, _, err = store.AppendMessage(context.Background(), testOwner, sess.ID, "user", "q")
	require.NoError(t, err)

	rec := doJSON(t, handler, "GET", "/api/v1/sessions/"+sess.ID.String()+"/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")

	body := decodeBody(t, rec)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1)
}

func TestExportSession_Markdown(t *testing.T) {
	store := newMockStore()
	handler := newTestServer(t, store)

	sess, err := store.CreateSession(context.Background(), testOwner, "notes", nil)
	require.NoError(t, err)
	_, _, err = store.AppendMessage(context.Background(), testOwner, sess.ID, "user", "# fake heading")
	require.NoError(t, err)

	rec := doJSON(t, handler, "GET", "/api/v1/sessions/"+sess.ID.String()+"/export?format=markdown", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/markdown")
	assert.Contains(t, rec.Body.String(), `\# fake heading`)

	rec = doJSON(t, handler, "GET", "/api/v1/sessions/"+sess.ID.String()+"/export?format=pdf", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// captureLinker records the session and history handed to the external
// bridge. Invocation happens on a goroutine; done gates the read.
type captureLinker struct {
	done    chan struct{}
	sess    *session.Session
	history []*session.Message
}

func (l *captureLinker) EnsureExternalSession(_ context.Context, sess *session.Session, history []*session.Message) {
	l.sess = sess
	l.history = history
	close(l.done)
}

func TestAppendMessage_SeedsExternalLinkWithHistory(t *testing.T) {
	store := newMockStore()
	linker := &captureLinker{done: make(chan struct{})}
	srv, err := NewServer(ServerConfig{
		Logger:   testutil.DiscardLogger(),
		Store:    store,
		Verifier: auth.StaticVerifier{Owner: testOwner},
		Linker:   linker,
		IsDev:    true,
	})
	require.NoError(t, err)

	rec := doJSON(t, srv.Handler(), "POST", "/api/v1/messages", `{"sender":"user","body":"seed me"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case <-linker.done:
	case <-time.After(2 * time.Second):
		t.Fatal("external linker was never invoked")
	}

	require.NotNil(t, linker.sess)
	require.Len(t, linker.history, 1, "the appended message must seed the external conversation")
	assert.Equal(t, "seed me", linker.history[0].Body)
	assert.Equal(t, "user", linker.history[0].Sender)
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, err := NewServer(ServerConfig{
		Logger:   testutil.DiscardLogger(),
		Store:    newMockStore(),
		Verifier: auth.StaticVerifier{}, // no owner → every request fails auth
		IsDev:    true,
	})
	require.NoError(t, err)

	rec := doJSON(t, srv.Handler(), "GET", "/api/v1/sessions", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSanitizeMarkdownContent(t *testing.T) {
	assert.Equal(t, `\# heading`, sanitizeMarkdownContent("# heading"))
	assert.Equal(t, "plain text", sanitizeMarkdownContent("plain text"))
	assert.Equal(t, "line\n\\===", sanitizeMarkdownContent("line\n==="))
	assert.Equal(t, "line\n\\---", sanitizeMarkdownContent("line\n---"))
}

func TestSanitizeTitle(t *testing.T) {
	assert.Equal(t, "a b c", sanitizeTitle("a\nb\rc"))
}
