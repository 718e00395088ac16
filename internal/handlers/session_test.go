package handlers

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greptileai/greptile-host/internal/models"
	"github.com/greptileai/greptile-host/internal/services"
)

func newSessionRig(t *testing.T) (*services.SessionService, *services.Reconciler) {
	t.Helper()
	sessions := services.NewSessionServiceAt(t.TempDir())
	client := services.NewStatusClientAt("http://127.0.0.1:0", sessions)
	reconciler := services.NewReconciler(sessions, client, 10*time.Millisecond)
	t.Cleanup(reconciler.Stop)
	return sessions, reconciler
}

func TestGetSession(t *testing.T) {
	sessions, reconciler := newSessionRig(t)
	sessions.Update(func(sess *models.Session) {
		sess.User.UserID = "alice"
	})
	handler := NewSessionHandler(sessions, reconciler)

	app := fiber.New()
	app.Get("/session", handler.GetSession)

	resp, err := app.Test(httptest.NewRequest("GET", "/session", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	var session models.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&session))
	assert.Equal(t, "alice", session.User.UserID)
}

func TestPutSessionReplacesState(t *testing.T) {
	sessions, reconciler := newSessionRig(t)
	handler := NewSessionHandler(sessions, reconciler)

	app := fiber.New()
	app.Put("/session", handler.PutSession)

	body := `{"user":{"userId":"bob"},"state":{"repos":[],"repoStates":{},"messages":[],"isStreaming":false}}`
	req := httptest.NewRequest("PUT", "/session", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "bob", sessions.Get().User.UserID)
}

func TestPutSessionRejectsBadPayload(t *testing.T) {
	sessions, reconciler := newSessionRig(t)
	handler := NewSessionHandler(sessions, reconciler)

	app := fiber.New()
	app.Put("/session", handler.PutSession)

	req := httptest.NewRequest("PUT", "/session", strings.NewReader("not json"))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestResetSessionPreservesUser(t *testing.T) {
	sessions, reconciler := newSessionRig(t)
	sessions.Update(func(sess *models.Session) {
		sess.User.UserID = "alice"
		sess.State.Repos = []string{"github:foo/bar:main"}
	})
	handler := NewSessionHandler(sessions, reconciler)

	app := fiber.New()
	app.Post("/session/reset", handler.ResetSession)

	resp, err := app.Test(httptest.NewRequest("POST", "/session/reset", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	session := sessions.Get()
	assert.Equal(t, "alice", session.User.UserID)
	assert.Empty(t, session.State.Repos)
}
