package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greptileai/greptile-host/internal/models"
	"github.com/greptileai/greptile-host/internal/services"
)

func newReposApp(t *testing.T) (*fiber.App, *services.SessionService) {
	t.Helper()
	sessions, reconciler := newSessionRig(t)
	client := services.NewStatusClientAt("http://127.0.0.1:0", sessions)
	handler := NewReposHandler(sessions, reconciler, client)

	app := fiber.New()
	app.Post("/repos", handler.AddRepo)
	app.Delete("/repos/:key", handler.RemoveRepo)
	app.Post("/repos/:key/retry", handler.RetryRepo)
	return app, sessions
}

func TestAddRepoRejectsMissingIdentifier(t *testing.T) {
	app, _ := newReposApp(t)

	req := httptest.NewRequest("POST", "/repos", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestAddRepoRejectsUnparseableIdentifier(t *testing.T) {
	app, _ := newReposApp(t)

	req := httptest.NewRequest("POST", "/repos", strings.NewReader(`{"identifier":"not a repo"}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["error"], "identifier")
}

func TestRemoveRepoDropsWorkingSetEntry(t *testing.T) {
	app, sessions := newReposApp(t)
	serialized := "github:foo/bar:main"
	sessions.Update(func(sess *models.Session) {
		sess.State.Repos = []string{serialized}
		sess.State.RepoStates[serialized] = &models.RepositoryInfo{
			Repository: "foo/bar",
			Branch:     "main",
			Status:     models.RepoStatusCompleted,
		}
	})

	encoded := base64.RawURLEncoding.EncodeToString([]byte(serialized))
	resp, err := app.Test(httptest.NewRequest("DELETE", "/repos/"+encoded, nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	session := sessions.Get()
	assert.Empty(t, session.State.Repos)
	assert.NotContains(t, session.State.RepoStates, serialized)
}
