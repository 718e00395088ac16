package services

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greptileai/greptile-host/internal/models"
)

// captureEmitter records emitted events for assertions
type captureEmitter struct {
	mu             sync.Mutex
	sessionUpdates int
	repoStates     int
	statuses       []string
	chunks         []string
	errors         []string
}

func (e *captureEmitter) EmitSessionUpdated(*models.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionUpdates++
}

func (e *captureEmitter) EmitRepoStates(models.RepoStates) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.repoStates++
}

func (e *captureEmitter) EmitChatStatus(status string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses = append(e.statuses, status)
}

func (e *captureEmitter) EmitChatChunk(chunk string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chunks = append(e.chunks, chunk)
}

func (e *captureEmitter) EmitInfo(string) {}

func (e *captureEmitter) EmitError(message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors = append(e.errors, message)
}

func TestSessionServicePersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	first := NewSessionServiceAt(dir)
	first.Update(func(sess *models.Session) {
		sess.User.UserID = "alice"
		sess.State.Repos = []string{"github:foo/bar:main"}
		sess.State.RepoStates["github:foo/bar:main"] = &models.RepositoryInfo{
			Repository: "foo/bar",
			Branch:     "main",
			Status:     models.RepoStatusProcessing,
		}
	})

	second := NewSessionServiceAt(dir)
	session := second.Get()

	assert.Equal(t, "alice", session.User.UserID)
	assert.Equal(t, []string{"github:foo/bar:main"}, session.State.Repos)
	require.Contains(t, session.State.RepoStates, "github:foo/bar:main")
	assert.Equal(t, models.RepoStatusProcessing, session.State.RepoStates["github:foo/bar:main"].Status)
}

func TestSessionServiceResetPreservesUser(t *testing.T) {
	service := NewSessionServiceAt(t.TempDir())
	service.Update(func(sess *models.Session) {
		sess.User.UserID = "alice"
		sess.User.Membership = models.MembershipPro
		sess.State.Repos = []string{"github:foo/bar:main"}
		sess.State.Messages = []models.Message{{Role: "user", Content: "hi"}}
	})

	service.Reset()
	session := service.Get()

	assert.Equal(t, "alice", session.User.UserID)
	assert.Equal(t, models.MembershipPro, session.User.Membership)
	assert.Empty(t, session.State.Repos)
	assert.Empty(t, session.State.Messages)
	assert.NotNil(t, session.State.RepoStates)
}

func TestSessionServiceGetReturnsCopy(t *testing.T) {
	service := NewSessionServiceAt(t.TempDir())
	service.Update(func(sess *models.Session) {
		sess.State.Repos = []string{"github:foo/bar:main"}
	})

	copied := service.Get()
	copied.State.Repos[0] = "mutated"

	assert.Equal(t, "github:foo/bar:main", service.Get().State.Repos[0])
}

func TestSessionServiceUpdateNotifiesEmitter(t *testing.T) {
	service := NewSessionServiceAt(t.TempDir())
	emitter := &captureEmitter{}
	service.SetEventsHandler(emitter)

	service.Update(func(sess *models.Session) {
		sess.State.Input = "typing"
	})

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	assert.Equal(t, 1, emitter.sessionUpdates)
}
