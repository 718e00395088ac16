package services

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greptileai/greptile-host/internal/models"
)

func TestParseStreamLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want StreamEvent
	}{
		{
			name: "status frame",
			line: `{"type":"status","message":"searching the codebase"}`,
			want: StatusEvent{Status: "searching the codebase"},
		},
		{
			name: "message frame",
			line: `{"type":"message","message":"Hello"}`,
			want: ChunkEvent{Text: "Hello"},
		},
		{
			name: "keepalive is dropped",
			line: `{"type":"ignore","message":"ping"}`,
			want: nil,
		},
		{
			name: "blank line is dropped",
			line: "   ",
			want: nil,
		},
		{
			name: "unknown frame type is dropped",
			line: `{"type":"telemetry","message":"x"}`,
			want: nil,
		},
		{
			name: "plain text becomes a chunk",
			line: "raw model output",
			want: ChunkEvent{Text: "raw model output"},
		},
		{
			name: "json without a type becomes a chunk",
			line: `{"foo":"bar"}`,
			want: ChunkEvent{Text: `{"foo":"bar"}`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseStreamLine(tt.line))
		})
	}
}

func TestParseStreamLineSources(t *testing.T) {
	event := ParseStreamLine(`{"type":"sources","message":[{"id":"s1","metadata":{"filepath":"main.go","repository":"foo/bar"}}]}`)

	sources, ok := event.(SourcesEvent)
	require.True(t, ok)
	require.Len(t, sources.Sources, 1)
	assert.Equal(t, "main.go", sources.Sources[0].Metadata.Filepath)
}

func TestFoldStream(t *testing.T) {
	var msg models.Message

	FoldStream(&msg, StatusEvent{Status: "thinking"})
	assert.Equal(t, "thinking", msg.AgentStatus)

	FoldStream(&msg, SourcesEvent{Sources: []models.Source{{ID: "s1"}}})
	FoldStream(&msg, ChunkEvent{Text: "Hello"})
	FoldStream(&msg, ChunkEvent{Text: " world"})

	assert.Equal(t, "Hello world", msg.Content)
	assert.Len(t, msg.Sources, 1)
	// answer text supersedes the transient status line
	assert.Equal(t, "", msg.AgentStatus)
}

func newChatRig(t *testing.T, agentURL string) (*SessionService, *ChatService) {
	t.Helper()
	sessions := NewSessionServiceAt(t.TempDir())
	sessions.Update(func(sess *models.Session) {
		sess.User.UserID = "alice"
		sess.State.Repos = []string{"github:foo/bar:main"}
		sess.State.RepoStates["github:foo/bar:main"] = &models.RepositoryInfo{
			Remote:     models.RemoteGitHub,
			Repository: "foo/bar",
			Branch:     "main",
			Status:     models.RepoStatusCompleted,
		}
	})
	chat := NewChatServiceAt(agentURL, sessions, nil)
	return sessions, chat
}

func TestSendMessageStreamsAnswer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/query", r.URL.Path)

		flusher := w.(http.Flusher)
		for _, line := range []string{
			`{"type":"status","message":"searching"}`,
			`{"type":"ignore","message":"ping"}`,
			`{"type":"sources","message":[{"id":"s1","metadata":{"filepath":"main.go","repository":"foo/bar"}}]}`,
			`{"type":"message","message":"Hello"}`,
			`{"type":"message","message":" world"}`,
		} {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}))
	defer server.Close()

	sessions, chat := newChatRig(t, server.URL)
	emitter := &captureEmitter{}
	chat.SetEventsHandler(emitter)

	err := chat.SendMessage(context.Background(), "what does this repo do?")
	require.NoError(t, err)

	state := sessions.Get().State
	require.Len(t, state.Messages, 2)

	user := state.Messages[0]
	assert.Equal(t, "user", user.Role)
	assert.Equal(t, "what does this repo do?", user.Content)

	answer := state.Messages[1]
	assert.Equal(t, "assistant", answer.Role)
	assert.Equal(t, "Hello world", answer.Content)
	require.Len(t, answer.Sources, 1)
	assert.Equal(t, "main.go", answer.Sources[0].Metadata.Filepath)

	assert.False(t, state.IsStreaming)
	require.NotNil(t, state.Chat)
	assert.Len(t, state.Chat.SessionID, 32)
	assert.False(t, state.Chat.NewChat)
	assert.Len(t, state.Chat.ChatLog, 2)

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	assert.Equal(t, []string{"searching"}, emitter.statuses)
	assert.Equal(t, []string{"Hello", " world"}, emitter.chunks)
}

func TestSendMessageExpiredSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	sessions, chat := newChatRig(t, server.URL)

	err := chat.SendMessage(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sign in")

	state := sessions.Get().State
	assert.False(t, state.IsStreaming)
	assert.NotEmpty(t, state.Error)
}

func TestSendMessageRequiresReadyRepo(t *testing.T) {
	sessions := NewSessionServiceAt(t.TempDir())
	sessions.Update(func(sess *models.Session) {
		sess.State.Repos = []string{"github:foo/bar:main"}
		sess.State.RepoStates["github:foo/bar:main"] = &models.RepositoryInfo{
			Status: models.RepoStatusCloning,
		}
	})
	chat := NewChatServiceAt("http://localhost:0", sessions, nil)

	err := chat.SendMessage(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ready")
}

func TestResetChatKeepsRepos(t *testing.T) {
	sessions, chat := newChatRig(t, "http://localhost:0")
	sessions.Update(func(sess *models.Session) {
		sess.State.Chat = &models.Chat{SessionID: "abc"}
		sess.State.Messages = []models.Message{{Role: "user", Content: "hi"}}
	})

	chat.ResetChat()

	state := sessions.Get().State
	assert.Nil(t, state.Chat)
	assert.Empty(t, state.Messages)
	assert.Equal(t, []string{"github:foo/bar:main"}, state.Repos)
}
