package services

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/greptileai/greptile-host/internal/config"
	"github.com/greptileai/greptile-host/internal/logger"
	"github.com/greptileai/greptile-host/internal/models"
)

// ignorePrefix marks keepalive lines the agent interleaves into the stream
const ignorePrefix = `{"type":"ignore"`

// chatTitleLimit caps the auto-derived conversation title length
const chatTitleLimit = 50

// StreamEvent is one demultiplexed frame of the agent's newline-delimited
// response stream
type StreamEvent interface {
	isStreamEvent()
}

// StatusEvent updates the transient agent activity line under the answer
type StatusEvent struct {
	Status string
}

// SourcesEvent replaces the citation list attached to the answer
type SourcesEvent struct {
	Sources []models.Source
}

// ChunkEvent appends text to the answer body
type ChunkEvent struct {
	Text string
}

func (StatusEvent) isStreamEvent()  {}
func (SourcesEvent) isStreamEvent() {}
func (ChunkEvent) isStreamEvent()   {}

type streamFrame struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
}

// ParseStreamLine decodes one line of the agent stream into its event
// variant. Keepalive lines return nil; a line that is not valid JSON is
// treated as literal answer text, matching what the agent emits for plain
// model output.
func ParseStreamLine(line string) StreamEvent {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, ignorePrefix) {
		return nil
	}

	var frame streamFrame
	if err := json.Unmarshal([]byte(line), &frame); err != nil || frame.Type == "" {
		return ChunkEvent{Text: line}
	}

	switch frame.Type {
	case "status":
		var status string
		if err := json.Unmarshal(frame.Message, &status); err != nil {
			return nil
		}
		return StatusEvent{Status: status}
	case "sources":
		var sources []models.Source
		if err := json.Unmarshal(frame.Message, &sources); err != nil {
			return nil
		}
		return SourcesEvent{Sources: sources}
	case "message":
		var text string
		if err := json.Unmarshal(frame.Message, &text); err != nil {
			return ChunkEvent{Text: string(frame.Message)}
		}
		return ChunkEvent{Text: text}
	default:
		logger.Debugf("Dropping unknown stream frame type %q", frame.Type)
		return nil
	}
}

// FoldStream applies one event to the assistant message being assembled.
// Chunks accumulate, status and sources replace.
func FoldStream(msg *models.Message, event StreamEvent) {
	switch e := event.(type) {
	case StatusEvent:
		msg.AgentStatus = e.Status
	case SourcesEvent:
		msg.Sources = e.Sources
	case ChunkEvent:
		msg.Content += e.Text
		msg.AgentStatus = ""
	}
}

// ChatService streams questions to the answer agent and folds the response
// into the session transcript. One stream at a time; starting a new message
// while another streams is rejected.
type ChatService struct {
	sessions *SessionService
	client   *StatusClient
	agentURL string
	http     *http.Client

	mu      sync.Mutex
	cancel  context.CancelFunc
	emitter EventsEmitter
}

// NewChatService creates a chat service against the configured agent URL
func NewChatService(sessions *SessionService, client *StatusClient) *ChatService {
	return &ChatService{
		sessions: sessions,
		client:   client,
		agentURL: strings.TrimSuffix(config.Runtime.AgentURL, "/"),
		// Answers stream for as long as the agent needs; no client timeout.
		http: &http.Client{},
	}
}

// NewChatServiceAt creates a chat service against an explicit agent URL
func NewChatServiceAt(agentURL string, sessions *SessionService, client *StatusClient) *ChatService {
	service := NewChatService(sessions, client)
	service.agentURL = strings.TrimSuffix(agentURL, "/")
	return service
}

// SetEventsHandler sets the events handler for streaming notifications
func (c *ChatService) SetEventsHandler(handler EventsEmitter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitter = handler
}

type repoRef struct {
	Remote     models.Remote `json:"remote"`
	Repository string        `json:"repository"`
	Branch     string        `json:"branch"`
}

type agentQuery struct {
	UserID    string           `json:"user_id"`
	SessionID string           `json:"session_id"`
	Repos     []repoRef        `json:"repositories"`
	ChatLog   []models.Message `json:"chat_log"`
	Stream    bool             `json:"stream"`
}

// SendMessage appends the user's question to the transcript, streams the
// agent's answer, and folds frames into the assistant message as they arrive.
// It blocks until the stream ends or ctx is cancelled.
func (c *ChatService) SendMessage(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("empty message")
	}

	session := c.sessions.Get()
	if session.State.IsStreaming {
		return fmt.Errorf("a message is already streaming")
	}

	ready := false
	for _, serialized := range session.State.Repos {
		if info := session.State.RepoStates[serialized]; info != nil && info.IsReady() {
			ready = true
			break
		}
	}
	if !ready {
		return fmt.Errorf("no repository is ready for chat yet")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
	}()

	userMessage := models.Message{
		ID:      uuid.New().String(),
		Role:    "user",
		Content: content,
	}

	updated := c.sessions.Update(func(sess *models.Session) {
		if sess.State.Chat == nil || sess.State.Chat.NewChat {
			sess.State.Chat = &models.Chat{
				UserID:    sess.User.UserID,
				Repos:     append([]string(nil), sess.State.Repos...),
				SessionID: randomHex(16),
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				Title:     deriveTitle(content),
			}
		}
		sess.State.Messages = append(sess.State.Messages, userMessage)
		sess.State.IsStreaming = true
		sess.State.Error = ""
	})

	err := c.stream(ctx, updated)

	c.sessions.Update(func(sess *models.Session) {
		sess.State.IsStreaming = false
		if sess.State.Chat != nil {
			sess.State.Chat.ChatLog = append([]models.Message(nil), sess.State.Messages...)
			sess.State.Chat.NewChat = false
		}
		if err != nil && ctx.Err() == nil {
			sess.State.Error = err.Error()
		}
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// CancelStream stops the in-flight answer stream, if any. Already-folded
// content stays in the transcript.
func (c *ChatService) CancelStream() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *ChatService) stream(ctx context.Context, session *models.Session) error {
	// The conversation is bound to the repos that are actually queryable.
	repos := make([]repoRef, 0, len(session.State.Repos))
	for _, serialized := range session.State.Repos {
		if info := session.State.RepoStates[serialized]; info == nil || !info.IsReady() {
			continue
		}
		key := models.DeserializeRepoKey(serialized)
		repos = append(repos, repoRef{Remote: key.Remote, Repository: key.Repository, Branch: key.Branch})
	}

	query := agentQuery{
		UserID:    session.User.UserID,
		SessionID: session.State.Chat.SessionID,
		Repos:     repos,
		ChatLog:   session.State.Messages,
		Stream:    true,
	}
	payload, err := json.Marshal(query)
	if err != nil {
		return fmt.Errorf("failed to marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.agentURL+"/query", strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("failed to create query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := session.User.Token(models.RemoteGitHub); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach agent: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return fmt.Errorf("your session has expired, please sign in again")
	case http.StatusNotFound:
		return fmt.Errorf("this repository needs to be re-authorized, please sign in again")
	case http.StatusInternalServerError:
		return fmt.Errorf("the agent failed to answer, please try again")
	default:
		return fmt.Errorf("agent returned status %d", resp.StatusCode)
	}

	assistant := models.Message{
		ID:   uuid.New().String(),
		Role: "assistant",
	}
	c.sessions.Update(func(sess *models.Session) {
		sess.State.Messages = append(sess.State.Messages, assistant)
	})

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		event := ParseStreamLine(scanner.Text())
		if event == nil {
			continue
		}

		FoldStream(&assistant, event)
		c.sessions.Update(func(sess *models.Session) {
			if n := len(sess.State.Messages); n > 0 && sess.State.Messages[n-1].ID == assistant.ID {
				sess.State.Messages[n-1] = assistant
			}
		})

		c.mu.Lock()
		emitter := c.emitter
		c.mu.Unlock()
		if emitter != nil {
			switch e := event.(type) {
			case StatusEvent:
				emitter.EmitChatStatus(e.Status)
			case ChunkEvent:
				emitter.EmitChatChunk(e.Text)
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stream interrupted: %w", err)
	}
	return nil
}

// LoadChat restores a persisted conversation transcript into the session
func (c *ChatService) LoadChat(sessionID string) error {
	chat, err := c.client.GetChat(sessionID)
	if err != nil {
		return err
	}
	if chat == nil {
		return fmt.Errorf("chat %s not found", sessionID)
	}

	c.sessions.Update(func(sess *models.Session) {
		sess.State.Chat = chat
		sess.State.Messages = append([]models.Message(nil), chat.ChatLog...)
		sess.State.Repos = append([]string(nil), chat.Repos...)
		sess.State.IsStreaming = false
	})
	return nil
}

// ResetChat clears the conversation while keeping the repo working set
func (c *ChatService) ResetChat() {
	c.CancelStream()
	c.sessions.Update(func(sess *models.Session) {
		sess.State.Chat = nil
		sess.State.Messages = nil
		sess.State.IsStreaming = false
		sess.State.Input = ""
		sess.State.Error = ""
	})
}

func deriveTitle(content string) string {
	if len(content) <= chatTitleLimit {
		return content
	}
	return content[:chatTitleLimit]
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return uuid.New().String()
	}
	return hex.EncodeToString(buf)
}
