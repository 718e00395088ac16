package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/greptileai/greptile-host/internal/logger"
	"github.com/greptileai/greptile-host/internal/models"
)

// EventType represents the type of event that can be sent via SSE
type EventType string

// Event type constants that match the webview TypeScript definitions
const (
	SessionUpdatedEvent EventType = "session:updated"
	RepoStatesEvent     EventType = "repos:states"
	ChatStatusEvent     EventType = "chat:status"
	ChatChunkEvent      EventType = "chat:chunk"
	NoticeInfoEvent     EventType = "notice:info"
	NoticeErrorEvent    EventType = "notice:error"
	HeartbeatEvent      EventType = "heartbeat"
)

type AppEvent struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
	Uptime    int64 `json:"uptime"`
}

type NoticePayload struct {
	Message string `json:"message"`
}

type ChatStatusPayload struct {
	Status string `json:"status"`
}

type ChatChunkPayload struct {
	Chunk string `json:"chunk"`
}

type SSEMessage struct {
	Event     AppEvent `json:"event"`
	Timestamp int64    `json:"timestamp"`
	ID        string   `json:"id"`
}

// EventsHandler fans session, repo-state, and chat stream events out to
// connected SSE clients. It implements services.EventsEmitter.
type EventsHandler struct {
	clients    map[string]chan SSEMessage
	clientsMux sync.RWMutex
	startTime  time.Time
}

func NewEventsHandler() *EventsHandler {
	return &EventsHandler{
		clients:   make(map[string]chan SSEMessage),
		startTime: time.Now(),
	}
}

// HandleSSE streams session and chat events to the webview.
// GET /v1/events
func (h *EventsHandler) HandleSSE(c *fiber.Ctx) error {
	if ah := c.Get("Accept"); ah != "" && !strings.Contains(ah, "text/event-stream") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "This endpoint only accepts Server-Sent Events (text/event-stream)",
		})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // disable nginx buffering

	clientID := uuid.New().String()
	ch := make(chan SSEMessage, 100)
	h.addClient(clientID, ch)
	logger.Infof("SSE client connected: %s from %s", clientID, c.IP())

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer h.removeClient(clientID)

		send := func(msg SSEMessage) bool {
			if msg.Event.Type == "" {
				return true
			}
			b, _ := json.Marshal(msg)
			if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
				return false
			}
			return w.Flush() == nil
		}

		if !send(h.makeHeartbeat()) {
			return
		}

		tick := time.NewTicker(30 * time.Second)
		defer tick.Stop()

		for {
			select {
			case msg, ok := <-ch:
				if !ok || !send(msg) {
					return
				}
			case <-tick.C:
				if !send(h.makeHeartbeat()) {
					return
				}
			}
		}
	}))

	return nil
}

func (h *EventsHandler) addClient(id string, ch chan SSEMessage) {
	h.clientsMux.Lock()
	h.clients[id] = ch
	h.clientsMux.Unlock()
}

func (h *EventsHandler) removeClient(id string) {
	h.clientsMux.Lock()
	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
	}
	h.clientsMux.Unlock()
	logger.Debugf("SSE client disconnected: %s", id)
}

func (h *EventsHandler) broadcast(event AppEvent) {
	msg := SSEMessage{
		Event:     event,
		Timestamp: time.Now().UnixMilli(),
		ID:        uuid.New().String(),
	}

	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	for id, ch := range h.clients {
		select {
		case ch <- msg:
		default:
			logger.Warnf("Dropping event for slow SSE client %s", id)
		}
	}
}

func (h *EventsHandler) makeHeartbeat() SSEMessage {
	return SSEMessage{
		Event: AppEvent{
			Type: HeartbeatEvent,
			Payload: HeartbeatPayload{
				Timestamp: time.Now().UnixMilli(),
				Uptime:    time.Since(h.startTime).Milliseconds(),
			},
		},
		Timestamp: time.Now().UnixMilli(),
		ID:        uuid.New().String(),
	}
}

// EmitSessionUpdated pushes the full session to all clients
func (h *EventsHandler) EmitSessionUpdated(session *models.Session) {
	h.broadcast(AppEvent{Type: SessionUpdatedEvent, Payload: session})
}

// EmitRepoStates pushes the repo state map to all clients
func (h *EventsHandler) EmitRepoStates(states models.RepoStates) {
	h.broadcast(AppEvent{Type: RepoStatesEvent, Payload: states})
}

// EmitChatStatus pushes a transient agent activity line
func (h *EventsHandler) EmitChatStatus(status string) {
	h.broadcast(AppEvent{Type: ChatStatusEvent, Payload: ChatStatusPayload{Status: status}})
}

// EmitChatChunk pushes one increment of streamed answer text
func (h *EventsHandler) EmitChatChunk(chunk string) {
	h.broadcast(AppEvent{Type: ChatChunkEvent, Payload: ChatChunkPayload{Chunk: chunk}})
}

// EmitInfo pushes an informational toast
func (h *EventsHandler) EmitInfo(message string) {
	h.broadcast(AppEvent{Type: NoticeInfoEvent, Payload: NoticePayload{Message: message}})
}

// EmitError pushes an error toast
func (h *EventsHandler) EmitError(message string) {
	h.broadcast(AppEvent{Type: NoticeErrorEvent, Payload: NoticePayload{Message: message}})
}
