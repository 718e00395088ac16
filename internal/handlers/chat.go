package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/greptileai/greptile-host/internal/services"
)

// ChatHandler exposes the conversation: sending messages (which stream the
// answer out over SSE), cancelling, and restoring persisted transcripts
type ChatHandler struct {
	sessions *services.SessionService
	chat     *services.ChatService
}

func NewChatHandler(sessions *services.SessionService, chat *services.ChatService) *ChatHandler {
	return &ChatHandler{sessions: sessions, chat: chat}
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

// SendMessage appends a user message and streams the answer. The request
// returns once the stream ends; incremental chunks arrive over SSE.
// POST /v1/chat/messages
func (h *ChatHandler) SendMessage(c *fiber.Ctx) error {
	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil || req.Content == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "missing message content",
		})
	}

	if err := h.chat.SendMessage(c.Context(), req.Content); err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(h.sessions.Get().State)
}

// CancelMessage stops the in-flight answer stream.
// POST /v1/chat/cancel
func (h *ChatHandler) CancelMessage(c *fiber.Ctx) error {
	h.chat.CancelStream()
	return c.JSON(fiber.Map{"cancelled": true})
}

// GetChat returns the current conversation transcript.
// GET /v1/chat
func (h *ChatHandler) GetChat(c *fiber.Ctx) error {
	state := h.sessions.Get().State
	return c.JSON(fiber.Map{
		"chat":        state.Chat,
		"messages":    state.Messages,
		"isStreaming": state.IsStreaming,
	})
}

// LoadChat restores a persisted conversation by session id.
// POST /v1/chat/:id/load
func (h *ChatHandler) LoadChat(c *fiber.Ctx) error {
	sessionID := c.Params("id")
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "missing chat session id",
		})
	}
	if err := h.chat.LoadChat(sessionID); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(h.sessions.Get().State)
}

// ResetChat clears the conversation but keeps the repo working set.
// POST /v1/chat/reset
func (h *ChatHandler) ResetChat(c *fiber.Ctx) error {
	h.chat.ResetChat()
	return c.JSON(h.sessions.Get().State)
}
