package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/greptileai/greptile-host/internal/models"
	"github.com/greptileai/greptile-host/internal/services"
)

// SessionHandler exposes the persisted session over REST for tooling and the
// webview's initial load
type SessionHandler struct {
	sessions   *services.SessionService
	reconciler *services.Reconciler
}

func NewSessionHandler(sessions *services.SessionService, reconciler *services.Reconciler) *SessionHandler {
	return &SessionHandler{sessions: sessions, reconciler: reconciler}
}

// GetSession returns the full session.
// GET /v1/session
func (h *SessionHandler) GetSession(c *fiber.Ctx) error {
	return c.JSON(h.sessions.Get())
}

// PutSession replaces the full session and resumes polling for any
// unfinished repos it carries.
// PUT /v1/session
func (h *SessionHandler) PutSession(c *fiber.Ctx) error {
	var session models.Session
	if err := c.BodyParser(&session); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid session payload",
		})
	}

	h.sessions.Set(&session)
	h.reconciler.Kick()
	return c.JSON(h.sessions.Get())
}

// ResetSession clears UI state while preserving the signed-in user.
// POST /v1/session/reset
func (h *SessionHandler) ResetSession(c *fiber.Ctx) error {
	h.reconciler.Stop()
	h.sessions.Reset()
	return c.JSON(h.sessions.Get())
}
