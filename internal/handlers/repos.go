package handlers

import (
	"encoding/base64"

	"github.com/gofiber/fiber/v2"

	"github.com/greptileai/greptile-host/internal/models"
	"github.com/greptileai/greptile-host/internal/services"
)

// ReposHandler manages the repository working set: parsing user input into
// repo keys, submitting them for indexing, and retrying frozen ones
type ReposHandler struct {
	sessions   *services.SessionService
	reconciler *services.Reconciler
	client     *services.StatusClient
}

func NewReposHandler(sessions *services.SessionService, reconciler *services.Reconciler, client *services.StatusClient) *ReposHandler {
	return &ReposHandler{
		sessions:   sessions,
		reconciler: reconciler,
		client:     client,
	}
}

type addRepoRequest struct {
	Identifier string `json:"identifier"`
}

// AddRepo parses an identifier (shorthand, triple, or forge URL), authorizes
// it, and submits it for indexing. Identifiers without a branch get the
// forge's default branch.
// POST /v1/repos
func (h *ReposHandler) AddRepo(c *fiber.Ctx) error {
	var req addRepoRequest
	if err := c.BodyParser(&req); err != nil || req.Identifier == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "missing repository identifier",
		})
	}

	key, ok := models.ParseIdentifier(req.Identifier)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "unrecognized repository identifier",
		})
	}

	if key.Branch == "" {
		if branch, err := h.client.DefaultBranch(key); err == nil && branch != "" {
			key.Branch = branch
		}
	}

	code, err := h.reconciler.AddRepository(key)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if code != services.AuthOK {
		return c.Status(code).JSON(fiber.Map{
			"repo":  key.String(),
			"error": authMessage(code),
		})
	}

	return c.JSON(fiber.Map{
		"repo": key.String(),
		"id":   base64.RawURLEncoding.EncodeToString([]byte(key.String())),
	})
}

// RemoveRepo drops a repository from the working set.
// DELETE /v1/repos/:key
func (h *ReposHandler) RemoveRepo(c *fiber.Ctx) error {
	serialized, ok := decodeKeyParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "malformed repository key",
		})
	}
	h.reconciler.RemoveRepository(serialized)
	return c.JSON(h.sessions.Get().State)
}

// RetryRepo resets a failed repository's budget and re-submits it.
// POST /v1/repos/:key/retry
func (h *ReposHandler) RetryRepo(c *fiber.Ctx) error {
	serialized, ok := decodeKeyParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "malformed repository key",
		})
	}
	h.reconciler.Retry(serialized)
	return c.JSON(h.sessions.Get().State)
}

// decodeKeyParam reads the :key route param, a base64url-encoded serialized
// triple. Base64 keeps the embedded slashes out of the route path.
func decodeKeyParam(c *fiber.Ctx) (string, bool) {
	raw := c.Params("key")
	if raw == "" {
		return "", false
	}
	serialized, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return "", false
	}
	return string(serialized), true
}

func authMessage(code int) string {
	switch code {
	case services.AuthNeedsUpgrade:
		return "This repository is private. Upgrade to a paid plan to index private repositories."
	case services.AuthRepoTooLarge:
		return "This repository is too large for the free plan. Upgrade to index it."
	case services.AuthNotFound:
		return "This repository was not found, or you do not have access to it."
	}
	return "repository not authorized"
}
