package handlers

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/greptileai/greptile-host/internal/logger"
	"github.com/greptileai/greptile-host/internal/models"
	"github.com/greptileai/greptile-host/internal/services"
)

// webviewCommand is one inbound frame on the webview command channel
type webviewCommand struct {
	Command string          `json:"command"`
	Remote  models.Remote   `json:"remote,omitempty"`
	Token   string          `json:"token,omitempty"`
	Message string          `json:"message,omitempty"`
	Session *models.Session `json:"session,omitempty"`
}

// webviewReply is the response frame, echoing the command it answers
type webviewReply struct {
	Command string `json:"command"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// MessagesHandler is the webview command channel: a websocket carrying the
// signIn / session / chat control verbs the UI issues, with replies keyed by
// the originating command
type MessagesHandler struct {
	sessions   *services.SessionService
	auth       *services.AuthService
	chat       *services.ChatService
	reconciler *services.Reconciler
}

func NewMessagesHandler(sessions *services.SessionService, auth *services.AuthService, chat *services.ChatService, reconciler *services.Reconciler) *MessagesHandler {
	return &MessagesHandler{
		sessions:   sessions,
		auth:       auth,
		chat:       chat,
		reconciler: reconciler,
	}
}

// HandleWebSocket upgrades the connection and runs the command loop.
// GET /v1/messages
func (h *MessagesHandler) HandleWebSocket(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return websocket.New(h.handleConnection)(c)
	}
	return fiber.ErrUpgradeRequired
}

// handleConnection is the per-client loop. All writes happen from this
// goroutine, so no write lock is needed.
func (h *MessagesHandler) handleConnection(conn *websocket.Conn) {
	logger.Infof("Webview connected from %s", conn.RemoteAddr())
	defer logger.Debugf("Webview disconnected from %s", conn.RemoteAddr())

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		var cmd webviewCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.reply(conn, webviewReply{Command: "error", Error: "malformed command"})
			continue
		}

		h.reply(conn, h.dispatch(cmd))
	}
}

func (h *MessagesHandler) dispatch(cmd webviewCommand) webviewReply {
	switch cmd.Command {
	case "signIn":
		remote := cmd.Remote
		if remote == "" {
			remote = models.RemoteGitHub
		}
		user, err := h.auth.SignIn(remote, cmd.Token)
		if err != nil {
			return webviewReply{Command: cmd.Command, Error: err.Error()}
		}
		return webviewReply{Command: cmd.Command, Payload: user}

	case "resetSession":
		h.chat.CancelStream()
		h.reconciler.Stop()
		h.sessions.Reset()
		return webviewReply{Command: cmd.Command, Payload: h.sessions.Get()}

	case "resetChat":
		h.chat.ResetChat()
		return webviewReply{Command: cmd.Command, Payload: h.sessions.Get()}

	case "reload", "getSession":
		return webviewReply{Command: cmd.Command, Payload: h.sessions.Get()}

	case "setSession":
		if cmd.Session == nil {
			return webviewReply{Command: cmd.Command, Error: "missing session payload"}
		}
		h.sessions.Set(cmd.Session)
		// The restored session may carry unfinished repos; resume polling.
		h.reconciler.Kick()
		return webviewReply{Command: cmd.Command, Payload: h.sessions.Get()}

	case "info":
		logger.Infof("webview: %s", cmd.Message)
		return webviewReply{Command: cmd.Command}

	case "error":
		logger.Errorf("webview: %s", cmd.Message)
		return webviewReply{Command: cmd.Command}

	default:
		return webviewReply{Command: cmd.Command, Error: "unknown command"}
	}
}

func (h *MessagesHandler) reply(conn *websocket.Conn, reply webviewReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		logger.Errorf("Failed to marshal webview reply: %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logger.Debugf("Failed to write webview reply: %v", err)
	}
}
