package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"

	"github.com/greptileai/greptile-host/internal/config"
	"github.com/greptileai/greptile-host/internal/handlers"
	"github.com/greptileai/greptile-host/internal/logger"
	"github.com/greptileai/greptile-host/internal/services"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the host process the editor extension connects to",
	Long: `# greptile serve

Starts the local host: a websocket command channel and REST surface for the
editor webview, an SSE stream for live session and chat events, and the
background loop that drives repository indexing to completion.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "port to listen on (defaults to $PORT or 3841)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger.Configure(logger.GetLogLevelFromEnv(), true)

	sessions := services.NewSessionService()
	client := services.NewStatusClient(sessions)
	reconciler := services.NewReconciler(sessions, client, config.Runtime.PollInterval)
	chat := services.NewChatService(sessions, client)
	auth := services.NewAuthService(sessions, client)

	events := handlers.NewEventsHandler()
	sessions.SetEventsHandler(events)
	reconciler.SetEventsHandler(events)
	chat.SetEventsHandler(events)

	messages := handlers.NewMessagesHandler(sessions, auth, chat, reconciler)
	sessionHandler := handlers.NewSessionHandler(sessions, reconciler)
	reposHandler := handlers.NewReposHandler(sessions, reconciler, client)
	chatHandler := handlers.NewChatHandler(sessions, chat)

	app := fiber.New(fiber.Config{
		AppName:               "greptile-host",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "version": version})
	})

	v1 := app.Group("/v1")
	v1.Get("/events", events.HandleSSE)
	v1.Get("/messages", messages.HandleWebSocket)

	v1.Get("/session", sessionHandler.GetSession)
	v1.Put("/session", sessionHandler.PutSession)
	v1.Post("/session/reset", sessionHandler.ResetSession)

	v1.Post("/repos", reposHandler.AddRepo)
	v1.Delete("/repos/:key", reposHandler.RemoveRepo)
	v1.Post("/repos/:key/retry", reposHandler.RetryRepo)

	v1.Get("/chat", chatHandler.GetChat)
	v1.Post("/chat/messages", chatHandler.SendMessage)
	v1.Post("/chat/cancel", chatHandler.CancelMessage)
	v1.Post("/chat/reset", chatHandler.ResetChat)
	v1.Post("/chat/:id/load", chatHandler.LoadChat)

	// A persisted session may carry repos that never finished indexing.
	if len(sessions.Get().State.Repos) > 0 {
		reconciler.Kick()
	}

	port := servePort
	if port == 0 {
		port = config.Runtime.Port
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		logger.Info("Shutting down")
		reconciler.Stop()
		chat.CancelStream()
		_ = app.Shutdown()
	}()

	logger.Infof("Greptile host listening on :%d", port)
	if err := app.Listen(fmt.Sprintf(":%d", port)); err != nil {
		return fmt.Errorf("server exited: %w", err)
	}
	return nil
}
