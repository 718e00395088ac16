package services

import "github.com/greptileai/greptile-host/internal/models"

// EventsEmitter is implemented by the events handler so services can push
// UI-facing notifications without depending on the HTTP layer
type EventsEmitter interface {
	EmitSessionUpdated(session *models.Session)
	EmitRepoStates(states models.RepoStates)
	EmitChatStatus(status string)
	EmitChatChunk(chunk string)
	EmitInfo(message string)
	EmitError(message string)
}
