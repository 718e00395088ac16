package services

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/greptileai/greptile-host/internal/config"
	"github.com/greptileai/greptile-host/internal/logger"
	"github.com/greptileai/greptile-host/internal/models"
)

const sessionFileName = "session.json"

// SessionService owns the single mutable session shared between the host and
// the webview, persisting it to disk after every mutation. All reads return
// deep copies; writers go through Update so they always operate on the latest
// snapshot instead of a stale copy held across an await point.
type SessionService struct {
	statePath     string
	mu            sync.RWMutex
	session       *models.Session
	eventsHandler EventsEmitter
}

// NewSessionService creates a session service backed by the runtime state dir
func NewSessionService() *SessionService {
	statePath := filepath.Join(config.Runtime.StateDir, sessionFileName)

	service := &SessionService{
		statePath: statePath,
		session:   emptySession(),
	}

	if err := service.load(); err != nil {
		logger.Warnf("Failed to load persisted session, starting fresh: %v", err)
	}

	return service
}

// NewSessionServiceAt creates a session service rooted at an explicit directory
func NewSessionServiceAt(stateDir string) *SessionService {
	service := &SessionService{
		statePath: filepath.Join(stateDir, sessionFileName),
		session:   emptySession(),
	}
	if err := service.load(); err != nil {
		logger.Warnf("Failed to load persisted session, starting fresh: %v", err)
	}
	return service
}

func emptySession() *models.Session {
	return &models.Session{
		State: models.SessionState{
			RepoStates: make(models.RepoStates),
		},
	}
}

// SetEventsHandler sets the events handler for emitting session updates
func (s *SessionService) SetEventsHandler(handler EventsEmitter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventsHandler = handler
}

// Get returns a deep copy of the current session
func (s *SessionService) Get() *models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.Clone()
}

// Update applies fn to the live session under the lock, persists the result,
// and notifies subscribers. It returns a copy of the updated session.
func (s *SessionService) Update(fn func(*models.Session)) *models.Session {
	s.mu.Lock()
	fn(s.session)
	if s.session.State.RepoStates == nil {
		s.session.State.RepoStates = make(models.RepoStates)
	}
	if err := s.persistLocked(); err != nil {
		logger.Errorf("Failed to persist session: %v", err)
	}
	updated := s.session.Clone()
	handler := s.eventsHandler
	s.mu.Unlock()

	if handler != nil {
		handler.EmitSessionUpdated(updated)
	}
	return updated
}

// Set replaces the whole session, the webview's setSession command
func (s *SessionService) Set(session *models.Session) {
	s.Update(func(current *models.Session) {
		*current = *session.Clone()
	})
}

// Reset clears the UI state portion while preserving the signed-in user
func (s *SessionService) Reset() {
	s.Update(func(current *models.Session) {
		current.State = models.SessionState{
			RepoStates: make(models.RepoStates),
		}
	})
}

func (s *SessionService) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.statePath), 0755); err != nil {
		return fmt.Errorf("failed to create session state directory: %w", err)
	}

	data, err := json.MarshalIndent(s.session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := os.WriteFile(s.statePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return nil
}

func (s *SessionService) load() error {
	data, err := os.ReadFile(s.statePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read session file: %w", err)
	}

	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return fmt.Errorf("failed to unmarshal session file: %w", err)
	}
	if session.State.RepoStates == nil {
		session.State.RepoStates = make(models.RepoStates)
	}

	s.mu.Lock()
	s.session = &session
	s.mu.Unlock()
	return nil
}
