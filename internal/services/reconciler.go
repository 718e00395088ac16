package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/greptileai/greptile-host/internal/logger"
	"github.com/greptileai/greptile-host/internal/models"
)

// maxConsecutiveFailures is the per-repository failure budget: a repo that
// reports failed on this many consecutive polls is frozen until manually
// retried, bounding the loop's lifetime under permanent upstream failure
const maxConsecutiveFailures = 3

// driftResubmitGrace is how long the loop waits after a drift re-submission
// before polling again, giving the backend time to start the new clone
const driftResubmitGrace = 2 * time.Second

// RepoStatusAPI is the slice of the status client the reconciler depends on
type RepoStatusAPI interface {
	Submit(key models.RepoKey, notify bool) error
	BatchStatus(keys []string) ([]*models.RepositoryInfo, error)
	LatestCommit(key models.RepoKey) (string, error)
	IndexStatus(key models.RepoKey) (models.IndexStatus, error)
	Unarchive(key models.RepoKey) error
	CheckAuthorization(key models.RepoKey) int
}

// Reconciler drives every repository in the working set to a terminal state:
// it submits unsubmitted repos, polls batch status at a fixed interval, merges
// results into the session store, and re-submits completed repos whose
// upstream commit has moved. Exactly one loop generation is active at a time;
// starting a new one cancels the previous generation and waits for its clean
// exit before mutating shared state.
type Reconciler struct {
	sessions *SessionService
	client   RepoStatusAPI
	emitter  EventsEmitter
	interval time.Duration
	grace    time.Duration

	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
	failures   map[string]int
}

// NewReconciler creates a reconciler polling at the given interval
func NewReconciler(sessions *SessionService, client RepoStatusAPI, interval time.Duration) *Reconciler {
	return &Reconciler{
		sessions: sessions,
		client:   client,
		interval: interval,
		grace:    driftResubmitGrace,
		failures: make(map[string]int),
	}
}

// SetEventsHandler sets the events handler for repo state notifications
func (r *Reconciler) SetEventsHandler(handler EventsEmitter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitter = handler
}

// AddRepository authorizes, records, and submits a repository, then kicks the
// polling loop. The returned status is AuthOK on success, or the
// authorization code (402/404/426) that excluded the repo from submission.
func (r *Reconciler) AddRepository(key models.RepoKey) (int, error) {
	serialized := key.String()
	code := r.client.CheckAuthorization(key)

	r.sessions.Update(func(sess *models.Session) {
		info, ok := sess.State.RepoStates[serialized]
		if !ok {
			info = &models.RepositoryInfo{
				Remote:     key.Remote,
				Repository: key.Repository,
				Branch:     key.Branch,
				Status:     models.RepoStatusQueued,
			}
			sess.State.RepoStates[serialized] = info
		}
		switch code {
		case AuthOK:
			info.Message = ""
			if !containsString(sess.State.Repos, serialized) {
				sess.State.Repos = append(sess.State.Repos, serialized)
			}
		case AuthNeedsUpgrade:
			info.Message = "This repository is private. Upgrade to a paid plan to index private repositories."
		case AuthRepoTooLarge:
			info.Message = "This repository is too large for the free plan. Upgrade to index it."
		}
	})

	if code != AuthOK {
		logger.Infof("Repository %s excluded from submission (authorization %d)", serialized, code)
		return code, nil
	}

	// Repos already past queued were accepted by the backend; re-submitting
	// them is left to the server-side dedup we deliberately avoid relying on.
	current := r.sessions.Get().State.RepoStates[serialized]
	if current == nil || current.Status == models.RepoStatusQueued || current.Status == "" {
		if err := r.client.Submit(key, true); err != nil {
			if errors.Is(err, ErrRepoNotFound) {
				r.notifyError("This repository was not found, or you do not have access to it. If this is your repo, please try signing in again.")
				return AuthNotFound, nil
			}
			return 0, err
		}
		r.sessions.Update(func(sess *models.Session) {
			if info := sess.State.RepoStates[serialized]; info != nil {
				info.Status = models.RepoStatusSubmitted
			}
		})
	}

	r.resetFailures(serialized)
	r.Kick()
	return AuthOK, nil
}

// RemoveRepository drops a repository from the working set and restarts the
// loop against the reduced set
func (r *Reconciler) RemoveRepository(serialized string) {
	r.sessions.Update(func(sess *models.Session) {
		sess.State.Repos = removeString(sess.State.Repos, serialized)
		delete(sess.State.RepoStates, serialized)
	})
	r.resetFailures(serialized)
	r.Kick()
}

// Retry resets a frozen repository to submitted with a fresh failure budget
// and re-enters it into the polling loop
func (r *Reconciler) Retry(serialized string) {
	key := models.DeserializeRepoKey(serialized)

	r.sessions.Update(func(sess *models.Session) {
		if info := sess.State.RepoStates[serialized]; info != nil {
			info.Status = models.RepoStatusSubmitted
		}
	})
	r.resetFailures(serialized)

	if err := r.client.Submit(key, true); err != nil {
		if errors.Is(err, ErrRepoNotFound) {
			r.notifyError("This repository/branch was not found, or you do not have access to it. If this is your repo, please try signing in again.")
		} else {
			logger.Warnf("Retry submission failed for %s: %v", serialized, err)
		}
	}
	r.Kick()
}

// Kick starts a new loop generation, cancelling the previous one and waiting
// for its clean exit before the new generation touches session state
func (r *Reconciler) Kick() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	prevDone := r.done

	r.generation++
	gen := r.generation
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		if prevDone != nil {
			<-prevDone
		}
		r.run(ctx, gen)
	}()
}

// Stop cancels the active loop generation and waits for it to exit
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// run is one loop generation. Each tick re-reads the session so merges always
// happen against the latest snapshot, and the context is observed before
// every network call and sleep so a cancelled generation never writes state.
func (r *Reconciler) run(ctx context.Context, gen uint64) {
	logger.Debugf("Reconciler generation %d started", gen)

	for {
		if ctx.Err() != nil {
			return
		}

		session := r.sessions.Get()
		tracked := session.State.Repos
		states := session.State.RepoStates.Clone()

		// Staleness re-sync: a completed repo whose upstream commit moved is
		// re-submitted and polled again.
		for _, serialized := range tracked {
			info := states[serialized]
			if info == nil || info.Status != models.RepoStatusCompleted || info.SHA == "" {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			latest, err := r.client.LatestCommit(info.RepoKey())
			if err != nil || latest == "" {
				// unknown is non-fatal, skip re-submission
				continue
			}
			if latest != info.SHA {
				logger.Infof("Commit drift on %s (%s -> %s), re-submitting", serialized, info.SHA, latest)
				if err := r.client.Submit(info.RepoKey(), false); err != nil {
					logger.Warnf("Drift re-submission failed for %s: %v", serialized, err)
					continue
				}
				info.Status = models.RepoStatusProcessing
				r.notifyInfo(fmt.Sprintf("%s/%s changed upstream, re-indexing", info.Repository, info.Branch))
				r.publish(ctx, states)
				if !sleepCtx(ctx, r.grace) {
					return
				}
			}
		}

		var active []string
		for _, serialized := range tracked {
			info := states[serialized]
			if info == nil || info.Status == models.RepoStatusCompleted {
				continue
			}
			if r.failureCount(serialized) >= maxConsecutiveFailures {
				continue
			}
			active = append(active, serialized)
		}

		if len(active) == 0 {
			r.publish(ctx, states)
			logger.Debugf("Reconciler generation %d converged", gen)
			return
		}

		if ctx.Err() != nil {
			return
		}
		records, err := r.client.BatchStatus(active)
		if err != nil {
			// Polling is idempotent; a transient failure just delays the tick.
			logger.Warnf("Batch status poll failed: %v", err)
			if !sleepCtx(ctx, r.interval) {
				return
			}
			continue
		}

		seen := make(map[string]bool, len(records))
		for _, record := range records {
			serialized := record.Key()
			seen[serialized] = true

			if record.Status == models.RepoStatusCompleted {
				record.Status = r.joinIndexStatus(record)
			}

			states.Merge(record)
			if record.Status == models.RepoStatusFailed {
				r.bumpFailure(serialized)
			} else {
				r.resetFailures(serialized)
			}
		}
		// A repo the backend no longer reports counts against the failure
		// budget, otherwise the loop would poll it forever.
		for _, serialized := range active {
			if !seen[serialized] {
				r.bumpFailure(serialized)
			}
		}

		r.publish(ctx, states)
		if !sleepCtx(ctx, r.interval) {
			return
		}
	}
}

// joinIndexStatus applies the explicit join of the two state machines:
// ready = processing completed && index LIVE. An archived index is asked to
// unarchive and the repo keeps polling as processing until the index is live.
func (r *Reconciler) joinIndexStatus(record *models.RepositoryInfo) models.RepoStatus {
	idx, err := r.client.IndexStatus(record.RepoKey())
	if err != nil {
		logger.Debugf("Index status lookup failed for %s: %v", record.Key(), err)
		return models.RepoStatusCompleted
	}
	if idx == models.IndexStatusLive {
		return models.RepoStatusCompleted
	}
	if idx == models.IndexStatusArchived {
		if err := r.client.Unarchive(record.RepoKey()); err != nil {
			logger.Warnf("Unarchive failed for %s: %v", record.Key(), err)
		}
	}
	return models.RepoStatusProcessing
}

// publish overlays the working map onto the live session. Keys removed from
// the session while the tick ran are not resurrected, and nothing is written
// once the generation is cancelled.
func (r *Reconciler) publish(ctx context.Context, states models.RepoStates) {
	if ctx.Err() != nil {
		return
	}
	updated := r.sessions.Update(func(sess *models.Session) {
		for serialized, info := range states {
			if _, ok := sess.State.RepoStates[serialized]; !ok {
				continue
			}
			copied := *info
			sess.State.RepoStates[serialized] = &copied
		}
	})

	r.mu.Lock()
	emitter := r.emitter
	r.mu.Unlock()
	if emitter != nil {
		emitter.EmitRepoStates(updated.State.RepoStates)
	}
}

func (r *Reconciler) notifyInfo(message string) {
	r.mu.Lock()
	emitter := r.emitter
	r.mu.Unlock()
	if emitter != nil {
		emitter.EmitInfo(message)
	}
}

func (r *Reconciler) notifyError(message string) {
	r.mu.Lock()
	emitter := r.emitter
	r.mu.Unlock()
	if emitter != nil {
		emitter.EmitError(message)
	}
}

func (r *Reconciler) failureCount(serialized string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[serialized]
}

func (r *Reconciler) bumpFailure(serialized string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[serialized]++
}

func (r *Reconciler) resetFailures(serialized string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, serialized)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func removeString(list []string, value string) []string {
	out := list[:0]
	for _, item := range list {
		if item != value {
			out = append(out, item)
		}
	}
	return out
}
