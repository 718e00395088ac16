package models

// RepoStatus is the processing state reported by the indexing backend
type RepoStatus string

const (
	RepoStatusQueued     RepoStatus = "queued"
	RepoStatusSubmitted  RepoStatus = "submitted"
	RepoStatusCloning    RepoStatus = "cloning"
	RepoStatusProcessing RepoStatus = "processing"
	RepoStatusCompleted  RepoStatus = "completed"
	RepoStatusFailed     RepoStatus = "failed"
)

// IndexStatus is the backend search index liveness, a state machine independent
// from clone/processing status
type IndexStatus string

const (
	IndexStatusLive     IndexStatus = "LIVE"
	IndexStatusArchived IndexStatus = "ARCHIVED"
)

// RepositoryInfo is the per-repository processing record tracked in the session
type RepositoryInfo struct {
	Remote         Remote     `json:"remote"`
	Repository     string     `json:"repository"`
	Branch         string     `json:"branch"`
	SourceID       string     `json:"source_id,omitempty"`
	IndexID        string     `json:"indexId,omitempty"`
	NumFiles       int        `json:"numFiles,omitempty"`
	FilesProcessed int        `json:"filesProcessed,omitempty"`
	SHA            string     `json:"sha,omitempty"`
	Private        bool       `json:"private"`
	External       bool       `json:"external,omitempty"`
	Status         RepoStatus `json:"status,omitempty"`
	Message        string     `json:"message,omitempty"`
}

// RepoKey returns the identifying triple for this record
func (r *RepositoryInfo) RepoKey() RepoKey {
	remote := r.Remote
	if remote == "" {
		remote = RemoteGitHub
	}
	return RepoKey{Remote: remote, Repository: r.Repository, Branch: r.Branch}
}

// Key returns the serialized triple used as the RepoStates map key. Batch
// responses are re-keyed through this, never by response index.
func (r *RepositoryInfo) Key() string {
	return r.RepoKey().String()
}

// IsTerminal reports whether no further automatic transitions occur
func (r *RepositoryInfo) IsTerminal() bool {
	return r.Status == RepoStatusCompleted || r.Status == RepoStatusFailed
}

// IsReady is the single definition of "usable for chat": processing finished,
// or every file processed even if the status field has not flipped yet.
func (r *RepositoryInfo) IsReady() bool {
	if r.Status == RepoStatusCompleted {
		return true
	}
	return r.Status == RepoStatusProcessing && r.NumFiles > 0 && r.FilesProcessed == r.NumFiles
}

// RepoStates maps serialized repo keys to their processing records
type RepoStates map[string]*RepositoryInfo

// Clone returns a deep copy so loop-local working maps never alias session state
func (s RepoStates) Clone() RepoStates {
	if s == nil {
		return nil
	}
	out := make(RepoStates, len(s))
	for k, v := range s {
		copied := *v
		out[k] = &copied
	}
	return out
}

// Merge overlays a batch status record onto the existing entry for its key,
// preserving fields the response omitted
func (s RepoStates) Merge(record *RepositoryInfo) {
	key := record.Key()
	existing, ok := s[key]
	if !ok {
		copied := *record
		s[key] = &copied
		return
	}
	existing.Remote = record.RepoKey().Remote
	existing.Repository = record.Repository
	existing.Branch = record.Branch
	if record.SourceID != "" {
		existing.SourceID = record.SourceID
	}
	if record.IndexID != "" {
		existing.IndexID = record.IndexID
	}
	if record.NumFiles != 0 {
		existing.NumFiles = record.NumFiles
	}
	existing.FilesProcessed = record.FilesProcessed
	if record.SHA != "" {
		existing.SHA = record.SHA
	}
	existing.Private = record.Private
	existing.External = record.External
	if record.Status != "" {
		existing.Status = record.Status
	}
}
