package services

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/greptileai/greptile-host/internal/config"
	"github.com/greptileai/greptile-host/internal/logger"
	"github.com/greptileai/greptile-host/internal/models"
)

// ErrRepoNotFound is returned when the backend reports 404 for a submission:
// the repository does not exist or the caller has no access to it
var ErrRepoNotFound = errors.New("repository not found or unauthorized")

// Authorization check results, mirroring the backend status codes
const (
	AuthOK           = 200
	AuthNeedsUpgrade = 402
	AuthNotFound     = 404
	AuthRepoTooLarge = 426
)

// freePlanSizeLimitKB is the largest repository a free plan may index
const freePlanSizeLimitKB = 10000

// StatusClient wraps the repository-submission, batch-status, and
// commit-lookup endpoints of the indexing backend, plus the forge metadata
// endpoints used for authorization and drift detection
type StatusClient struct {
	baseURL  string
	client   *http.Client
	sessions *SessionService
}

// NewStatusClient creates a status client against the configured API base
func NewStatusClient(sessions *SessionService) *StatusClient {
	return &StatusClient{
		baseURL:  strings.TrimSuffix(config.Runtime.APIBase, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		sessions: sessions,
	}
}

// NewStatusClientAt creates a status client against an explicit base URL
func NewStatusClientAt(baseURL string, sessions *SessionService) *StatusClient {
	client := NewStatusClient(sessions)
	client.baseURL = strings.TrimSuffix(baseURL, "/")
	return client
}

func (c *StatusClient) token(remote models.Remote) string {
	session := c.sessions.Get()
	return session.User.Token(remote)
}

// apiToken returns the bearer token used against the indexing backend
func (c *StatusClient) apiToken() string {
	return c.token(models.RemoteGitHub)
}

func (c *StatusClient) doJSON(method, rawURL, token string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, rawURL, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("request failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

type submitRequest struct {
	Remote     models.Remote `json:"remote"`
	Repository string        `json:"repository"`
	Branch     string        `json:"branch,omitempty"`
	Notify     bool          `json:"notify"`
}

// Submit queues a repository for indexing. Submitting an already-queued repo
// is safe; the backend dedups. A 404 maps to ErrRepoNotFound so callers can
// surface it without retrying.
func (c *StatusClient) Submit(key models.RepoKey, notify bool) error {
	body := submitRequest{
		Remote:     key.Remote,
		Repository: key.Repository,
		Branch:     key.Branch,
		Notify:     notify,
	}
	status, err := c.doJSON(http.MethodPost, c.baseURL+"/repositories", c.apiToken(), body, nil)
	if status == http.StatusNotFound {
		return ErrRepoNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to submit %s: %w", key, err)
	}
	return nil
}

type batchResponse struct {
	Responses []*models.RepositoryInfo `json:"responses"`
}

// BatchStatus fetches processing records for many repositories in one round
// trip. Response order is not guaranteed to match the request; callers must
// re-key records by their (remote, repository, branch) triple.
func (c *StatusClient) BatchStatus(keys []string) ([]*models.RepositoryInfo, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	escaped := make([]string, len(keys))
	for i, key := range keys {
		escaped[i] = url.QueryEscape(key)
	}
	endpoint := fmt.Sprintf("%s/repositories/batch?repositories=%s", c.baseURL, strings.Join(escaped, ","))

	var out batchResponse
	if _, err := c.doJSON(http.MethodGet, endpoint, c.apiToken(), nil, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch batch status: %w", err)
	}
	return out.Responses, nil
}

// LatestCommit looks up the newest commit sha on the repository's branch via
// the forge API. Failures are non-fatal: an empty sha means "unknown" and
// callers skip drift handling.
func (c *StatusClient) LatestCommit(key models.RepoKey) (string, error) {
	endpoint := key.CommitURL()
	if endpoint == "" {
		return "", fmt.Errorf("no commit endpoint for %s", key)
	}

	var out struct {
		SHA string `json:"sha"`
		ID  string `json:"id"` // gitlab names the field id
	}
	if _, err := c.doJSON(http.MethodGet, endpoint, c.token(key.Remote), nil, &out); err != nil {
		return "", fmt.Errorf("failed to fetch latest commit for %s: %w", key, err)
	}
	if out.SHA != "" {
		return out.SHA, nil
	}
	return out.ID, nil
}

// CheckAuthorization asks the forge whether the signed-in user may index the
// repository under their current plan. Returns AuthOK, AuthNeedsUpgrade
// (private repo on a free plan), AuthRepoTooLarge, or AuthNotFound.
func (c *StatusClient) CheckAuthorization(key models.RepoKey) int {
	key.Branch = ""
	endpoint := key.APIURL()
	if endpoint == "" {
		return AuthNotFound
	}

	var meta struct {
		Visibility string `json:"visibility"`
		Size       int    `json:"size"`
		Statistics struct {
			RepositorySize int `json:"repository_size"`
		} `json:"statistics"`
	}
	if _, err := c.doJSON(http.MethodGet, endpoint, c.token(key.Remote), nil, &meta); err != nil {
		logger.Debugf("Authorization check failed for %s: %v", key, err)
		return AuthNotFound
	}

	membership := c.sessions.Get().User.Membership
	if membership == models.MembershipPro {
		return AuthOK
	}

	visibility := meta.Visibility
	if visibility == "" {
		visibility = "public"
	}
	if visibility != "public" {
		return AuthNeedsUpgrade
	}

	size := meta.Size
	if size == 0 {
		size = meta.Statistics.RepositorySize
	}
	if size > freePlanSizeLimitKB {
		return AuthRepoTooLarge
	}
	return AuthOK
}

// DefaultBranch fetches the repository's default branch from the forge
func (c *StatusClient) DefaultBranch(key models.RepoKey) (string, error) {
	key.Branch = ""
	var out struct {
		DefaultBranch string `json:"default_branch"`
	}
	if _, err := c.doJSON(http.MethodGet, key.APIURL(), c.token(key.Remote), nil, &out); err != nil {
		return "", fmt.Errorf("failed to fetch default branch for %s: %w", key, err)
	}
	return out.DefaultBranch, nil
}

func encodeRepoPath(key models.RepoKey) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key.String()))
}

// IndexStatus reports the search index liveness for a repository, which is a
// state machine independent from clone/processing status
func (c *StatusClient) IndexStatus(key models.RepoKey) (models.IndexStatus, error) {
	endpoint := fmt.Sprintf("%s/repositories/%s/status", c.baseURL, encodeRepoPath(key))
	var out struct {
		Status models.IndexStatus `json:"status"`
	}
	if _, err := c.doJSON(http.MethodGet, endpoint, c.apiToken(), nil, &out); err != nil {
		return "", fmt.Errorf("failed to fetch index status for %s: %w", key, err)
	}
	return out.Status, nil
}

// Unarchive re-activates an archived search index
func (c *StatusClient) Unarchive(key models.RepoKey) error {
	endpoint := fmt.Sprintf("%s/repositories/%s/unarchive", c.baseURL, encodeRepoPath(key))
	if _, err := c.doJSON(http.MethodPost, endpoint, c.apiToken(), nil, nil); err != nil {
		return fmt.Errorf("failed to unarchive %s: %w", key, err)
	}
	return nil
}

// Membership fetches the user's plan tier
func (c *StatusClient) Membership(token string) (models.Membership, error) {
	if token == "" {
		token = c.apiToken()
	}
	var out struct {
		Membership models.Membership `json:"membership"`
	}
	if _, err := c.doJSON(http.MethodGet, c.baseURL+"/membership", token, nil, &out); err != nil {
		return "", fmt.Errorf("failed to fetch membership: %w", err)
	}
	return out.Membership, nil
}

// GetChat fetches a persisted chat transcript by session id
func (c *StatusClient) GetChat(sessionID string) (*models.Chat, error) {
	var chat models.Chat
	status, err := c.doJSON(http.MethodGet, c.baseURL+"/chats/"+url.PathEscape(sessionID), c.apiToken(), nil, &chat)
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chat %s: %w", sessionID, err)
	}
	return &chat, nil
}
