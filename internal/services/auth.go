package services

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/greptileai/greptile-host/internal/logger"
	"github.com/greptileai/greptile-host/internal/models"
)

// forgeIdentityURLs are the per-forge "who am I" endpoints used to resolve a
// token into a user id
var forgeIdentityURLs = map[models.Remote]string{
	models.RemoteGitHub: "https://api.github.com/user",
	models.RemoteGitLab: "https://gitlab.com/api/v4/user",
}

// AuthService resolves forge tokens into a signed-in user: identity from the
// forge, plan tier from the membership endpoint. The user portion of the
// session survives resets.
type AuthService struct {
	sessions *SessionService
	client   *StatusClient
	http     *http.Client

	identityURLs map[models.Remote]string
}

// NewAuthService creates an auth service against the public forge APIs
func NewAuthService(sessions *SessionService, client *StatusClient) *AuthService {
	return &AuthService{
		sessions: sessions,
		client:   client,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
		identityURLs: forgeIdentityURLs,
	}
}

// SignIn stores an access token for a remote and resolves the user's identity
// and plan tier. An empty token falls back to the conventional environment
// variable for the remote, so headless setups work without the UI flow.
func (a *AuthService) SignIn(remote models.Remote, accessToken string) (*models.User, error) {
	if accessToken == "" {
		accessToken = tokenFromEnv(remote)
	}
	if accessToken == "" {
		return nil, fmt.Errorf("no access token for %s", remote)
	}

	userID, err := a.resolveIdentity(remote, accessToken)
	if err != nil {
		return nil, err
	}

	membership, err := a.client.Membership(accessToken)
	if err != nil {
		logger.Warnf("Membership lookup failed, defaulting to free: %v", err)
		membership = models.MembershipFree
	}

	updated := a.sessions.Update(func(sess *models.Session) {
		if sess.User.Tokens == nil {
			sess.User.Tokens = make(map[models.Remote]models.TokenEntry)
		}
		sess.User.Tokens[remote] = models.TokenEntry{AccessToken: accessToken}
		sess.User.UserID = userID
		sess.User.Membership = membership
	})

	logger.Infof("Signed in as %s (%s)", userID, membership)
	user := updated.User
	return &user, nil
}

// SignOut drops the signed-in identity and all stored tokens
func (a *AuthService) SignOut() {
	a.sessions.Update(func(sess *models.Session) {
		sess.User = models.User{}
	})
}

// RefreshMembership re-fetches the plan tier, used after an upgrade so gating
// decisions pick up the new plan without a fresh sign-in
func (a *AuthService) RefreshMembership() (models.Membership, error) {
	membership, err := a.client.Membership("")
	if err != nil {
		return "", err
	}
	a.sessions.Update(func(sess *models.Session) {
		sess.User.Membership = membership
	})
	return membership, nil
}

func (a *AuthService) resolveIdentity(remote models.Remote, token string) (string, error) {
	endpoint, ok := a.identityURLs[remote]
	if !ok {
		return "", fmt.Errorf("no identity endpoint for %s", remote)
	}

	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create identity request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach %s: %w", remote, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity lookup failed (status %d)", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read identity response: %w", err)
	}

	var identity struct {
		Login    string `json:"login"`    // github
		Username string `json:"username"` // gitlab
	}
	if err := json.Unmarshal(data, &identity); err != nil {
		return "", fmt.Errorf("failed to parse identity response: %w", err)
	}
	if identity.Login != "" {
		return identity.Login, nil
	}
	if identity.Username != "" {
		return identity.Username, nil
	}
	return "", fmt.Errorf("identity response had no user name")
}

func tokenFromEnv(remote models.Remote) string {
	switch remote {
	case models.RemoteGitHub:
		return os.Getenv("GITHUB_TOKEN")
	case models.RemoteGitLab:
		return os.Getenv("GITLAB_TOKEN")
	case models.RemoteAzure:
		return os.Getenv("AZURE_DEVOPS_TOKEN")
	}
	return ""
}
