package services

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greptileai/greptile-host/internal/models"
)

func TestSignInResolvesIdentityAndMembership(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/user":
			w.Write([]byte(`{"login":"alice"}`))
		case "/membership":
			w.Write([]byte(`{"membership":"pro"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	sessions := NewSessionServiceAt(t.TempDir())
	client := NewStatusClientAt(server.URL, sessions)
	auth := NewAuthService(sessions, client)
	auth.identityURLs = map[models.Remote]string{
		models.RemoteGitHub: server.URL + "/user",
	}

	user, err := auth.SignIn(models.RemoteGitHub, "tok-123")
	require.NoError(t, err)

	assert.Equal(t, "alice", user.UserID)
	assert.Equal(t, models.MembershipPro, user.Membership)
	assert.Equal(t, "tok-123", sessions.Get().User.Token(models.RemoteGitHub))
}

func TestSignInRejectsBadToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	sessions := NewSessionServiceAt(t.TempDir())
	auth := NewAuthService(sessions, NewStatusClientAt(server.URL, sessions))
	auth.identityURLs = map[models.Remote]string{
		models.RemoteGitHub: server.URL + "/user",
	}

	_, err := auth.SignIn(models.RemoteGitHub, "bad-token")
	require.Error(t, err)
	assert.Empty(t, sessions.Get().User.UserID)
}

func TestSignOutClearsUser(t *testing.T) {
	sessions := NewSessionServiceAt(t.TempDir())
	sessions.Update(func(sess *models.Session) {
		sess.User = models.User{
			UserID: "alice",
			Tokens: map[models.Remote]models.TokenEntry{
				models.RemoteGitHub: {AccessToken: "tok"},
			},
		}
	})

	auth := NewAuthService(sessions, nil)
	auth.SignOut()

	user := sessions.Get().User
	assert.Empty(t, user.UserID)
	assert.Empty(t, user.Token(models.RemoteGitHub))
}
