package models

// Membership is the user's plan tier as reported by the membership endpoint
type Membership string

const (
	MembershipFree    Membership = "free"
	MembershipPro     Membership = "pro"
	MembershipStudent Membership = "student"
)

// TokenEntry holds an OAuth access token for one remote
type TokenEntry struct {
	AccessToken string `json:"accessToken"`
}

// User is the authenticated identity portion of the session. It survives
// session resets.
type User struct {
	UserID     string                `json:"userId,omitempty"`
	Membership Membership            `json:"membership,omitempty"`
	Tokens     map[Remote]TokenEntry `json:"tokens,omitempty"`
}

// Token returns the access token for a remote, empty when signed out
func (u *User) Token(remote Remote) string {
	if u == nil || u.Tokens == nil {
		return ""
	}
	return u.Tokens[remote].AccessToken
}

// Source is a code location cited by an assistant answer
type Source struct {
	ID        string         `json:"id"`
	Dist      float64        `json:"dist,omitempty"`
	CreatedAt string         `json:"createdAt,omitempty"`
	Text      string         `json:"text,omitempty"`
	Lines     []int          `json:"lines,omitempty"`
	Metadata  SourceMetadata `json:"metadata"`
}

// SourceMetadata locates a source within a repository
type SourceMetadata struct {
	Filepath   string `json:"filepath"`
	Repository string `json:"repository"`
}

// Message is one chat transcript entry
type Message struct {
	ID          string   `json:"id,omitempty"`
	Role        string   `json:"role"`
	Content     string   `json:"content"`
	AgentStatus string   `json:"agentStatus,omitempty"`
	Sources     []Source `json:"sources,omitempty"`
}

// Chat is one logical conversation bound to a repo set. The session id is a
// locally generated random token used to correlate streamed responses, not a
// server-assigned id.
type Chat struct {
	UserID    string    `json:"user_id"`
	Repos     []string  `json:"repos"`
	SessionID string    `json:"session_id"`
	ChatLog   []Message `json:"chat_log"`
	Timestamp string    `json:"timestamp"`
	Title     string    `json:"title"`
	NewChat   bool      `json:"newChat,omitempty"`
}

// SessionState is the UI-facing portion of the session, cleared on reset
type SessionState struct {
	Repos       []string   `json:"repos"`
	RepoStates  RepoStates `json:"repoStates"`
	Chat        *Chat      `json:"chat,omitempty"`
	Messages    []Message  `json:"messages"`
	IsStreaming bool       `json:"isStreaming"`
	Input       string     `json:"input,omitempty"`
	RepoURL     string     `json:"repoUrl,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Session is the single persisted object shared between the host and the
// webview UI
type Session struct {
	User  User         `json:"user"`
	State SessionState `json:"state"`
}

// Clone returns a deep copy of the session
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s

	if s.User.Tokens != nil {
		out.User.Tokens = make(map[Remote]TokenEntry, len(s.User.Tokens))
		for k, v := range s.User.Tokens {
			out.User.Tokens[k] = v
		}
	}

	out.State.Repos = append([]string(nil), s.State.Repos...)
	out.State.RepoStates = s.State.RepoStates.Clone()
	out.State.Messages = cloneMessages(s.State.Messages)

	if s.State.Chat != nil {
		chat := *s.State.Chat
		chat.Repos = append([]string(nil), s.State.Chat.Repos...)
		chat.ChatLog = cloneMessages(s.State.Chat.ChatLog)
		out.State.Chat = &chat
	}
	return &out
}

func cloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m
		out[i].Sources = append([]Source(nil), m.Sources...)
	}
	return out
}
