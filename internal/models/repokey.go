package models

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Remote identifies the hosting service a repository lives on
type Remote string

const (
	RemoteGitHub Remote = "github"
	RemoteGitLab Remote = "gitlab"
	RemoteAzure  Remote = "azure"
)

// RepoKey is the canonical (remote, repository, branch) triple identifying a
// remote repository. Its serialized form "remote:repository:branch" is used as
// the key in every repository state map.
type RepoKey struct {
	Remote     Remote `json:"remote"`
	Repository string `json:"repository"`
	Branch     string `json:"branch"`
}

// String returns the canonical serialized form
func (k RepoKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Remote, k.Repository, k.Branch)
}

// SerializeRepoKey converts a RepoKey to its canonical string form
func SerializeRepoKey(k RepoKey) string {
	return k.String()
}

// DeserializeRepoKey parses the canonical "remote:repository:branch" form.
// Single-segment values are the legacy persisted form: a bare repository with
// an implicit github remote and empty branch.
func DeserializeRepoKey(s string) RepoKey {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) == 1 {
		return RepoKey{Remote: RemoteGitHub, Repository: parts[0]}
	}

	key := RepoKey{Remote: Remote(parts[0])}
	if len(parts) > 1 {
		key.Repository = parts[1]
	}
	if len(parts) > 2 {
		key.Branch = parts[2]
	}
	switch key.Remote {
	case RemoteGitHub, RemoteGitLab, RemoteAzure:
	default:
		key.Remote = RemoteGitHub
	}
	return key
}

var (
	githubPathRe = regexp.MustCompile(`^/?([A-Za-z0-9._-]+/[A-Za-z0-9._-]+)(?:/tree/([A-Za-z0-9._-]+))?`)
	gitlabPathRe = regexp.MustCompile(`^/?([A-Za-z0-9._-]+/[A-Za-z0-9._-]+)(?:/-)?(?:/tree/([A-Za-z0-9._-]+))?`)
	shorthandRe  = regexp.MustCompile(`^[A-Za-z0-9._-]+/[A-Za-z0-9._-]+$`)
)

// ParseIdentifier parses a user-supplied repository identifier: a bare
// "owner/repo" shorthand, a "remote:branch:repository" triple, a full
// github/gitlab/azure URL, or a bare domain for external non-git sources.
// Returns false when nothing matches; callers treat that as an input
// validation error.
func ParseIdentifier(input string) (RepoKey, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return RepoKey{}, false
	}

	if !looksLikeURL(input) {
		parts := strings.Split(input, ":")
		switch len(parts) {
		case 1:
			if !shorthandRe.MatchString(parts[0]) {
				return RepoKey{}, false
			}
			return RepoKey{Remote: RemoteGitHub, Repository: strings.ToLower(parts[0])}, true
		case 3:
			// remote:branch:repository input order
			remote := Remote(strings.ToLower(parts[0]))
			branch := strings.ToLower(parts[1])
			repository := strings.ToLower(parts[2])
			if remote == RemoteAzure {
				// two-segment azure shorthand implies the project name is the repo name
				if segs := strings.Split(repository, "/"); len(segs) == 2 {
					repository = strings.Join(append(segs, segs[1]), "/")
				}
			}
			return RepoKey{Remote: remote, Repository: repository, Branch: branch}, true
		default:
			// two segments are ambiguous
			return RepoKey{}, false
		}
	}

	if !strings.HasPrefix(input, "http") {
		input = "https://" + input
	}
	input = strings.TrimSuffix(input, ".git")

	u, err := url.Parse(input)
	if err != nil || u.Hostname() == "" {
		return RepoKey{}, false
	}

	host := u.Hostname()
	var remote Remote
	switch {
	case strings.Contains(host, "github"):
		remote = RemoteGitHub
	case strings.Contains(host, "gitlab"):
		remote = RemoteGitLab
	case strings.Contains(host, "azure"):
		remote = RemoteAzure
	default:
		// bare domain: an external non-git source
		if p := strings.Trim(u.Path, "/"); p != "" {
			return RepoKey{}, false
		}
		return RepoKey{Remote: RemoteGitHub, Repository: strings.ToLower(host)}, true
	}

	var repository, branch string
	switch remote {
	case RemoteGitHub:
		m := githubPathRe.FindStringSubmatch(u.Path)
		if m == nil {
			return RepoKey{}, false
		}
		repository, branch = m[1], m[2]
	case RemoteGitLab:
		m := gitlabPathRe.FindStringSubmatch(u.Path)
		if m == nil {
			return RepoKey{}, false
		}
		repository, branch = m[1], m[2]
	case RemoteAzure:
		var segs []string
		for _, seg := range strings.Split(u.Path, "/") {
			if seg != "" && seg != "_git" {
				segs = append(segs, seg)
			}
		}
		if len(segs) == 0 {
			return RepoKey{}, false
		}
		segs = append(segs, segs[len(segs)-1])
		if len(segs) > 3 {
			segs = segs[:3]
		}
		repository = strings.Join(segs, "/")
		// azure encodes the branch as ?version=GB<branch>
		if v := u.Query().Get("version"); len(v) > 2 {
			branch = v[2:]
		}
	}

	return RepoKey{
		Remote:     remote,
		Repository: strings.ToLower(repository),
		Branch:     strings.ToLower(branch),
	}, true
}

// looksLikeURL reports whether the input should take the URL parsing path
// rather than the shorthand/triple path
func looksLikeURL(input string) bool {
	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		return true
	}
	if strings.Contains(input, ":") {
		return false
	}
	// bare domains have a dotted host before any path
	host := strings.SplitN(input, "/", 2)[0]
	return strings.Contains(host, ".")
}

// CloneURL returns the https clone URL for the repository
func (k RepoKey) CloneURL() string {
	switch k.Remote {
	case RemoteGitLab:
		return fmt.Sprintf("https://gitlab.com/%s.git", k.Repository)
	case RemoteAzure:
		segs := strings.Split(k.Repository, "/")
		if len(segs) < 3 {
			return ""
		}
		return fmt.Sprintf("https://dev.azure.com/%s/_git/%s", strings.Join(segs[:2], "/"), segs[len(segs)-1])
	default:
		return fmt.Sprintf("https://github.com/%s.git", k.Repository)
	}
}

// APIURL returns the forge metadata endpoint used for authorization checks
func (k RepoKey) APIURL() string {
	switch k.Remote {
	case RemoteGitLab:
		base := fmt.Sprintf("https://gitlab.com/api/v4/projects/%s", url.PathEscape(k.Repository))
		if k.Branch != "" {
			base += "/repository/branches/" + url.PathEscape(k.Branch)
		}
		return base + "?statistics=true"
	case RemoteAzure:
		segs := strings.Split(k.Repository, "/")
		if len(segs) < 3 {
			return ""
		}
		return fmt.Sprintf("https://dev.azure.com/%s/_apis/git/repositories/%s/refs/heads/%s",
			strings.Join(segs[:2], "/"), segs[len(segs)-1], k.Branch)
	default:
		base := fmt.Sprintf("https://api.github.com/repos/%s", k.Repository)
		if k.Branch != "" {
			base += "/branches/" + k.Branch
		}
		return base
	}
}

// CommitURL returns the forge endpoint reporting the latest commit on the branch
func (k RepoKey) CommitURL() string {
	switch k.Remote {
	case RemoteGitLab:
		return fmt.Sprintf("https://gitlab.com/api/v4/projects/%s/repository/commits/%s",
			url.PathEscape(k.Repository), url.PathEscape(k.Branch))
	case RemoteAzure:
		segs := strings.Split(k.Repository, "/")
		if len(segs) < 3 {
			return ""
		}
		return fmt.Sprintf("https://dev.azure.com/%s/_apis/git/repositories/%s/commits/%s",
			strings.Join(segs[:2], "/"), segs[len(segs)-1], k.Branch)
	default:
		return fmt.Sprintf("https://api.github.com/repos/%s/commits/%s", k.Repository, k.Branch)
	}
}
