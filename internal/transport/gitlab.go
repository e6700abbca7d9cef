package transport

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/syncerr"
)

// minimum server versions per capability
var gitlabMinVersion = map[Capability]string{
	CapIssueMove: "v9.0.0",
}

// GitLab talks to the GitLab REST API v4.
type GitLab struct{}

func (GitLab) Type() schema.ProviderType {
	return schema.ProviderGitLab
}

func (GitLab) BaseURL(server *schema.Server) (string, error) {
	u, err := url.Parse(server.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", syncerr.BadRequest("server %s has invalid url %q", server.Name, server.URL)
	}
	return strings.TrimRight(server.URL, "/") + "/api/v4", nil
}

func (GitLab) Authorize(req *http.Request, server *schema.Server) {
	token := server.Credentials.Token
	if token == "" {
		return
	}
	if server.Credentials.OAuth {
		req.Header.Set("Authorization", "Bearer "+token)
		return
	}
	req.Header.Set("PRIVATE-TOKEN", token)
}

func (GitLab) ActAs(req *http.Request, externalUserID int64) {
	req.Header.Set("Sudo", strconv.FormatInt(externalUserID, 10))
}

func (GitLab) NextPage(resp *http.Response, current *url.URL) (*url.URL, bool) {
	next := strings.TrimSpace(resp.Header.Get("X-Next-Page"))
	if next == "" {
		return nil, false
	}
	u := *current
	q := u.Query()
	q.Set("page", next)
	u.RawQuery = q.Encode()
	return &u, true
}

// Supports compares the server version against the capability's minimum.
// A server with no recorded version is assumed to be current.
func (GitLab) Supports(server *schema.Server, c Capability) bool {
	minimum, ok := gitlabMinVersion[c]
	if !ok {
		return false
	}
	if server.Version == "" {
		return true
	}
	v := CanonicalVersion(server.Version)
	if v == "" {
		return false
	}
	return semver.Compare(v, minimum) >= 0
}

func (GitLab) VersionPath() string {
	return "/version"
}

// CanonicalVersion turns a reported server version such as "16.4.1-ee"
// into a semver string ("v16.4.1"), or "" when it cannot be parsed.
func CanonicalVersion(version string) string {
	v := strings.TrimSpace(version)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	// edition suffixes are not prereleases
	if i := strings.IndexAny(v, "-+"); i > 0 {
		v = v[:i]
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}
