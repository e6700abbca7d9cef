package schema

import (
	"fmt"
	"slices"
)

// RepoDetails holds the descriptive fields of a repo.
type RepoDetails struct {
	Title         string `json:"title,omitempty"`
	WebURL        string `json:"web_url,omitempty"`
	IssuesEnabled bool   `json:"issues_enabled"`
}

// Repo mirrors a project on an external server.
type Repo struct {
	Record
	Name    string       `json:"name"`
	Type    ProviderType `json:"type"`
	UserIDs []int64      `json:"user_ids,omitempty"`
	Details RepoDetails  `json:"details"`
}

// Validate checks if the Repo has valid field values
func (r *Repo) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// Project returns the server and project key the repo is linked to.
func (r *Repo) Project() (serverID int64, key Key, ok bool) {
	link, found := r.FindLinkWith(r.providerType(), KindProject)
	if !found {
		return 0, Key{}, false
	}
	key, _ = link.Key(KindProject)
	return link.ServerID, key, true
}

// HasTracker reports whether issues can be exported to this repo.
func (r *Repo) HasTracker() bool {
	if r.Deleted || !r.Details.IssuesEnabled {
		return false
	}
	_, _, ok := r.Project()
	return ok
}

// IsMember reports whether userID belongs to the repo.
func (r *Repo) IsMember(userID int64) bool {
	return slices.Contains(r.UserIDs, userID)
}

func (r *Repo) providerType() ProviderType {
	if r.Type == "" {
		return ProviderGitLab
	}
	return r.Type
}
