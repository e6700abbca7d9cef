package importer

import (
	"strings"
)

// Webhook payloads, limited to the fields the importers read.

// UserPayload is the user block of issue and note events, and the body of
// the users API.
type UserPayload struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
	IsAdmin   bool   `json:"is_admin"`
	State     string `json:"state"`
}

// ProjectPayload identifies the project an event belongs to.
type ProjectPayload struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	PathWithNamespace string `json:"path_with_namespace"`
	WebURL            string `json:"web_url"`
}

// LabelPayload is one label of an issue event.
type LabelPayload struct {
	Title string `json:"title"`
}

// IssueAttributes is object_attributes of an issue event, and also the
// body of the issues API (which names the description the same way).
type IssueAttributes struct {
	ID          int64  `json:"id"`
	IID         int64  `json:"iid"`
	ProjectID   int64  `json:"project_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	State       string `json:"state"`
	Action      string `json:"action"`
	AuthorID    int64  `json:"author_id"`
}

// IssueEvent is the "issue" webhook.
type IssueEvent struct {
	ObjectKind string          `json:"object_kind"`
	User       UserPayload     `json:"user"`
	Project    ProjectPayload  `json:"project"`
	Attributes IssueAttributes `json:"object_attributes"`
	Labels     []LabelPayload  `json:"labels"`
	Assignees  []UserPayload   `json:"assignees"`
}

// LabelTitles returns the label names of the event.
func (e *IssueEvent) LabelTitles() []string {
	titles := make([]string, 0, len(e.Labels))
	for _, l := range e.Labels {
		if t := strings.TrimSpace(l.Title); t != "" {
			titles = append(titles, t)
		}
	}
	return titles
}

// Noteable types of note events.
const (
	NoteableIssue        = "Issue"
	NoteableMergeRequest = "MergeRequest"
	NoteableCommit       = "Commit"
	NoteableSnippet      = "Snippet"
)

// NoteAttributes is object_attributes of a note event.
type NoteAttributes struct {
	ID           int64  `json:"id"`
	Note         string `json:"note"`
	NoteableType string `json:"noteable_type"`
	NoteableID   int64  `json:"noteable_id"`
	AuthorID     int64  `json:"author_id"`
	CommitID     string `json:"commit_id"`
	System       bool   `json:"system"`
	URL          string `json:"url"`
}

// TargetPayload is the issue or merge request a note is attached to.
type TargetPayload struct {
	ID    int64  `json:"id"`
	IID   int64  `json:"iid"`
	Title string `json:"title"`
}

// CommitPayload is a commit in push and note events.
type CommitPayload struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Author  struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"author"`
}

// Headline returns the commit title, derived from the message when the
// payload has none.
func (c *CommitPayload) Headline() string {
	if t := strings.TrimSpace(c.Title); t != "" {
		return t
	}
	title, _, _ := strings.Cut(strings.TrimSpace(c.Message), "\n")
	return strings.TrimSpace(title)
}

// NoteEvent is the "note" webhook.
type NoteEvent struct {
	ObjectKind   string         `json:"object_kind"`
	User         UserPayload    `json:"user"`
	Project      ProjectPayload `json:"project"`
	Attributes   NoteAttributes `json:"object_attributes"`
	Issue        *TargetPayload `json:"issue,omitempty"`
	MergeRequest *TargetPayload `json:"merge_request,omitempty"`
	Commit       *CommitPayload `json:"commit,omitempty"`
}

// HookEvent carries facts known out of band about a delivery, such as the
// commit a note belongs to when the payload itself does not say.
type HookEvent struct {
	CommitID string `json:"commit_id,omitempty"`
}

// PushEvent is the "push" webhook.
type PushEvent struct {
	ObjectKind   string          `json:"object_kind"`
	Before       string          `json:"before"`
	After        string          `json:"after"`
	Ref          string          `json:"ref"`
	CheckoutSHA  string          `json:"checkout_sha"`
	UserID       int64           `json:"user_id"`
	UserName     string          `json:"user_name"`
	UserUsername string          `json:"user_username"`
	UserEmail    string          `json:"user_email"`
	UserAvatar   string          `json:"user_avatar"`
	Project      ProjectPayload  `json:"project"`
	Commits      []CommitPayload `json:"commits"`
	TotalCommits int             `json:"total_commits_count"`
}

// Pusher returns the pushing user as a profile.
func (e *PushEvent) Pusher() UserPayload {
	return UserPayload{
		ID:        e.UserID,
		Name:      e.UserName,
		Username:  e.UserUsername,
		Email:     e.UserEmail,
		AvatarURL: e.UserAvatar,
	}
}

// Branch returns the branch name of a refs/heads ref.
func (e *PushEvent) Branch() string {
	return strings.TrimPrefix(e.Ref, "refs/heads/")
}

// Deleted reports whether the push removed the ref.
func (e *PushEvent) Deleted() bool {
	return strings.Trim(e.After, "0") == ""
}

// SystemUserEvent is a user_create or user_update system hook.
type SystemUserEvent struct {
	EventName string `json:"event_name"`
	UserID    int64  `json:"user_id"`
	Name      string `json:"name"`
	Username  string `json:"username"`
	Email     string `json:"email"`
}

// Profile returns the event as a user profile.
func (e *SystemUserEvent) Profile() UserPayload {
	return UserPayload{ID: e.UserID, Name: e.Name, Username: e.Username, Email: e.Email}
}

// CommitComment is one entry of the commit comments API.
type CommitComment struct {
	Note   string      `json:"note"`
	Author UserPayload `json:"author"`
}
