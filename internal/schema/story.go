package schema

import (
	"fmt"
	"slices"
)

// StoryType classifies a story.
type StoryType string

const (
	StoryPost         StoryType = "post"
	StoryIssue        StoryType = "issue"
	StoryMergeRequest StoryType = "merge-request"
	StoryPush         StoryType = "push"
	StoryRepo         StoryType = "repo"
)

// ResourceType classifies an attached media resource.
type ResourceType string

const (
	ResourceImage   ResourceType = "image"
	ResourceVideo   ResourceType = "video"
	ResourceAudio   ResourceType = "audio"
	ResourceWebsite ResourceType = "website"
)

// Resource is a media attachment. Media is addressed either by URL or by a
// file name resolved through a media base URL.
type Resource struct {
	Type     ResourceType `json:"type"`
	URL      string       `json:"url,omitempty"`
	Filename string       `json:"filename,omitempty"`
	Title    string       `json:"title,omitempty"`
	Width    int          `json:"width,omitempty"`
	Height   int          `json:"height,omitempty"`
}

// StoryDetails holds the content of a story.
type StoryDetails struct {
	Title     string     `json:"title,omitempty"`
	Text      string     `json:"text,omitempty"`
	Labels    []string   `json:"labels,omitempty"`
	State     string     `json:"state,omitempty"`
	Resources []Resource `json:"resources,omitempty"`
}

// Story is a post, issue, merge request or push.
type Story struct {
	Record
	Type      StoryType    `json:"type"`
	RepoID    int64        `json:"repo_id,omitempty"`
	UserIDs   []int64      `json:"user_ids,omitempty"`
	Published bool         `json:"published"`
	Public    bool         `json:"public"`
	Details   StoryDetails `json:"details"`
}

// Validate checks if the Story has valid field values
func (s *Story) Validate() error {
	switch s.Type {
	case StoryPost, StoryIssue, StoryMergeRequest, StoryPush, StoryRepo:
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("invalid story type: %s", s.Type)
	}
	for i, r := range s.Details.Resources {
		switch r.Type {
		case ResourceImage, ResourceVideo, ResourceAudio, ResourceWebsite:
		default:
			return fmt.Errorf("resource %d: invalid type %q", i, r.Type)
		}
	}
	return nil
}

// HasAuthor reports whether userID is among the story's authors.
func (s *Story) HasAuthor(userID int64) bool {
	return slices.Contains(s.UserIDs, userID)
}

// AddAuthor appends userID to the authors if missing.
func (s *Story) AddAuthor(userID int64) bool {
	if userID == 0 || s.HasAuthor(userID) {
		return false
	}
	s.UserIDs = append(s.UserIDs, userID)
	return true
}

// ClearIssueFields resets the fields that only make sense while the story
// is tracked as an issue.
func (s *Story) ClearIssueFields() {
	s.Details.Title = ""
	s.Details.Labels = nil
	s.Details.State = ""
	s.Type = StoryPost
}
