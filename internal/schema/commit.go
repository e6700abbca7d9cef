package schema

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
)

// CommitDetails holds the content of a commit.
type CommitDetails struct {
	Title     string `json:"title,omitempty"`
	Message   string `json:"message,omitempty"`
	TitleHash string `json:"title_hash,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Commit is a commit seen in a push.
type Commit struct {
	Record
	Hash    string        `json:"hash"`
	StoryID int64         `json:"story_id,omitempty"`
	RepoIDs []int64       `json:"repo_ids,omitempty"`
	Details CommitDetails `json:"details"`
}

// Validate checks if the Commit has valid field values
func (c *Commit) Validate() error {
	if c.Hash == "" {
		return fmt.Errorf("hash is required")
	}
	return nil
}

// CommitTitle returns the first line of a commit message.
func CommitTitle(message string) string {
	title, _, _ := strings.Cut(strings.TrimSpace(message), "\n")
	return strings.TrimSpace(title)
}

// TitleHash is the digest used to match commit notes, whose payload only
// carries the commit title, against stored commits.
func TitleHash(title string) string {
	sum := sha1.Sum([]byte(strings.TrimSpace(title)))
	return hex.EncodeToString(sum[:])
}
