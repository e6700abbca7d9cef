package schema

import "fmt"

// ReactionType classifies a reaction.
type ReactionType string

const (
	ReactionTracking   ReactionType = "tracking"
	ReactionNote       ReactionType = "note"
	ReactionAssignment ReactionType = "assignment"
	ReactionLike       ReactionType = "like"
	ReactionVote       ReactionType = "vote"
	ReactionComment    ReactionType = "comment"
)

// IssueBound reports whether reactions of this type live and die with the
// remote issue of their story.
func (t ReactionType) IssueBound() bool {
	switch t {
	case ReactionTracking, ReactionNote, ReactionAssignment:
		return true
	}
	return false
}

// Unique reports whether at most one reaction of this type may exist per
// (story, user).
func (t ReactionType) Unique() bool {
	switch t {
	case ReactionLike, ReactionVote, ReactionTracking, ReactionAssignment:
		return true
	}
	return false
}

// ReactionDetails holds the content of a reaction.
type ReactionDetails struct {
	Text string `json:"text,omitempty"`
}

// Reaction is a user response attached to a story.
type Reaction struct {
	Record
	Type      ReactionType    `json:"type"`
	StoryID   int64           `json:"story_id"`
	UserID    int64           `json:"user_id"`
	Published bool            `json:"published"`
	Public    bool            `json:"public"`
	Details   ReactionDetails `json:"details"`
}

// Validate checks if the Reaction has valid field values
func (r *Reaction) Validate() error {
	switch r.Type {
	case ReactionTracking, ReactionNote, ReactionAssignment, ReactionLike, ReactionVote, ReactionComment:
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("invalid reaction type: %s", r.Type)
	}
	if r.StoryID == 0 {
		return fmt.Errorf("story_id is required")
	}
	return nil
}
