package exporter

import (
	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/syncerr"
)

// Transition is what an export does to the remote issue of a story.
type Transition int

const (
	// Nothing is exported: no issue before, none wanted.
	Nothing Transition = iota
	// Create opens an issue in the target repo.
	Create
	// Update pushes changed fields to the existing issue.
	Update
	// Move asks the server to move the issue to another project.
	Move
	// CreateThenRemove opens an issue in the target repo and deletes the old one.
	CreateThenRemove
	// Remove deletes the issue and unlinks the story.
	Remove
)

var transitionNames = map[Transition]string{
	Nothing:          "nothing",
	Create:           "create",
	Update:           "update",
	Move:             "move",
	CreateThenRemove: "create-then-remove",
	Remove:           "remove",
}

func (t Transition) String() string {
	if name, ok := transitionNames[t]; ok {
		return name
	}
	return "unknown"
}

// issueRef is the remote issue a story is currently linked to.
type issueRef struct {
	link    schema.ExternalLink
	server  *schema.Server
	repo    *schema.Repo // nil when the project is not known locally
	project schema.Key
	issue   schema.Key
}

// target is where the export should put the issue.
type target struct {
	repo     *schema.Repo
	server   *schema.Server
	project  schema.Key
	tracking bool
}

// decide picks the transition from the story's current issue (before) to
// the requested repo (after). Either may be nil. canMove reports whether
// the server of before supports moving issues.
func decide(before *issueRef, after *target, canMove bool) (Transition, error) {
	switch {
	case before == nil && after == nil:
		return Nothing, nil
	case before == nil && !after.tracking:
		return Nothing, syncerr.BadRequest("repo %d has no issue tracker", after.repo.ID)
	case before == nil:
		return Create, nil
	case after == nil:
		return Remove, nil
	case !after.tracking:
		return Remove, nil
	case sameProject(before, after):
		return Update, nil
	case before.server.ID == after.server.ID && canMove:
		return Move, nil
	default:
		return CreateThenRemove, nil
	}
}

func sameProject(before *issueRef, after *target) bool {
	if before.server.ID != after.server.ID {
		return false
	}
	if before.repo != nil && before.repo.ID == after.repo.ID {
		return true
	}
	return before.project.ID != 0 && before.project.ID == after.project.ID
}
