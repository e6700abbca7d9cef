// Package notify tells websocket subscribers about store changes they are
// allowed to see.
package notify

import (
	"fmt"
	"slices"

	"github.com/mschirtzinger/tracksync/internal/db"
	"github.com/mschirtzinger/tracksync/internal/schema"
)

// Area is the part of the application a subscriber is looking at.
type Area string

const (
	AreaClient Area = "client"
	AreaAdmin  Area = "admin"
)

// ParseArea maps a query value to an area; empty means client.
func ParseArea(s string) (Area, error) {
	switch Area(s) {
	case "", AreaClient:
		return AreaClient, nil
	case AreaAdmin:
		return AreaAdmin, nil
	}
	return "", fmt.Errorf("unknown area %q", s)
}

// Subscriber identifies who is listening. UserID 0 is an anonymous
// visitor.
type Subscriber struct {
	UserID int64
	Role   schema.UserType
	Area   Area
}

// Relevant reports whether sub should be told about c.
//
// The admin area sees every change but is only open to moderators and
// administrators. Clients see public content, their own content and their
// own tasks; servers and unpublished or private rows of others stay hidden.
// A deletion is announced to whoever could see the row.
func Relevant(sub Subscriber, c db.Change) bool {
	if sub.Area == AreaAdmin {
		return sub.Role.Rank() >= schema.UserModerator.Rank()
	}

	owns := sub.UserID != 0 && slices.Contains(c.UserIDs, sub.UserID)
	switch c.Table {
	case "tasks":
		return owns
	case "servers":
		return false
	case "users", "repos", "commits":
		return true
	case "stories", "reactions":
		return owns || (c.Published && c.Public)
	}
	return false
}
