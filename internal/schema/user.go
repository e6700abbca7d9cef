package schema

import "fmt"

// UserType is the local role of a user. Roles are ordered.
type UserType string

const (
	UserGuest         UserType = "guest"
	UserRegular       UserType = "regular"
	UserModerator     UserType = "moderator"
	UserAdministrator UserType = "administrator"
)

// Rank orders roles from least to most privileged. Unknown roles rank
// below guest.
func (t UserType) Rank() int {
	switch t {
	case UserGuest:
		return 1
	case UserRegular:
		return 2
	case UserModerator:
		return 3
	case UserAdministrator:
		return 4
	}
	return 0
}

// Valid reports whether t is a known role.
func (t UserType) Valid() bool {
	return t.Rank() > 0
}

// Elevate returns the more privileged of t and other.
func (t UserType) Elevate(other UserType) UserType {
	if other.Rank() > t.Rank() {
		return other
	}
	return t
}

// UserDetails holds the profile of a user.
type UserDetails struct {
	Name         string    `json:"name,omitempty"`
	Email        string    `json:"email,omitempty"`
	ProfileImage *Resource `json:"profile_image,omitempty"`
}

// User is a local account.
type User struct {
	Record
	Username string      `json:"username"`
	Type     UserType    `json:"type"`
	Disabled bool        `json:"disabled"`
	Details  UserDetails `json:"details"`
}

// Validate checks if the User has valid field values
func (u *User) Validate() error {
	if u.Username == "" {
		return fmt.Errorf("username is required")
	}
	if !u.Type.Valid() {
		return fmt.Errorf("invalid user type: %s", u.Type)
	}
	return nil
}

// ExternalID returns the user's account ID on the given server.
func (u *User) ExternalID(t ProviderType, serverID int64) (int64, bool) {
	link, ok := u.FindLink(t, serverID)
	if !ok {
		return 0, false
	}
	key, ok := link.Key(KindUser)
	if !ok || key.ID == 0 {
		return 0, false
	}
	return key.ID, true
}
