package schema

import (
	"fmt"
	"net/url"
	"time"
)

// ServerSettings control how a server participates in synchronization.
type ServerSettings struct {
	AcceptNewUsers bool     `json:"accept_new_users" toml:"accept_new_users"`
	NewUserType    UserType `json:"new_user_type,omitempty" toml:"new_user_type"`
	WebhookToken   string   `json:"webhook_token,omitempty" toml:"webhook_token"`
	MediaBaseURL   string   `json:"media_base_url,omitempty" toml:"media_base_url"`
}

// ServerCredentials authenticate API calls.
type ServerCredentials struct {
	Token string `json:"token,omitempty" toml:"token"`
	OAuth bool   `json:"oauth,omitempty" toml:"oauth"`
}

// Server is an external system rows may be linked to.
type Server struct {
	ID          int64             `json:"id" toml:"id"`
	Type        ProviderType      `json:"type" toml:"type"`
	Name        string            `json:"name" toml:"name"`
	URL         string            `json:"url" toml:"url"`
	Version     string            `json:"version,omitempty" toml:"version"`
	Disabled    bool              `json:"disabled" toml:"disabled"`
	Settings    ServerSettings    `json:"settings" toml:"settings"`
	Credentials ServerCredentials `json:"credentials" toml:"credentials"`
	CTime       time.Time         `json:"ctime" toml:"-"`
	MTime       time.Time         `json:"mtime" toml:"-"`
}

// Validate checks if the Server has valid field values
func (s *Server) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Type == "" {
		return fmt.Errorf("type is required")
	}
	if s.URL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(s.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid url: %s", s.URL)
	}
	if s.Settings.NewUserType != "" && !s.Settings.NewUserType.Valid() {
		return fmt.Errorf("invalid new_user_type: %s", s.Settings.NewUserType)
	}
	return nil
}

// NewUserRole returns the role given to users created on import.
func (s *Server) NewUserRole() UserType {
	if s.Settings.NewUserType.Valid() {
		return s.Settings.NewUserType
	}
	return UserGuest
}
