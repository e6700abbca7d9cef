package config

import (
	"context"
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/mschirtzinger/tracksync/internal/schema"
)

// ServerFile is the TOML seed file layout:
//
//	[[server]]
//	name = "gitlab-main"
//	type = "gitlab"
//	url = "https://gitlab.example.com"
//	version = "16.4.0"
//
//	[server.settings]
//	accept_new_users = true
//	webhook_token = "..."
//
//	[server.credentials]
//	token = "..."
type ServerFile struct {
	Servers []schema.Server `toml:"server"`
}

// ServerStore persists servers by name; *db.DB implements it.
type ServerStore interface {
	UpsertServer(ctx context.Context, s *schema.Server) error
}

// LoadServers decodes and validates a seed file. Unknown keys are an error
// so typos do not silently drop settings.
func LoadServers(path string) ([]schema.Server, error) {
	var f ServerFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown keys %v", path, undecoded)
	}

	seen := make(map[string]bool, len(f.Servers))
	for i := range f.Servers {
		s := &f.Servers[i]
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("%s: server %d: %w", path, i+1, err)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("%s: duplicate server %q", path, s.Name)
		}
		seen[s.Name] = true
	}
	return f.Servers, nil
}

// SeedServers loads path and upserts every server in it, returning the
// stored servers with their ids.
func SeedServers(ctx context.Context, store ServerStore, path string) ([]schema.Server, error) {
	servers, err := LoadServers(path)
	if err != nil {
		return nil, err
	}
	for i := range servers {
		if err := store.UpsertServer(ctx, &servers[i]); err != nil {
			return nil, fmt.Errorf("failed to store server %s: %w", servers[i].Name, err)
		}
	}
	return servers, nil
}
