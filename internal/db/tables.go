package db

import (
	"context"
	"strings"

	"github.com/mschirtzinger/tracksync/internal/schema"
)

func newStoryTable(db *DB) *Table[*schema.Story] {
	return &Table[*schema.Story]{
		db:      db,
		name:    "stories",
		columns: []string{"type", "repo_id", "user_ids", "published", "public", "details"},
		alloc:   func() *schema.Story { return &schema.Story{} },
		fields: func(s *schema.Story) []any {
			return []any{&s.Type, &s.RepoID, jsonColumn(&s.UserIDs), &s.Published, &s.Public, jsonColumn(&s.Details)}
		},
		validate: (*schema.Story).Validate,
		change: func(s *schema.Story) Change {
			return Change{Published: s.Published, Public: s.Public, UserIDs: s.UserIDs}
		},
	}
}

func newReactionTable(db *DB) *Table[*schema.Reaction] {
	return &Table[*schema.Reaction]{
		db:      db,
		name:    "reactions",
		columns: []string{"type", "story_id", "user_id", "published", "public", "details"},
		alloc:   func() *schema.Reaction { return &schema.Reaction{} },
		fields: func(r *schema.Reaction) []any {
			return []any{&r.Type, &r.StoryID, &r.UserID, &r.Published, &r.Public, jsonColumn(&r.Details)}
		},
		validate: (*schema.Reaction).Validate,
		change: func(r *schema.Reaction) Change {
			return Change{Published: r.Published, Public: r.Public, UserIDs: []int64{r.UserID}, StoryID: r.StoryID}
		},
	}
}

func newRepoTable(db *DB) *Table[*schema.Repo] {
	return &Table[*schema.Repo]{
		db:      db,
		name:    "repos",
		columns: []string{"name", "type", "user_ids", "details"},
		alloc:   func() *schema.Repo { return &schema.Repo{} },
		fields: func(r *schema.Repo) []any {
			return []any{&r.Name, &r.Type, jsonColumn(&r.UserIDs), jsonColumn(&r.Details)}
		},
		validate: (*schema.Repo).Validate,
		change: func(r *schema.Repo) Change {
			return Change{Published: true, Public: true, UserIDs: r.UserIDs}
		},
	}
}

func newUserTable(db *DB) *Table[*schema.User] {
	return &Table[*schema.User]{
		db:      db,
		name:    "users",
		columns: []string{"username", "type", "disabled", "details"},
		alloc:   func() *schema.User { return &schema.User{} },
		fields: func(u *schema.User) []any {
			return []any{&u.Username, &u.Type, &u.Disabled, jsonColumn(&u.Details)}
		},
		validate: (*schema.User).Validate,
		change: func(u *schema.User) Change {
			return Change{Published: true, Public: true, UserIDs: []int64{u.ID}}
		},
	}
}

func newCommitTable(db *DB) *Table[*schema.Commit] {
	return &Table[*schema.Commit]{
		db:      db,
		name:    "commits",
		columns: []string{"hash", "story_id", "repo_ids", "details"},
		alloc:   func() *schema.Commit { return &schema.Commit{} },
		fields: func(c *schema.Commit) []any {
			return []any{&c.Hash, &c.StoryID, jsonColumn(&c.RepoIDs), jsonColumn(&c.Details)}
		},
		validate: (*schema.Commit).Validate,
		change: func(c *schema.Commit) Change {
			return Change{Published: true, Public: true, StoryID: c.StoryID}
		},
	}
}

// FindUserByEmail returns live users whose e-mail matches, ignoring case.
func (db *DB) FindUserByEmail(ctx context.Context, email string) ([]*schema.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}
	return db.Users.query(ctx, "t.deleted = 0 AND lower(json_extract(t.details, '$.email')) = lower(?)", email)
}

// FindUserByUsername returns the live user with the given username, if any.
func (db *DB) FindUserByUsername(ctx context.Context, username string) (*schema.User, bool, error) {
	users, err := db.Users.query(ctx, "t.deleted = 0 AND t.username = ?", username)
	if err != nil || len(users) == 0 {
		return nil, false, err
	}
	return users[0], true, nil
}

// ReactionFilter selects reactions of a story.
type ReactionFilter struct {
	StoryID int64
	// Types restricts to the given types (empty = all)
	Types []schema.ReactionType
	// UserID restricts to one user (0 = all)
	UserID int64
	// IncludeDeleted also returns soft-deleted rows
	IncludeDeleted bool
}

// FindReactions returns the reactions matching the filter.
func (db *DB) FindReactions(ctx context.Context, filter ReactionFilter) ([]*schema.Reaction, error) {
	conds := []string{"t.story_id = ?"}
	args := []any{filter.StoryID}

	if len(filter.Types) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(filter.Types)), ", ")
		conds = append(conds, "t.type IN ("+placeholders+")")
		for _, typ := range filter.Types {
			args = append(args, string(typ))
		}
	}
	if filter.UserID != 0 {
		conds = append(conds, "t.user_id = ?")
		args = append(args, filter.UserID)
	}
	if !filter.IncludeDeleted {
		conds = append(conds, "t.deleted = 0")
	}

	return db.Reactions.query(ctx, strings.Join(conds, " AND "), args...)
}

// FindCommitsByTitleHash returns the commits whose title hashes to hash.
func (db *DB) FindCommitsByTitleHash(ctx context.Context, hash string) ([]*schema.Commit, error) {
	return db.Commits.query(ctx, "t.deleted = 0 AND json_extract(t.details, '$.title_hash') = ?", hash)
}

// FindCommitByHash returns the commit with the given hash, if stored.
func (db *DB) FindCommitByHash(ctx context.Context, hash string) (*schema.Commit, bool, error) {
	commits, err := db.Commits.query(ctx, "t.hash = ?", hash)
	if err != nil || len(commits) == 0 {
		return nil, false, err
	}
	return commits[0], true, nil
}

// ListRepos returns every live repo.
func (db *DB) ListRepos(ctx context.Context) ([]*schema.Repo, error) {
	return db.Repos.query(ctx, "t.deleted = 0")
}
