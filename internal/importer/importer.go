// Package importer turns events and objects from an external tracker into
// canonical rows without duplicating them.
//
// Identity always goes through links: an importer first looks for the row
// already linked to the remote object and only creates one when none
// exists, so replaying a delivery converges on the same rows. Field values
// go through the merge engine so that local edits survive imports of
// stale remote data.
package importer

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mschirtzinger/tracksync/internal/db"
	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/transport"
)

// Overwrite policies for imported fields.
var (
	PolicyIssueTitle  = schema.MatchPrevious("title")
	PolicyIssueText   = schema.PolicyAlways
	PolicyIssueLabels = schema.MatchPrevious("labels")
	PolicyIssueState  = schema.PolicyAlways
	PolicyNoteText    = schema.PolicyAlways
	PolicyUserName    = schema.MatchPrevious("name")
	PolicyUserEmail   = schema.MatchPrevious("email")
	PolicyUserImage   = schema.PolicyAlways
)

// ProfileImageRetriever fetches a user's avatar and returns the URL it is
// stored under.
type ProfileImageRetriever interface {
	Retrieve(ctx context.Context, server *schema.Server, avatarURL string) (string, error)
}

// AvatarChecker keeps avatars where the tracker serves them, after
// checking they can be reached.
type AvatarChecker struct {
	HTTP *http.Client
}

func (a AvatarChecker) Retrieve(ctx context.Context, server *schema.Server, avatarURL string) (string, error) {
	if avatarURL == "" {
		return "", nil
	}
	ref, err := url.Parse(avatarURL)
	if err != nil {
		return "", err
	}
	base, err := url.Parse(server.URL)
	if err != nil {
		return "", err
	}
	abs := base.ResolveReference(ref).String()

	hc := a.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, abs, nil)
	if err != nil {
		return "", err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", &transport.HTTPError{Status: resp.StatusCode, Method: http.MethodHead, URL: abs}
	}
	return abs, nil
}

// Importer holds the collaborators shared by every import.
type Importer struct {
	db     *db.DB
	client *transport.Client
	images ProfileImageRetriever
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// Option configures an Importer.
type Option func(*Importer)

// WithProfileImages sets the avatar retriever.
func WithProfileImages(r ProfileImageRetriever) Option {
	return func(im *Importer) { im.images = r }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(im *Importer) { im.logger = logger }
}

// New returns an importer writing to database and reading from client.
func New(database *db.DB, client *transport.Client, opts ...Option) *Importer {
	im := &Importer{
		db:     database,
		client: client,
		images: AvatarChecker{},
		logger: zap.NewNop(),
		tracer: otel.Tracer("github.com/mschirtzinger/tracksync/internal/importer"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(im)
	}
	im.logger = im.logger.Named("importer")
	return im
}

// save inserts a new row after applying fn, or re-reads and modifies an
// existing one with conflict retry.
func save[T schema.Recorder](ctx context.Context, table *db.Table[T], row T, fn func(T) (bool, error)) (T, error) {
	if row.Base().ID == 0 {
		if _, err := fn(row); err != nil {
			return row, err
		}
		return row, table.Insert(ctx, row)
	}
	return table.Modify(ctx, row.Base().ID, fn)
}

func serverLink(server *schema.Server, keys schema.ObjectKeys) schema.ExternalLink {
	return schema.ExtendLink(server.Type, server.ID, keys)
}

// linkTo merges keys into the record's link for server and reports
// whether the link changed.
func linkTo(rec schema.Recorder, server *schema.Server, keys schema.ObjectKeys) (schema.ExternalLink, bool) {
	base := rec.Base()
	var before schema.ObjectKeys
	prev, had := base.FindLink(server.Type, server.ID)
	if had {
		before = prev.Keys.Clone()
	}
	link := base.InheritLink(server.Type, server.ID, keys)
	return link, !had || !sameKeys(before, link.Keys)
}

func sameKeys(a, b schema.ObjectKeys) bool {
	if len(a) != len(b) {
		return false
	}
	for kind, key := range a {
		if other, ok := b[kind]; !ok || other != key {
			return false
		}
	}
	return true
}

func projectKeys(project ProjectPayload) schema.ObjectKeys {
	return schema.ObjectKeys{schema.KindProject: {ID: project.ID, Name: project.PathWithNamespace}}
}

// ensureRepo returns the repo linked to the project, creating it on first
// sight.
func (im *Importer) ensureRepo(ctx context.Context, server *schema.Server, project ProjectPayload) (*schema.Repo, error) {
	criteria := serverLink(server, schema.ObjectKeys{schema.KindProject: {ID: project.ID}})
	repos, err := im.db.Repos.FindByLink(ctx, criteria, schema.KindProject)
	if err != nil {
		return nil, err
	}
	if len(repos) > 0 {
		return repos[0], nil
	}

	name := project.PathWithNamespace
	if name == "" {
		name = project.Name
	}
	repo := &schema.Repo{
		Name: name,
		Type: server.Type,
		Details: schema.RepoDetails{
			Title:         project.Name,
			WebURL:        project.WebURL,
			IssuesEnabled: true,
		},
	}
	repo.InheritLink(server.Type, server.ID, projectKeys(project))
	repo.MarkImported(im.now())
	if err := im.db.Repos.Insert(ctx, repo); err != nil {
		return nil, err
	}
	im.logger.Info("repo created from project",
		zap.String("server", server.Name),
		zap.Int64("project", project.ID),
		zap.Int64("repo", repo.ID),
	)
	return repo, nil
}

func appendUnique(ids []int64, id int64) ([]int64, bool) {
	for _, have := range ids {
		if have == id {
			return ids, false
		}
	}
	return append(ids, id), true
}

func isLike(text string) bool {
	switch strings.TrimSpace(text) {
	case "+1", ":+1:", ":thumbsup:", "👍":
		return true
	}
	return false
}
