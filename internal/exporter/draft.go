package exporter

import (
	"strings"

	"github.com/mschirtzinger/tracksync/internal/merge"
	"github.com/mschirtzinger/tracksync/internal/richtext"
	"github.com/mschirtzinger/tracksync/internal/schema"
)

// Overwrite policies for exported fields.
var (
	PolicyTitle  = schema.MatchPrevious("title")
	PolicyText   = schema.PolicyAlways
	PolicyLabels = schema.MatchPrevious("labels")
	PolicyState  = schema.PolicyAlways
)

// remoteIssue is an issue as returned by the issues API.
type remoteIssue struct {
	ID          int64    `json:"id"`
	IID         int64    `json:"iid"`
	ProjectID   int64    `json:"project_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	State       string   `json:"state"`
	Labels      []string `json:"labels"`
	WebURL      string   `json:"web_url"`
}

func (r *remoteIssue) keys(project schema.Key) schema.ObjectKeys {
	if project.ID == 0 {
		project.ID = r.ProjectID
	}
	return schema.ObjectKeys{
		schema.KindProject: project,
		schema.KindIssue:   {ID: r.ID, Number: r.IID},
	}
}

// IssueDraft is the issue as it should look remotely. It starts from the
// remote issue and the merge engine writes local values into it.
type IssueDraft struct {
	Title       string
	Description string
	Labels      []string
	State       string

	changed map[string]bool
}

func draftOf(r *remoteIssue) *IssueDraft {
	d := &IssueDraft{}
	if r != nil {
		d.Title = r.Title
		d.Description = r.Description
		d.Labels = append([]string(nil), r.Labels...)
		d.State = r.State
	}
	return d
}

var (
	draftTitle = schema.Field[*IssueDraft, string]{
		Path: "title",
		Get:  func(d *IssueDraft) string { return d.Title },
		Set:  func(d *IssueDraft, v string) { d.Title = v; d.mark("title") },
	}
	draftDescription = schema.Field[*IssueDraft, string]{
		Path: "description",
		Get:  func(d *IssueDraft) string { return d.Description },
		Set:  func(d *IssueDraft, v string) { d.Description = v; d.mark("description") },
	}
	draftLabels = schema.Field[*IssueDraft, []string]{
		Path: "labels",
		Get:  func(d *IssueDraft) []string { return d.Labels },
		Set:  func(d *IssueDraft, v []string) { d.Labels = append([]string(nil), v...); d.mark("labels") },
	}
	draftState = schema.Field[*IssueDraft, string]{
		Path: "state",
		Get:  func(d *IssueDraft) string { return d.State },
		Set:  func(d *IssueDraft, v string) { d.State = v; d.mark("state") },
	}
)

func (d *IssueDraft) mark(field string) {
	if d.changed == nil {
		d.changed = map[string]bool{}
	}
	d.changed[field] = true
}

// Changed reports whether any field differs from the remote issue.
func (d *IssueDraft) Changed() bool {
	return len(d.changed) > 0
}

// body returns the API parameters for the changed fields, or for every
// field when all is set.
func (d *IssueDraft) body(all bool) map[string]any {
	b := map[string]any{}
	if all || d.changed["title"] {
		b["title"] = d.Title
	}
	if all || d.changed["description"] {
		b["description"] = d.Description
	}
	if all || d.changed["labels"] {
		b["labels"] = strings.Join(d.Labels, ",")
	}
	if d.changed["state"] {
		switch d.State {
		case "closed":
			b["state_event"] = "close"
		case "opened":
			b["state_event"] = "reopen"
		}
	}
	return b
}

// content is the local side of an export, rendered once per run.
type content struct {
	title  string
	text   string
	labels []string
	state  string
}

func render(r *richtext.Renderer, story *schema.Story, authors []*schema.User, actor *schema.User) content {
	return content{
		title:  r.IssueTitle(story),
		text:   r.IssueText(story, authors, actor),
		labels: story.Details.Labels,
		state:  story.Details.State,
	}
}

// apply runs the merge engine over every exported field, writing local
// values into draft and the exchanged values into the story's snapshot.
func (c content) apply(story *schema.Story, draft *IssueDraft, link schema.ExternalLink) {
	merge.Export(story, draft, schema.StoryTitle, draftTitle, link, c.title, PolicyTitle)
	merge.Export(story, draft, schema.StoryText, draftDescription, link, c.text, PolicyText)
	merge.Export(story, draft, schema.StoryLabels, draftLabels, link, c.labels, PolicyLabels)
	if c.state != "" {
		merge.Export(story, draft, schema.StoryState, draftState, link, c.state, PolicyState)
	}
}
