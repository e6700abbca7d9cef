// Package richtext renders story content as issue text for the tracker.
package richtext

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/mschirtzinger/tracksync/internal/schema"
)

const maxTitleLength = 80

// MediaResolver turns an attached resource into a public URL.
type MediaResolver interface {
	ResourceURL(res schema.Resource) (string, bool)
}

// BaseURLResolver serves resources with a file name from a media base URL.
// Resources that already carry a URL are returned unchanged.
type BaseURLResolver struct {
	Base string
}

func (r BaseURLResolver) ResourceURL(res schema.Resource) (string, bool) {
	if res.URL != "" {
		return res.URL, true
	}
	if res.Filename == "" || r.Base == "" {
		return "", false
	}
	base, err := url.Parse(strings.TrimRight(r.Base, "/") + "/")
	if err != nil {
		return "", false
	}
	ref, err := url.Parse(url.PathEscape(res.Filename))
	if err != nil {
		return "", false
	}
	return base.ResolveReference(ref).String(), true
}

// Renderer produces issue text.
type Renderer struct {
	Media   MediaResolver
	Phrases *Phrasebook
	Locale  string
}

var referencePattern = regexp.MustCompile(`!\[(image|video|audio|website)(?:-(\d+))?\]`)

// IssueText renders the story text for the tracker. Resource references
// such as ![image] or ![video-2] become [image #1][1] with a footnote
// holding the URL; resources never referenced are appended. When actor is
// not the sole author, the text is prefixed with an attribution naming the
// authors.
func (r *Renderer) IssueText(story *schema.Story, authors []*schema.User, actor *schema.User) string {
	byType := map[schema.ResourceType][]schema.Resource{}
	for _, res := range story.Details.Resources {
		byType[res.Type] = append(byType[res.Type], res)
	}

	type footnote struct {
		number int
		url    string
	}
	notes := map[string]footnote{}
	var order []string

	cite := func(typ schema.ResourceType, index int) (string, bool) {
		list := byType[typ]
		if index < 1 || index > len(list) {
			return "", false
		}
		key := fmt.Sprintf("%s-%d", typ, index)
		label := fmt.Sprintf("%s #%d", r.Phrases.Phrase(r.Locale, "resource."+string(typ), nil), index)
		note, seen := notes[key]
		if !seen {
			u, ok := r.resolve(list[index-1])
			if !ok {
				return "[" + label + "]", true
			}
			note = footnote{number: len(order) + 1, url: u}
			notes[key] = note
			order = append(order, key)
		}
		return fmt.Sprintf("[%s][%d]", label, note.number), true
	}

	referenced := map[string]bool{}
	text := referencePattern.ReplaceAllStringFunc(story.Details.Text, func(match string) string {
		groups := referencePattern.FindStringSubmatch(match)
		typ := schema.ResourceType(groups[1])
		index := 1
		if groups[2] != "" {
			index, _ = strconv.Atoi(groups[2])
		}
		out, ok := cite(typ, index)
		if !ok {
			return match
		}
		referenced[fmt.Sprintf("%s-%d", typ, index)] = true
		return out
	})

	var appended []string
	counts := map[schema.ResourceType]int{}
	for _, res := range story.Details.Resources {
		counts[res.Type]++
		key := fmt.Sprintf("%s-%d", res.Type, counts[res.Type])
		if referenced[key] {
			continue
		}
		if out, ok := cite(res.Type, counts[res.Type]); ok {
			appended = append(appended, out)
		}
	}

	var parts []string
	if prefix := r.Attribution(authors, actor); prefix != "" {
		parts = append(parts, prefix)
	}
	if body := strings.TrimSpace(text); body != "" {
		parts = append(parts, body)
	}
	if len(appended) > 0 {
		parts = append(parts, strings.Join(appended, "\n"))
	}
	if len(order) > 0 {
		lines := make([]string, len(order))
		for i, key := range order {
			lines[i] = fmt.Sprintf("[%d]: %s", notes[key].number, notes[key].url)
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}
	return strings.Join(parts, "\n\n")
}

// Attribution returns the prefix naming the authors, or "" when actor is
// the only author.
func (r *Renderer) Attribution(authors []*schema.User, actor *schema.User) string {
	if len(authors) == 0 {
		return ""
	}
	if actor != nil && len(authors) == 1 && authors[0].ID == actor.ID {
		return ""
	}
	names := make([]string, 0, len(authors))
	for _, u := range authors {
		names = append(names, DisplayName(u))
	}
	return r.Phrases.Phrase(r.Locale, "attribution", map[string]string{
		"names": r.Phrases.JoinNames(r.Locale, names),
	})
}

// IssueTitle returns the story title, or the first line of its text when
// the story has none.
func (r *Renderer) IssueTitle(story *schema.Story) string {
	if title := strings.TrimSpace(story.Details.Title); title != "" {
		return title
	}
	line, _, _ := strings.Cut(strings.TrimSpace(referencePattern.ReplaceAllString(story.Details.Text, "")), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return r.Phrases.Phrase(r.Locale, "untitled", nil)
	}
	if runes := []rune(line); len(runes) > maxTitleLength {
		line = strings.TrimSpace(string(runes[:maxTitleLength-1])) + "…"
	}
	return line
}

// DisplayName is the user's name, or username when no name is set.
func DisplayName(u *schema.User) string {
	if name := strings.TrimSpace(u.Details.Name); name != "" {
		return name
	}
	return u.Username
}

func (r *Renderer) resolve(res schema.Resource) (string, bool) {
	if r.Media == nil {
		if res.URL != "" {
			return res.URL, true
		}
		return "", false
	}
	return r.Media.ResourceURL(res)
}
