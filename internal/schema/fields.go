package schema

// Field is a typed accessor for one mergeable value of T. Path names the
// value in exchange snapshots.
type Field[T any, V any] struct {
	Path string
	Get  func(T) V
	Set  func(T, V)
}

var (
	StoryTitle = Field[*Story, string]{
		Path: "title",
		Get:  func(s *Story) string { return s.Details.Title },
		Set:  func(s *Story, v string) { s.Details.Title = v },
	}
	StoryText = Field[*Story, string]{
		Path: "text",
		Get:  func(s *Story) string { return s.Details.Text },
		Set:  func(s *Story, v string) { s.Details.Text = v },
	}
	StoryLabels = Field[*Story, []string]{
		Path: "labels",
		Get:  func(s *Story) []string { return s.Details.Labels },
		Set:  func(s *Story, v []string) { s.Details.Labels = append([]string(nil), v...) },
	}
	StoryState = Field[*Story, string]{
		Path: "state",
		Get:  func(s *Story) string { return s.Details.State },
		Set:  func(s *Story, v string) { s.Details.State = v },
	}

	ReactionText = Field[*Reaction, string]{
		Path: "text",
		Get:  func(r *Reaction) string { return r.Details.Text },
		Set:  func(r *Reaction, v string) { r.Details.Text = v },
	}

	UserName = Field[*User, string]{
		Path: "name",
		Get:  func(u *User) string { return u.Details.Name },
		Set:  func(u *User, v string) { u.Details.Name = v },
	}
	UserEmail = Field[*User, string]{
		Path: "email",
		Get:  func(u *User) string { return u.Details.Email },
		Set:  func(u *User, v string) { u.Details.Email = v },
	}
	UserImage = Field[*User, string]{
		Path: "image",
		Get: func(u *User) string {
			if u.Details.ProfileImage == nil {
				return ""
			}
			return u.Details.ProfileImage.URL
		},
		Set: func(u *User, v string) {
			if v == "" {
				u.Details.ProfileImage = nil
				return
			}
			u.Details.ProfileImage = &Resource{Type: ResourceImage, URL: v}
		},
	}
)

// FieldPaths lists every path that may appear in an exchange snapshot.
var FieldPaths = map[string]bool{
	StoryTitle.Path:  true,
	StoryText.Path:   true,
	StoryLabels.Path: true,
	StoryState.Path:  true,
	UserName.Path:    true,
	UserEmail.Path:   true,
	UserImage.Path:   true,
}
