package schema

// Key holds the identifiers of one remote object. Which fields are set
// depends on the object kind: commits use SHA, issues use ID and Number,
// projects use ID and Name.
type Key struct {
	ID     int64  `json:"id,omitempty"`
	Number int64  `json:"number,omitempty"`
	Name   string `json:"name,omitempty"`
	SHA    string `json:"sha,omitempty"`
}

// IsZero reports whether no identifier is set.
func (k Key) IsZero() bool {
	return k == Key{}
}

// Matches reports whether every identifier set in criteria equals the
// corresponding identifier in k.
func (k Key) Matches(criteria Key) bool {
	if criteria.IsZero() {
		return false
	}
	if criteria.ID != 0 && criteria.ID != k.ID {
		return false
	}
	if criteria.Number != 0 && criteria.Number != k.Number {
		return false
	}
	if criteria.Name != "" && criteria.Name != k.Name {
		return false
	}
	if criteria.SHA != "" && criteria.SHA != k.SHA {
		return false
	}
	return true
}

// union returns k with every non-zero identifier of other copied over.
func (k Key) union(other Key) Key {
	if other.ID != 0 {
		k.ID = other.ID
	}
	if other.Number != 0 {
		k.Number = other.Number
	}
	if other.Name != "" {
		k.Name = other.Name
	}
	if other.SHA != "" {
		k.SHA = other.SHA
	}
	return k
}

// ObjectKeys maps object kinds to their identifiers.
type ObjectKeys map[ObjectKind]Key

// Clone returns an independent copy.
func (ks ObjectKeys) Clone() ObjectKeys {
	if ks == nil {
		return nil
	}
	out := make(ObjectKeys, len(ks))
	for kind, key := range ks {
		out[kind] = key
	}
	return out
}

// ExternalLink ties a row to objects on one external server.
type ExternalLink struct {
	Type     ProviderType `json:"type"`
	ServerID int64        `json:"server_id"`
	Keys     ObjectKeys   `json:"keys,omitempty"`
}

// Key returns the identifiers for kind, if present.
func (l ExternalLink) Key(kind ObjectKind) (Key, bool) {
	key, ok := l.Keys[kind]
	if !ok || key.IsZero() {
		return Key{}, false
	}
	return key, true
}

// Matches reports whether l and criteria point at the same remote object of
// the given kind.
func (l ExternalLink) Matches(criteria ExternalLink, kind ObjectKind) bool {
	if l.Type != criteria.Type || l.ServerID != criteria.ServerID {
		return false
	}
	want, ok := criteria.Key(kind)
	if !ok {
		return false
	}
	have, ok := l.Key(kind)
	if !ok {
		return false
	}
	return have.Matches(want)
}

// Links is the ordered set of external links of a row.
type Links []ExternalLink

// Clone returns an independent copy.
func (ls Links) Clone() Links {
	if ls == nil {
		return nil
	}
	out := make(Links, len(ls))
	for i, l := range ls {
		out[i] = ExternalLink{Type: l.Type, ServerID: l.ServerID, Keys: l.Keys.Clone()}
	}
	return out
}

// ExtendLink builds a link value without touching any record. It is used as
// criteria for lookups by external identity.
func ExtendLink(t ProviderType, serverID int64, keys ObjectKeys) ExternalLink {
	return ExternalLink{Type: t, ServerID: serverID, Keys: keys.Clone()}
}

// FindLink returns the link for the provider type and server. A serverID of
// zero matches any server of that type and the first link wins, so callers
// must pass the server whenever several servers of a type may apply.
func (r *Record) FindLink(t ProviderType, serverID int64) (ExternalLink, bool) {
	for _, l := range r.Links {
		if l.Type != t {
			continue
		}
		if serverID != 0 && l.ServerID != serverID {
			continue
		}
		return l, true
	}
	return ExternalLink{}, false
}

// FindLinkWith returns the first link of the provider type that carries an
// identifier for kind.
func (r *Record) FindLinkWith(t ProviderType, kind ObjectKind) (ExternalLink, bool) {
	for _, l := range r.Links {
		if l.Type != t {
			continue
		}
		if _, ok := l.Key(kind); ok {
			return l, true
		}
	}
	return ExternalLink{}, false
}

// HasLink reports whether the record points at the same remote object of
// kind as criteria.
func (r *Record) HasLink(criteria ExternalLink, kind ObjectKind) bool {
	for _, l := range r.Links {
		if l.Matches(criteria, kind) {
			return true
		}
	}
	return false
}

// InheritLink merges keys into the link for (t, serverID), appending a new
// link when none exists. Kinds absent from keys are kept; for kinds present
// in both, non-zero identifiers in keys overwrite.
func (r *Record) InheritLink(t ProviderType, serverID int64, keys ObjectKeys) ExternalLink {
	for i := range r.Links {
		l := &r.Links[i]
		if l.Type != t || l.ServerID != serverID {
			continue
		}
		if l.Keys == nil {
			l.Keys = make(ObjectKeys, len(keys))
		}
		for kind, key := range keys {
			l.Keys[kind] = l.Keys[kind].union(key)
		}
		return *l
	}

	link := ExtendLink(t, serverID, keys)
	if link.Keys == nil {
		link.Keys = ObjectKeys{}
	}
	r.Links = append(r.Links, link)
	return link
}

// ReplaceKeys overwrites the identifiers for the given kinds on the link for
// (t, serverID). Used when a remote object moves and its old identifiers
// must not survive a deep union.
func (r *Record) ReplaceKeys(t ProviderType, serverID int64, keys ObjectKeys) bool {
	for i := range r.Links {
		l := &r.Links[i]
		if l.Type != t || l.ServerID != serverID {
			continue
		}
		if l.Keys == nil {
			l.Keys = make(ObjectKeys, len(keys))
		}
		for kind, key := range keys {
			l.Keys[kind] = key
		}
		return true
	}
	return false
}

// RemoveLink deletes the link(s) for the provider type and server, along
// with their exchange snapshots. A serverID of zero removes every link of
// the type. Returns the number of links removed.
func (r *Record) RemoveLink(t ProviderType, serverID int64) int {
	kept := r.Links[:0]
	removed := 0
	for _, l := range r.Links {
		if l.Type == t && (serverID == 0 || l.ServerID == serverID) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	r.Links = kept
	if len(r.Links) == 0 {
		r.Links = nil
	}
	r.RemoveSnapshot(t, serverID)
	return removed
}
