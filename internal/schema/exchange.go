package schema

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Policy is the overwrite rule applied when a field is merged.
type Policy string

const (
	// PolicyAlways applies the incoming value unconditionally.
	PolicyAlways Policy = "always"

	matchPreviousPrefix = "match-previous:"
)

// MatchPrevious returns a policy that only applies an incoming value while
// the current value still equals the snapshot stored under field.
func MatchPrevious(field string) Policy {
	return Policy(matchPreviousPrefix + field)
}

// Compared returns the snapshot field a match-previous policy compares
// against, and false for any other policy.
func (p Policy) Compared() (string, bool) {
	field, ok := strings.CutPrefix(string(p), matchPreviousPrefix)
	if !ok || field == "" {
		return "", false
	}
	return field, true
}

// Valid reports whether p is a recognised policy.
func (p Policy) Valid() bool {
	if p == PolicyAlways {
		return true
	}
	_, ok := p.Compared()
	return ok
}

// FieldSnapshot is the last synchronized value of one field.
type FieldSnapshot struct {
	Value  json.RawMessage `json:"value"`
	Policy Policy          `json:"policy"`
}

// ImportSnapshot holds the synchronized field values for one server.
type ImportSnapshot struct {
	Type     ProviderType             `json:"type"`
	ServerID int64                    `json:"server_id"`
	Fields   map[string]FieldSnapshot `json:"fields,omitempty"`
}

// Exchange is the set of snapshots of a row, one per (type, server).
type Exchange []ImportSnapshot

// Clone returns an independent copy.
func (ex Exchange) Clone() Exchange {
	if ex == nil {
		return nil
	}
	out := make(Exchange, len(ex))
	for i, s := range ex {
		fields := make(map[string]FieldSnapshot, len(s.Fields))
		for path, f := range s.Fields {
			fields[path] = FieldSnapshot{Value: append(json.RawMessage(nil), f.Value...), Policy: f.Policy}
		}
		out[i] = ImportSnapshot{Type: s.Type, ServerID: s.ServerID, Fields: fields}
	}
	return out
}

// Snapshot returns the snapshot for (t, serverID), or nil.
func (r *Record) Snapshot(t ProviderType, serverID int64) *ImportSnapshot {
	for i := range r.Exchange {
		s := &r.Exchange[i]
		if s.Type == t && s.ServerID == serverID {
			return s
		}
	}
	return nil
}

// EnsureSnapshot returns the snapshot for (t, serverID), creating it when
// missing.
func (r *Record) EnsureSnapshot(t ProviderType, serverID int64) *ImportSnapshot {
	if s := r.Snapshot(t, serverID); s != nil {
		if s.Fields == nil {
			s.Fields = map[string]FieldSnapshot{}
		}
		return s
	}
	r.Exchange = append(r.Exchange, ImportSnapshot{
		Type:     t,
		ServerID: serverID,
		Fields:   map[string]FieldSnapshot{},
	})
	return &r.Exchange[len(r.Exchange)-1]
}

// RemoveSnapshot drops the snapshot(s) for the type and server. A serverID
// of zero drops every snapshot of the type.
func (r *Record) RemoveSnapshot(t ProviderType, serverID int64) {
	kept := r.Exchange[:0]
	for _, s := range r.Exchange {
		if s.Type == t && (serverID == 0 || s.ServerID == serverID) {
			continue
		}
		kept = append(kept, s)
	}
	r.Exchange = kept
	if len(r.Exchange) == 0 {
		r.Exchange = nil
	}
}

// Canonical encodes v as canonical JSON. Nil slices and empty slices encode
// identically so that a missing label list compares equal to an empty one.
func Canonical(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case []string:
		if t == nil {
			v = []string{}
		}
	case json.RawMessage:
		var buf bytes.Buffer
		if err := json.Compact(&buf, t); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return json.Marshal(v)
}

// SameValue reports whether two canonical encodings are equal. An empty
// encoding stands for the zero value of the field and equals zero.
func SameValue(a, b, zero json.RawMessage) bool {
	if len(a) == 0 {
		a = zero
	}
	if len(b) == 0 {
		b = zero
	}
	return bytes.Equal(a, b)
}
