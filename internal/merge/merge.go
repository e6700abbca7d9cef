// Package merge applies single field values across the boundary between a
// local row and a remote object.
//
// Every applied value is recorded in the row's exchange snapshot for the
// link's (type, server). The snapshot is the last value both sides agreed
// on, which is what lets a merge tell a remote change from a local edit:
//
//	local-now   == snapshot  -> local unchanged since sync, remote may win
//	local-now   != snapshot  -> local edit, match-previous skips the import
//	remote-now  == snapshot  -> remote unchanged since sync, nothing to import
//
// Values are compared by their canonical JSON encoding.
package merge

import (
	"encoding/json"

	"github.com/mschirtzinger/tracksync/internal/schema"
)

// Import applies a remote value to field of rec. It reports whether the
// row changed, either in the field itself or in its snapshot.
//
// A value equal to the stored snapshot is a no-op under every policy: the
// remote side has not changed since the last sync, so nothing it says may
// replace a local edit.
func Import[R schema.Recorder, V any](rec R, field schema.Field[R, V], link schema.ExternalLink, value V, policy schema.Policy) bool {
	base := rec.Base()
	incoming := encode(value)
	zero := zeroOf[V]()

	snap := base.Snapshot(link.Type, link.ServerID)
	if snap != nil {
		if prev, ok := snap.Fields[field.Path]; ok && schema.SameValue(prev.Value, incoming, zero) {
			return false
		}
	}

	if compared, ok := policy.Compared(); ok {
		var prev json.RawMessage
		if snap != nil {
			prev = snap.Fields[compared].Value
		}
		current := encode(field.Get(rec))
		if !schema.SameValue(current, prev, zero) {
			return false
		}
	}

	current := encode(field.Get(rec))
	if !schema.SameValue(current, incoming, zero) {
		field.Set(rec, value)
	}
	record(base, link, field.Path, incoming, policy)
	return true
}

// Export writes value into draftField of draft, the object bound for the
// remote API. The draft holds what the remote side currently has (zero for
// an object not created yet) and a match-previous policy only overwrites it
// while it still equals the snapshot. Reports whether the draft changed.
//
// The snapshot is stored under field's path so that a later import of the
// same value is recognised as a no-op.
func Export[R schema.Recorder, D any, V any](rec R, draft D, field schema.Field[R, V], draftField schema.Field[D, V], link schema.ExternalLink, value V, policy schema.Policy) bool {
	base := rec.Base()
	outgoing := encode(value)
	zero := zeroOf[V]()
	remote := encode(draftField.Get(draft))

	if compared, ok := policy.Compared(); ok {
		var prev json.RawMessage
		if snap := base.Snapshot(link.Type, link.ServerID); snap != nil {
			prev = snap.Fields[compared].Value
		}
		if !schema.SameValue(remote, prev, zero) {
			return false
		}
	}

	record(base, link, field.Path, outgoing, policy)
	if schema.SameValue(remote, outgoing, zero) {
		return false
	}
	draftField.Set(draft, value)
	return true
}

// Forget drops the snapshot of one field, so the next import under a
// match-previous policy treats the local value as unsynchronized unless it
// is the zero value.
func Forget(rec schema.Recorder, link schema.ExternalLink, path string) {
	snap := rec.Base().Snapshot(link.Type, link.ServerID)
	if snap != nil {
		delete(snap.Fields, path)
	}
}

func record(base *schema.Record, link schema.ExternalLink, path string, value json.RawMessage, policy schema.Policy) {
	snap := base.EnsureSnapshot(link.Type, link.ServerID)
	snap.Fields[path] = schema.FieldSnapshot{Value: value, Policy: policy}
}

// encode never fails for the value types reachable through schema.Field
// (strings, string slices, booleans).
func encode(v any) json.RawMessage {
	data, err := schema.Canonical(v)
	if err != nil {
		return nil
	}
	return data
}

func zeroOf[V any]() json.RawMessage {
	var zero V
	return encode(zero)
}
