// Package schema defines the canonical rows kept by tracksync and the
// bookkeeping that ties them to objects on external servers.
//
// # Records
//
// Story, Reaction, Repo, User and Commit all embed Record, which carries the
// local identity (ID), the generation number used for optimistic
// concurrency (GN), the soft-delete flag and two sync-specific lists:
//
//   - Links: where this row lives on external servers
//   - Exchange: the last value synchronized for each merged field
//
// # Links
//
// A link is keyed by provider type and server ID and holds one Key per
// object kind:
//
//	{
//	  "type": "gitlab",
//	  "server_id": 1,
//	  "keys": {
//	    "project": {"id": 12},
//	    "issue": {"id": 4411, "number": 7}
//	  }
//	}
//
// Two operations refer to the same remote object when provider type, server
// ID and the key for the relevant object kind all match.
//
// # Exchange
//
// Each ImportSnapshot records, per field path, the canonical JSON of the
// value last imported or exported and the policy that was used. The merge
// package compares against it to tell a remote change from a local edit.
//
// # Field accessors
//
// Details are plain structs. Field values the merge engine touches are
// reached only through the Field accessors declared in fields.go, never
// through reflection on arbitrary paths.
package schema
