// Package session holds the in-memory session registry and its expiry reaper.
//
// Store is sharded by token hash with one mutex per record: operations on the
// same session are serialized, operations on different sessions run in parallel.
// Nothing is persisted; a restart drops every session.
package session
