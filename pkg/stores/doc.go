// Package stores persists chunks and section generation records for
// tickstage regions. It provides a SQLite store with embedded migrations and
// WAL mode, a BadgerDB store with value log GC, and an in-memory store for
// tests. All three share the run-length chunk codec in codec.go.
package stores
