// Package storage persists the remembered notification configuration and
// an append-only journal of service events.
//
// Two backends are available: "file" (JSON files next to each other) and
// "sqlite" (modernc.org/sqlite, no cgo).
package storage
