// Package snapshot implements the snapshot store (component C5): a
// durable, content-addressed, tabular serialization of a tenant's
// edge set, with bounded hot retention and a cold-storage handoff for
// older versions.
package snapshot

import "time"

// FileManifest describes one CSV file belonging to a snapshot.
type FileManifest struct {
	EdgeType string `json:"edgeType"`
	Path     string `json:"path"`
	Digest   string `json:"digest"` // hex blake2b-256 of the file's bytes
	Rows     int    `json:"rows"`
}

// Manifest stamps a snapshot with the mutation-log version it reflects
// and a content digest over all of its files, so a client can detect
// corruption in transit. Parse errors during load are fatal; a digest
// mismatch is a further, earlier-catching trigger for the same fatal
// treatment.
type Manifest struct {
	Version   uint64         `json:"version"`
	CreatedAt time.Time      `json:"createdAt"`
	Digest    string         `json:"digest"` // hex blake2b-256 over each file's EdgeType followed by its Digest, in Files order
	Files     []FileManifest `json:"files"`
}
