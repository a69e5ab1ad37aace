// internal/storage/models.go
package storage

import "github.com/ssd-technologies/vaultrelay/internal/platform"

// FileRecord is one stored file reachable by its code.
type FileRecord struct {
	Code        string             `json:"code"`
	ProviderRef string             `json:"-"`
	Fingerprint string             `json:"fingerprint"`
	Kind        platform.MediaKind `json:"kind"`
	Name        string             `json:"name"`
	Caption     string             `json:"caption,omitempty"`
	CreatedAt   int64              `json:"created_at"`
	Downloads   int64              `json:"downloads"`
	Active      bool               `json:"active"`
}

// Totals are the aggregate counters behind the stats command.
type Totals struct {
	Files     int64 `json:"files"`
	Downloads int64 `json:"downloads"`
	Users     int64 `json:"users"`
}
