package object

import (
	"path"
	"strings"
	"time"
)

// Metadata describes a file or directory as the catalog reports it.
// The path is the logical identity of the object; chunk fetches are keyed by it.
type Metadata struct {
	Path         string    `cbor:"1,keyasint,omitempty" json:"path"`          // Absolute, cleaned path of the object
	Size         int64     `cbor:"2,keyasint,omitempty" json:"size"`          // Size in bytes, 0 for directories
	IsDirectory  bool      `cbor:"3,keyasint,omitempty" json:"is_directory"`  // Directory flag
	LastModified time.Time `cbor:"4,keyasint,omitempty" json:"last_modified"` // Last modification time
}

// Name returns the last element of the path.
func (m *Metadata) Name() string {
	return path.Base(m.Path)
}

// CleanPath normalizes p to an absolute slash-separated path.
// It returns "" when p is empty.
func CleanPath(p string) string {
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// IsRoot reports whether p names the catalog root.
func IsRoot(p string) bool {
	return CleanPath(p) == "/"
}
