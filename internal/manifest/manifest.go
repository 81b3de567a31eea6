// Package manifest keeps the id index of the JSON content store in sync with
// the remote repository tree and serves reads and writes through it.
package manifest

import (
	"sort"
	"strings"
	"time"

	"github.com/congregation-app/backend/internal/github"
)

// DefaultPath is where the manifest lives in the repository.
const DefaultPath = "manifest.json"

// Entry locates one file in the repository.
type Entry struct {
	Path string `json:"path"`
	SHA  string `json:"sha"`
}

// Manifest maps derived ids to repository paths and blob shas.
type Manifest struct {
	LastUpdated time.Time        `json:"lastUpdated"`
	FileCount   int              `json:"fileCount"`
	Files       map[string]Entry `json:"files"`

	// Collisions lists every path that derived to the same id. The
	// lexicographically smallest path owns the id in Files.
	Collisions map[string][]string `json:"collisions,omitempty"`
}

// Lookup returns the entry for id.
func (m *Manifest) Lookup(id string) (Entry, bool) {
	if m == nil || m.Files == nil {
		return Entry{}, false
	}
	e, ok := m.Files[id]
	return e, ok
}

// Build derives a manifest from a tree listing. Only .json blobs other than
// the manifest itself are indexed. Entries are processed in path order so the
// result depends only on the tree contents.
func Build(entries []github.TreeEntry, manifestPath string, now time.Time) *Manifest {
	blobs := make([]github.TreeEntry, 0, len(entries))
	for _, e := range entries {
		if e.Type != "blob" || !strings.HasSuffix(e.Path, ".json") || e.Path == manifestPath {
			continue
		}
		blobs = append(blobs, e)
	}
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].Path < blobs[j].Path })

	m := &Manifest{
		LastUpdated: now.UTC(),
		Files:       make(map[string]Entry, len(blobs)),
	}
	for _, b := range blobs {
		id := DeriveID(b.Path)
		if existing, ok := m.Files[id]; ok {
			if m.Collisions == nil {
				m.Collisions = make(map[string][]string)
			}
			if len(m.Collisions[id]) == 0 {
				m.Collisions[id] = []string{existing.Path}
			}
			m.Collisions[id] = append(m.Collisions[id], b.Path)
			continue
		}
		m.Files[id] = Entry{Path: b.Path, SHA: b.SHA}
	}
	m.FileCount = len(m.Files)

	return m
}
