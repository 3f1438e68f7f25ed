// Package memory builds the structural summary of a session's files that is
// embedded in the system message before every model call.
package memory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/nstogner/officeagent/pkg/domain"
	"github.com/nstogner/officeagent/pkg/files"
)

// ImagesKey is the snapshot entry listing images in the files directory.
const ImagesKey = "Images"

// Snapshot maps a file name to its labels: slide labels for decks, sheet
// names for workbooks, or a single "Error: ..." placeholder when the file
// could not be read.
type Snapshot struct {
	Files  map[string][]string `json:"files"`
	Images []string            `json:"images"`
}

// Equal reports whether two snapshots describe the same structure.
func (s Snapshot) Equal(o Snapshot) bool {
	if len(s.Files) != len(o.Files) || !slices.Equal(s.Images, o.Images) {
		return false
	}
	for name, labels := range s.Files {
		other, ok := o.Files[name]
		if !ok || !slices.Equal(labels, other) {
			return false
		}
	}
	return true
}

// MarshalJSON renders {"Memory": {name: labels, "Images": [...]}}.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	mem := make(map[string][]string, len(s.Files)+1)
	for name, labels := range s.Files {
		mem[name] = labels
	}
	if len(s.Images) > 0 {
		mem[ImagesKey] = s.Images
	}
	return json.Marshal(map[string]any{"Memory": mem})
}

// Builder produces snapshots and path mappings for a session.
type Builder struct {
	// FilesDir is scanned for images. Empty disables the Images entry.
	FilesDir string
}

// Snapshot reads the structure of every referenced file. Read failures
// become placeholders and never fail the build.
func (b *Builder) Snapshot(refs []domain.FileRef) Snapshot {
	snap := Snapshot{Files: make(map[string][]string, len(refs))}
	for _, ref := range refs {
		labels, err := structure(ref)
		if err != nil {
			slog.Debug("Snapshot placeholder", "path", ref.Path, "error", err)
			labels = []string{"Error: " + err.Error()}
		}
		snap.Files[ref.Name()] = labels
	}

	if b.FilesDir != "" {
		images, err := files.ListImages(b.FilesDir)
		if err != nil {
			slog.Warn("Failed to list images", "dir", b.FilesDir, "error", err)
		}
		snap.Images = images
	}
	return snap
}

func structure(ref domain.FileRef) ([]string, error) {
	switch ref.Kind {
	case domain.FileKindSlide:
		n, err := files.SlideCount(ref.Path)
		if err != nil {
			return nil, err
		}
		labels := make([]string, n)
		for i := range labels {
			labels[i] = fmt.Sprintf("Slide %d", i+1)
		}
		return labels, nil
	case domain.FileKindSheet:
		return files.SheetNames(ref.Path)
	default:
		return nil, fmt.Errorf("unsupported file kind %q", ref.Kind)
	}
}

// Paths maps each referenced file's base name to its path. A later ref
// with the same name wins.
type Paths map[string]string

// NewPaths builds the name to path mapping for refs.
func NewPaths(refs []domain.FileRef) Paths {
	p := make(Paths, len(refs))
	for _, ref := range refs {
		p[ref.Name()] = ref.Path
	}
	return p
}

// Resolve turns a tool argument into a path. Mapped names resolve to their
// path; an unmapped relative path that does not exist is looked up in
// filesDir; anything else is returned unchanged.
func (p Paths) Resolve(arg, filesDir string) string {
	if path, ok := p[arg]; ok {
		return path
	}
	if _, err := os.Stat(arg); err == nil {
		return arg
	}
	if path, ok := p[filepath.Base(arg)]; ok {
		return path
	}
	if filesDir != "" && !filepath.IsAbs(arg) {
		candidate := filepath.Join(filesDir, filepath.Base(arg))
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return arg
}
