package applier

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-autofix/internal/patch"
)

// Workspace is a scratch copy of the files a fix changes. Gates read the
// patched content from here or through an overlay; live files are never
// written during validation.
type Workspace struct {
	Root    string
	Dir     string
	Changes []patch.FileChange

	live    map[string]string
	scratch map[string]string
	overlay string
}

// NewWorkspace writes the patched content of every change to a fresh
// scratch directory.
func NewWorkspace(root string, changes []patch.FileChange) (*Workspace, error) {
	dir, err := os.MkdirTemp("", "scalpel-autofix-ws-")
	if err != nil {
		return nil, fmt.Errorf("could not create scratch directory: %w", err)
	}
	ws := &Workspace{
		Root:    root,
		Dir:     dir,
		Changes: changes,
		live:    make(map[string]string, len(changes)),
		scratch: make(map[string]string, len(changes)),
	}
	for _, c := range changes {
		live, err := livePath(root, c.Path)
		if err != nil {
			ws.Close()
			return nil, err
		}
		scratch := filepath.Join(dir, "files", filepath.FromSlash(c.Path))
		if err := os.MkdirAll(filepath.Dir(scratch), 0o755); err != nil {
			ws.Close()
			return nil, fmt.Errorf("could not prepare scratch copy of %s: %w", c.Path, err)
		}
		if err := os.WriteFile(scratch, c.After, 0o644); err != nil {
			ws.Close()
			return nil, fmt.Errorf("could not write scratch copy of %s: %w", c.Path, err)
		}
		ws.live[c.Path] = live
		ws.scratch[c.Path] = scratch
	}
	return ws, nil
}

// Live is the absolute live path of a changed file.
func (w *Workspace) Live(rel string) string { return w.live[rel] }

// Scratch is the absolute path of the patched copy of a changed file.
func (w *Workspace) Scratch(rel string) string { return w.scratch[rel] }

// Overlay maps live paths to their patched content, the form go/packages
// accepts.
func (w *Workspace) Overlay() map[string][]byte {
	out := make(map[string][]byte, len(w.Changes))
	for _, c := range w.Changes {
		out[w.live[c.Path]] = c.After
	}
	return out
}

// OverlayFile writes the overlay description understood by the go command's
// -overlay flag and returns its path.
func (w *Workspace) OverlayFile() (string, error) {
	if w.overlay != "" {
		return w.overlay, nil
	}
	replace := make(map[string]string, len(w.scratch))
	for rel, scratch := range w.scratch {
		replace[w.live[rel]] = scratch
	}
	raw, err := json.Marshal(map[string]any{"Replace": replace})
	if err != nil {
		return "", fmt.Errorf("failed to encode overlay: %w", err)
	}
	path := filepath.Join(w.Dir, "overlay.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("failed to write overlay: %w", err)
	}
	w.overlay = path
	return path, nil
}

// Close removes the scratch directory.
func (w *Workspace) Close() {
	_ = os.RemoveAll(w.Dir)
}
