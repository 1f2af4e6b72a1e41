package children

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Staging implements the file-transfer staging area (spec.md §3): a local
// directory rooted at a single path, holding artifacts exchanged with child
// devices under <root>/<child-id>/<operation>/<artifact-id>. Download
// artifacts are content-addressed by a hash of the source URL so repeated
// requests for the same remote resource reuse one staged file.
type Staging struct {
	root    string
	baseURL string // URL prefix served by the on-device file-transfer HTTP service
}

// NewStaging returns a Staging rooted at root, serving staged files under
// baseURL (e.g. "http://localhost:8000/tedge/file-transfer").
func NewStaging(root, baseURL string) *Staging {
	return &Staging{root: root, baseURL: strings.TrimRight(baseURL, "/")}
}

// ReserveDownload returns the path a download artifact will be written to
// for a child update operation, creating the containing directory.
func (s *Staging) ReserveDownload(childID, op, sourceURL string) (string, error) {
	dir := filepath.Join(s.root, childID, op)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("children: stage download dir: %w", err)
	}
	sum := sha256.Sum256([]byte(sourceURL))
	artifactID := hex.EncodeToString(sum[:8])
	return filepath.Join(dir, artifactID), nil
}

// ReserveUpload returns the path a child's uploaded artifact (a config
// snapshot or log file) will be written to. The path is deterministic from
// (child-id, op, cmd-id) since there is no source URL to hash.
func (s *Staging) ReserveUpload(childID, op, cmdID string) (string, error) {
	dir := filepath.Join(s.root, childID, op)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("children: stage upload dir: %w", err)
	}
	return filepath.Join(dir, cmdID), nil
}

// ServeURL maps a staged filesystem path to the URL a child device uses to
// fetch or post the artifact through the local file-transfer service.
func (s *Staging) ServeURL(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	return s.baseURL + "/" + filepath.ToSlash(rel)
}

// Cleanup best-effort removes a staged artifact after a terminal response.
// A missing file is not an error: it may never have been written (a failed
// upload) or already swept.
func (s *Staging) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Sweep removes every staged file under root that is not in active,
// identified by absolute path. This runs once on startup: a prior run's
// artifacts for operations that never reached a terminal response would
// otherwise accumulate forever (spec.md §3, "an orphan-sweep on startup is
// required"). It returns the number of files removed.
func (s *Staging) Sweep(active map[string]struct{}) (int, error) {
	removed := 0
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, keep := active[path]; keep {
			return nil
		}
		if rmErr := os.Remove(path); rmErr == nil {
			removed++
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return removed, fmt.Errorf("children: orphan sweep: %w", err)
	}
	return removed, nil
}
