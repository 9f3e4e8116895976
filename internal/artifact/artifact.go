// Package artifact detects a step's declared creates on disk after a
// handler reports success, and writes the human-readable task manifest
// summarizing a workflow run's artifacts.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"

	sdlcerrors "github.com/sdlcflow/sdlcflow/internal/errors"
	"github.com/sdlcflow/sdlcflow/internal/types"
)

// Detector resolves a step's declared `creates` names to files under a
// root directory (typically the step's worktree), verifying they exist
// and computing checksums when the step requests them.
type Detector struct {
	// Root is the directory creates patterns are resolved relative to.
	Root string
}

// NewDetector returns a Detector rooted at root.
func NewDetector(root string) *Detector {
	return &Detector{Root: root}
}

// Detect resolves every name in step.Creates against the handler's
// reported Produced map first (a handler that names the exact path it
// wrote is authoritative), falling back to treating the name itself as a
// glob pattern under Root for handlers that don't report Produced. It
// returns an Artifact for each creates name that resolves to a file;
// names that resolve to nothing are left out, and also produce an error
// when step.AllowEmpty is false.
func (d *Detector) Detect(step *types.Step, produced map[string]string, createdBy string, now time.Time) (map[string]*types.Artifact, error) {
	out := make(map[string]*types.Artifact, len(step.Creates))
	var missing []string

	for _, name := range step.Creates {
		path, ok := produced[name]
		if !ok {
			resolved, err := d.resolveGlob(name)
			if err != nil {
				missing = append(missing, name)
				continue
			}
			path = resolved
		}

		absPath := path
		if !filepath.IsAbs(absPath) {
			absPath = filepath.Join(d.Root, path)
		}
		info, err := os.Stat(absPath)
		if err != nil || info.IsDir() {
			missing = append(missing, name)
			continue
		}

		a := &types.Artifact{
			Name:      name,
			Path:      path,
			Status:    types.ArtifactComplete,
			CreatedBy: createdBy,
			CreatedAt: now,
		}
		if step.Checksum {
			sum, err := checksumFile(absPath)
			if err != nil {
				return nil, sdlcerrors.Wrap(sdlcerrors.CodeArtifactMissing, sdlcerrors.KindHandlerFatal, "checksumming artifact "+name, err)
			}
			a.Checksum = sum
		}
		out[name] = a
	}

	if len(missing) > 0 && !step.AllowEmpty {
		return out, sdlcerrors.ArtifactMissing(step.ID, missing)
	}
	return out, nil
}

// resolveGlob treats name as a doublestar pattern relative to Root and
// returns the first (lexicographically smallest) match, erroring if none
// exists. Multiple matches are allowed — e.g. `src/**/*.go` — but only
// the first is registered as the named artifact's representative path;
// full multi-file artifact sets are outside this detector's scope.
func (d *Detector) resolveGlob(pattern string) (string, error) {
	matches, err := doublestar.Glob(os.DirFS(d.Root), pattern)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no file matched pattern %q under %s", pattern, d.Root)
	}
	sort.Strings(matches)
	return matches[0], nil
}

// checksumFile computes the xxhash64 of a file's contents, encoded the
// same way the state store encodes its snapshot checksums.
func checksumFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data)), nil
}

// MatchesPattern reports whether path matches a creates-style doublestar
// pattern without touching the filesystem. The workflow parser does not
// call it; creates patterns are only checked when Detect resolves them.
func MatchesPattern(pattern, path string) (bool, error) {
	return doublestar.Match(pattern, path)
}
