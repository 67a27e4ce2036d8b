// Package artifacts manages the shared per-run artifacts directory tasks
// exchange files through.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"maestro/internal/errors"
)

// Dir is one run's shared artifacts directory.
type Dir struct {
	path string
	// whitelist maps task id to the output basenames it may write.
	whitelist map[string]map[string]bool
}

// New ensures the directory exists and returns a handle on it.
func New(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errors.NewResource(err, "artifacts directory")
	}
	return &Dir{path: path, whitelist: map[string]map[string]bool{}}, nil
}

// Path returns the absolute directory path.
func (d *Dir) Path() string { return d.path }

// Allow registers the output basenames a task may write. Tasks without a
// whitelist entry may write anything.
func (d *Dir) Allow(taskID string, outputs []string) {
	set := make(map[string]bool, len(outputs))
	for _, name := range outputs {
		set[filepath.Base(name)] = true
	}
	d.whitelist[taskID] = set
}

// Write stores an artifact on behalf of a task, enforcing its whitelist.
func (d *Dir) Write(taskID, name string, data []byte) error {
	base := filepath.Base(name)
	if base != name || strings.Contains(name, "..") {
		return errors.NewValidation("name", "artifact name %q must be a bare filename", name)
	}
	if allowed, ok := d.whitelist[taskID]; ok && !allowed[base] {
		return errors.NewValidation("name", "task %s may not write artifact %q", taskID, base)
	}
	if err := os.WriteFile(filepath.Join(d.path, base), data, 0o644); err != nil {
		return errors.NewResource(err, "artifact "+base)
	}
	return nil
}

// MissingOutputs returns the declared outputs absent from the directory,
// sorted. An empty result means the task honored its output contract.
func (d *Dir) MissingOutputs(outputs []string) []string {
	var missing []string
	for _, name := range outputs {
		base := filepath.Base(name)
		if _, err := os.Stat(filepath.Join(d.path, base)); err != nil {
			missing = append(missing, base)
		}
	}
	sort.Strings(missing)
	return missing
}

// Entry is one manifest line.
type Entry struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Manifest hashes every artifact and returns sorted entries.
func (d *Dir) Manifest() ([]Entry, error) {
	dirents, err := os.ReadDir(d.path)
	if err != nil {
		return nil, errors.NewResource(err, "artifacts directory")
	}
	var entries []Entry
	for _, de := range dirents {
		if de.IsDir() || de.Name() == manifestName {
			continue
		}
		e, err := hashFile(filepath.Join(d.path, de.Name()))
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

const manifestName = "manifest.json"

// WriteManifest persists the manifest alongside the artifacts.
func (d *Dir) WriteManifest() ([]Entry, error) {
	entries, err := d.Manifest()
	if err != nil {
		return nil, err
	}
	doc := struct {
		GeneratedAt time.Time `json:"generated_at"`
		Artifacts   []Entry   `json:"artifacts"`
	}{GeneratedAt: time.Now().UTC(), Artifacts: entries}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(d.path, manifestName), data, 0o644); err != nil {
		return nil, errors.NewResource(err, "artifact manifest")
	}
	return entries, nil
}

func hashFile(path string) (Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return Entry{}, errors.NewResource(err, "artifact "+filepath.Base(path))
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return Entry{}, errors.NewResource(err, "artifact "+filepath.Base(path))
	}
	return Entry{
		Name:   filepath.Base(path),
		Size:   size,
		SHA256: hex.EncodeToString(h.Sum(nil)),
	}, nil
}
