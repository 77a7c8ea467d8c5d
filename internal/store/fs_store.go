package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// File suffixes of the run artifacts.
const (
	CheckpointSuffix = ".tmp.json"
	FinalSuffix      = ".json"
	TraceSuffix      = ".trace.jsonl"
)

// FSStore implements the Store interface on a flat directory:
// <baseDir>/<name>.tmp.json, <baseDir>/<name>.json and
// <baseDir>/<name>.trace.jsonl.
//
// Thread-safety: writes go to a private temp file that is renamed into
// place, so concurrent readers never see a partial document.
type FSStore struct {
	baseDir string
}

// NewFSStore creates a new filesystem-based store.
// The baseDir will be created if it doesn't exist.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, &WriteError{Path: baseDir, Err: err}
	}
	return &FSStore{baseDir: baseDir}, nil
}

// Dir returns the store directory.
func (fs *FSStore) Dir() string { return fs.baseDir }

func (fs *FSStore) path(name, suffix string) string {
	return filepath.Join(fs.baseDir, name+suffix)
}

// CheckpointPath returns the checkpoint path of run name.
func (fs *FSStore) CheckpointPath(name string) string { return fs.path(name, CheckpointSuffix) }

// FinalPath returns the final document path of run name.
func (fs *FSStore) FinalPath(name string) string { return fs.path(name, FinalSuffix) }

// TracePath returns the stage trace path of run name.
func (fs *FSStore) TracePath(name string) string { return fs.path(name, TraceSuffix) }

func checkName(name string) error {
	if name == "" {
		return fmt.Errorf("run name cannot be empty")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("run name %q must not contain path separators", name)
	}
	return nil
}

// SaveCheckpoint atomically replaces the checkpoint of run name.
func (fs *FSStore) SaveCheckpoint(name string, r *Results) error {
	return fs.save(name, CheckpointSuffix, r)
}

// SaveFinal atomically writes the final document of run name.
func (fs *FSStore) SaveFinal(name string, r *Results) error {
	return fs.save(name, FinalSuffix, r)
}

// save serializes r and writes it through a temp file + rename.
func (fs *FSStore) save(name, suffix string, r *Results) error {
	if err := checkName(name); err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("results cannot be nil")
	}
	finalPath := fs.path(name, suffix)

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return &WriteError{Path: finalPath, Err: fmt.Errorf("serialize: %w", err)}
	}

	tmp, err := os.CreateTemp(fs.baseDir, name+".*.partial")
	if err != nil {
		return &WriteError{Path: finalPath, Err: err}
	}
	tempPath := tmp.Name()
	_, werr := tmp.Write(data)
	if werr == nil {
		werr = tmp.Sync()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tempPath)
		return &WriteError{Path: finalPath, Err: werr}
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return &WriteError{Path: finalPath, Err: err}
	}

	slog.Debug("Results saved", "name", name, "path", finalPath, "models", len(r.Models))
	return nil
}

// LoadCheckpoint retrieves the checkpoint of run name.
func (fs *FSStore) LoadCheckpoint(name string) (*Results, error) {
	return fs.load(name, CheckpointSuffix)
}

// LoadFinal retrieves the final document of run name.
func (fs *FSStore) LoadFinal(name string) (*Results, error) {
	return fs.load(name, FinalSuffix)
}

func (fs *FSStore) load(name, suffix string) (*Results, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	path := fs.path(name, suffix)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &NotFoundError{Name: name}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var r Results
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to deserialize %s: %w", path, err)
	}

	slog.Debug("Results loaded", "name", name, "path", path)
	return &r, nil
}

// runName returns the run name of a document file and whether it is the
// final document.
func runName(file string) (name string, final, ok bool) {
	if n, found := strings.CutSuffix(file, CheckpointSuffix); found {
		return n, false, n != ""
	}
	if strings.HasSuffix(file, TraceSuffix) {
		return "", false, false
	}
	if n, found := strings.CutSuffix(file, FinalSuffix); found {
		return n, true, n != ""
	}
	return "", false, false
}

// ListRuns returns one entry per run, preferring the final document over
// the checkpoint. Runs whose documents cannot be read are skipped.
func (fs *FSStore) ListRuns() ([]RunInfo, error) {
	entries, err := os.ReadDir(fs.baseDir)
	if os.IsNotExist(err) {
		return []RunInfo{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read results directory: %w", err)
	}

	finals := map[string]bool{}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name, final, ok := runName(entry.Name())
		if !ok {
			continue
		}
		if _, seen := finals[name]; !seen {
			names = append(names, name)
		}
		finals[name] = finals[name] || final
	}
	sort.Strings(names)

	infos := []RunInfo{}
	for _, name := range names {
		final := finals[name]
		suffix := CheckpointSuffix
		if final {
			suffix = FinalSuffix
		}
		r, err := fs.load(name, suffix)
		if err != nil {
			slog.Warn("Failed to load results for listing", "name", name, "error", err)
			continue
		}
		info := r.ToInfo(name, final)
		if st, err := os.Stat(fs.path(name, suffix)); err == nil {
			info.ModTime = st.ModTime()
			info.Size = st.Size()
		}
		infos = append(infos, info)
	}

	slog.Debug("Listed runs", "count", len(infos))
	return infos, nil
}

// DeleteRun removes the checkpoint, final document and trace of run name.
func (fs *FSStore) DeleteRun(name string) error {
	if err := checkName(name); err != nil {
		return err
	}

	removed := 0
	for _, suffix := range []string{CheckpointSuffix, FinalSuffix, TraceSuffix} {
		err := os.Remove(fs.path(name, suffix))
		switch {
		case err == nil:
			removed++
		case !os.IsNotExist(err):
			return fmt.Errorf("failed to remove %s: %w", fs.path(name, suffix), err)
		}
	}
	if removed == 0 {
		return &NotFoundError{Name: name}
	}

	slog.Debug("Run deleted", "name", name)
	return nil
}
