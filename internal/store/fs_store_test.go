package store

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/strao1986/mixer/internal/codec"
	"github.com/strao1986/mixer/internal/fit"
	"github.com/strao1986/mixer/internal/params"
)

// setupTestStore creates a temporary directory and returns an FSStore for testing.
func setupTestStore(t *testing.T) (*FSStore, string) {
	t.Helper()

	tempDir := t.TempDir()
	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	return store, tempDir
}

func testModelResult(cost float64) *fit.ModelResult {
	return &fit.ModelResult{
		Params: &params.Record{
			Type:      params.RecordType,
			Pi:        codec.Floats{1},
			Sig2Beta:  codec.Floats{3e-5},
			Sig2Zero:  1.02,
			Sig2Annot: codec.Floats{1},
			AnnoNames: []string{"base"},
		},
		Optimize: []fit.OptimizeResult{
			{Stage: fit.StageGlobalFast, X: codec.Floats{-10.4, 0.02}, Cost: codec.Float(cost + 1), Converged: true},
			{Stage: fit.StageLocalFast, X: codec.Floats{-10.5, 0.02}, Cost: codec.Float(cost), Converged: true},
		},
		AnnotEnrich: codec.Floats{1},
		AnnotH2:     codec.Floats{0.2},
	}
}

// createTestResults creates a document with test data.
func createTestResults(runID string) *Results {
	r := NewResults(runID, Options{
		Settings:    map[string]any{"seed": 123.0},
		TotalHet:    812.5,
		NumSNP:      4,
		NumTag:      4,
		SumWeights:  3,
		TraitNVal:   50000,
		AnnoNames:   []string{"base", "coding"},
		TimeStarted: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	})
	r.Weights = codec.Floats{1, 1, 1}
	r.ZVec1 = codec.Floats{0.3, -2.2, math.Inf(1)}
	r.Models[1] = testModelResult(1234.5)
	return r
}

func TestNewFSStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")

	store, err := NewFSStore(dir)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	if store.Dir() != dir {
		t.Errorf("Dir() = %s, want %s", store.Dir(), dir)
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		t.Fatal("Base directory was not created")
	}
}

func TestSaveCheckpoint(t *testing.T) {
	store, tempDir := setupTestStore(t)

	if err := store.SaveCheckpoint("trait", createTestResults("run-1")); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	expectedPath := filepath.Join(tempDir, "trait.tmp.json")
	if _, err := os.Stat(expectedPath); os.IsNotExist(err) {
		t.Fatalf("Checkpoint file was not created at %s", expectedPath)
	}

	// Only the checkpoint should remain; no partial files.
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected 1 file after save, found %d", len(entries))
	}
}

func TestSaveCheckpoint_InvalidName(t *testing.T) {
	store, _ := setupTestStore(t)

	for _, name := range []string{"", "a/b", ".."} {
		if err := store.SaveCheckpoint(name, createTestResults("run-1")); err == nil {
			t.Errorf("Expected error for name %q", name)
		}
	}
}

func TestSaveCheckpoint_NilResults(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.SaveCheckpoint("trait", nil); err == nil {
		t.Fatal("Expected error for nil results")
	}
}

func TestSave_WriteErrorMatchesErrIO(t *testing.T) {
	store, tempDir := setupTestStore(t)

	// A directory in place of the final file makes the rename fail.
	if err := os.Mkdir(filepath.Join(tempDir, "trait.json"), 0755); err != nil {
		t.Fatal(err)
	}
	err := store.SaveFinal("trait", createTestResults("run-1"))
	if !errors.Is(err, ErrIO) {
		t.Fatalf("Expected ErrIO, got %v", err)
	}
	var werr *WriteError
	if !errors.As(err, &werr) || werr.Path != filepath.Join(tempDir, "trait.json") {
		t.Errorf("Expected WriteError naming the final path, got %v", err)
	}
}

func TestSaveCheckpoint_Overwrite(t *testing.T) {
	store, _ := setupTestStore(t)

	first := createTestResults("run-1")
	second := createTestResults("run-1")
	second.Models[3] = testModelResult(900)

	if err := store.SaveCheckpoint("trait", first); err != nil {
		t.Fatalf("First save failed: %v", err)
	}
	if err := store.SaveCheckpoint("trait", second); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}

	loaded, err := store.LoadCheckpoint("trait")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := loaded.Completed(); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("Expected models [1 3], got %v", got)
	}
}

func TestLoadCheckpoint(t *testing.T) {
	store, _ := setupTestStore(t)
	original := createTestResults("run-42")

	if err := store.SaveCheckpoint("trait", original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := store.LoadCheckpoint("trait")
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}

	if loaded.RunID != "run-42" || loaded.Analysis != AnalysisName {
		t.Errorf("Metadata mismatch: run_id=%s analysis=%s", loaded.RunID, loaded.Analysis)
	}
	if !math.IsInf(loaded.ZVec1[2], 1) {
		t.Errorf("Expected +Inf to survive the round trip, got %v", loaded.ZVec1[2])
	}
	m := loaded.Models[1]
	if m == nil {
		t.Fatal("Model 1 missing after load")
	}
	if m.Optimize[1].Cost != 1234.5 {
		t.Errorf("Expected cost 1234.5, got %v", m.Optimize[1].Cost)
	}
	if !loaded.Options.TimeStarted.Equal(original.Options.TimeStarted) {
		t.Errorf("time_started mismatch: %v", loaded.Options.TimeStarted)
	}
}

func TestLoadCheckpoint_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.LoadCheckpoint("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestLoadFinal(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.SaveCheckpoint("trait", createTestResults("run-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := store.LoadFinal("trait"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound before finalizing, got %v", err)
	}
	if err := store.SaveFinal("trait", createTestResults("run-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := store.LoadFinal("trait"); err != nil {
		t.Fatalf("LoadFinal failed: %v", err)
	}
}

func TestListRuns_Empty(t *testing.T) {
	store, _ := setupTestStore(t)

	infos, err := store.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("Expected 0 runs, got %d", len(infos))
	}
}

func TestListRuns_Multiple(t *testing.T) {
	store, tempDir := setupTestStore(t)

	if err := store.SaveCheckpoint("alpha", createTestResults("a")); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveCheckpoint("beta", createTestResults("b")); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveFinal("beta", createTestResults("b")); err != nil {
		t.Fatal(err)
	}
	// Trace files and unrelated files are not runs.
	os.WriteFile(filepath.Join(tempDir, "beta.trace.jsonl"), []byte("{}\n"), 0644)
	os.WriteFile(filepath.Join(tempDir, "notes.txt"), []byte("x"), 0644)

	infos, err := store.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(infos))
	}
	if infos[0].Name != "alpha" || infos[0].Final {
		t.Errorf("Unexpected first run: %+v", infos[0])
	}
	if infos[1].Name != "beta" || !infos[1].Final || infos[1].RunID != "b" {
		t.Errorf("Unexpected second run: %+v", infos[1])
	}
	if infos[1].Size == 0 || infos[1].ModTime.IsZero() {
		t.Error("Expected size and modification time to be set")
	}
}

func TestListRuns_SkipsCorrupted(t *testing.T) {
	store, tempDir := setupTestStore(t)

	if err := store.SaveCheckpoint("good", createTestResults("g")); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(tempDir, "bad.tmp.json"), []byte("{not json"), 0644)

	infos, err := store.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "good" {
		t.Errorf("Expected only the readable run, got %+v", infos)
	}
}

func TestDeleteRun(t *testing.T) {
	store, tempDir := setupTestStore(t)

	if err := store.SaveCheckpoint("trait", createTestResults("r")); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveFinal("trait", createTestResults("r")); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(store.TracePath("trait"), []byte("{}\n"), 0644)

	if err := store.DeleteRun("trait"); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	entries, _ := os.ReadDir(tempDir)
	if len(entries) != 0 {
		t.Errorf("Expected empty directory after delete, found %d entries", len(entries))
	}
}

func TestDeleteRun_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.DeleteRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentSave(t *testing.T) {
	store, _ := setupTestStore(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("run-%d", i%3)
			if err := store.SaveCheckpoint(name, createTestResults(name)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Concurrent save failed: %v", err)
	}

	infos, err := store.ListRuns()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 3 {
		t.Errorf("Expected 3 runs, got %d", len(infos))
	}
}
