package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAccumulator_CheckpointAfterEveryAdd(t *testing.T) {
	store, _ := setupTestStore(t)
	r := createTestResults("run-1")
	delete(r.Models, 1)
	acc := NewAccumulator(store, "trait", r)

	for i, id := range []int{52, 51, 50, 1} {
		if err := acc.Add(id, testModelResult(float64(id))); err != nil {
			t.Fatalf("Add(%d) failed: %v", id, err)
		}
		loaded, err := store.LoadCheckpoint("trait")
		if err != nil {
			t.Fatalf("LoadCheckpoint after Add(%d): %v", id, err)
		}
		if len(loaded.Models) != i+1 {
			t.Errorf("After %d adds the checkpoint holds %d models", i+1, len(loaded.Models))
		}
	}
	if _, ok := acc.Results().Models[50]; !ok {
		t.Error("Results() is missing model 50")
	}
	if _, err := store.LoadFinal("trait"); !errors.Is(err, ErrNotFound) {
		t.Error("Final document must not exist before Finalize")
	}
}

func TestAccumulator_Finalize(t *testing.T) {
	store, _ := setupTestStore(t)
	acc := NewAccumulator(store, "trait", createTestResults("run-1"))

	finished := time.Date(2026, 10, 1, 13, 0, 0, 0, time.UTC)
	if err := acc.Finalize(finished); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	final, err := store.LoadFinal("trait")
	if err != nil {
		t.Fatalf("LoadFinal failed: %v", err)
	}
	if final.Options.TimeFinished == nil || !final.Options.TimeFinished.Equal(finished) {
		t.Errorf("time_finished not stamped: %v", final.Options.TimeFinished)
	}
	if len(final.Models) != 1 {
		t.Errorf("Expected 1 model in final document, got %d", len(final.Models))
	}
}

func TestAccumulator_WriteFailureIsIOError(t *testing.T) {
	store, tempDir := setupTestStore(t)
	acc := NewAccumulator(store, "trait", createTestResults("run-1"))

	if err := os.Mkdir(filepath.Join(tempDir, "trait.tmp.json"), 0755); err != nil {
		t.Fatal(err)
	}
	err := acc.Add(3, testModelResult(1))
	if !errors.Is(err, ErrIO) {
		t.Fatalf("Expected ErrIO, got %v", err)
	}
	if _, ok := acc.Results().Models[3]; !ok {
		t.Error("Result should stay in memory after a failed write")
	}
}
