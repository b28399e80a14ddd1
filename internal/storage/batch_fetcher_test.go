package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestBatchFetcher_Fetch(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx := context.Background()
	var paths []string
	for i := 0; i < 10; i++ {
		p := fmt.Sprintf("batch/job:%d/results.json", i)
		if err := storage.Put(ctx, p, []byte(fmt.Sprint(i))); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		paths = append(paths, p)
	}

	result, err := NewBatchFetcher(storage, 3).Fetch(ctx, paths)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(result.Objects) != len(paths) || len(result.Errors) != 0 {
		t.Fatalf("expected %d objects and no errors, got %d / %v", len(paths), len(result.Objects), result.Errors)
	}
	for i, p := range paths {
		if string(result.Objects[p]) != fmt.Sprint(i) {
			t.Errorf("content mismatch for %s: %q", p, result.Objects[p])
		}
	}
}

func TestBatchFetcher_PartialFailure(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx := context.Background()
	if err := storage.Put(ctx, "present.json", []byte("ok")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	result, err := NewBatchFetcher(storage, 2).Fetch(ctx, []string{"present.json", "absent.json"})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if _, ok := result.Objects["present.json"]; !ok {
		t.Error("expected present.json to be fetched")
	}
	if !errors.Is(result.Errors["absent.json"], ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound for absent.json, got %v", result.Errors["absent.json"])
	}
}

func TestBatchFetcher_CancelledContext(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := NewBatchFetcher(storage, 1).Fetch(ctx, []string{"a", "b"})
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if len(result.Objects) != 0 {
		t.Errorf("expected no objects, got %d", len(result.Objects))
	}
}
