package versions

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestPageHistoryLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	initial := Content{Title: "Handbook", Slug: "handbook", Content: "Welcome", IsPublic: true}
	first, err := svc.Commit(42, initial, "Avery", "Create page")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if first.Hash == "" {
		t.Fatal("expected commit hash")
	}
	if _, err := os.Stat(filepath.Join(tempDir, "42")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	parent := int64(7)
	updated := initial
	updated.Content = "Welcome aboard"
	updated.ParentID = &parent
	second, err := svc.Commit(42, updated, "Avery", "Move under onboarding")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	history, err := svc.History(42, 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Hash != second.Hash || history[1].Hash != first.Hash {
		t.Fatalf("unexpected history: %+v", history)
	}
	if history[0].Author != "Avery" {
		t.Fatalf("unexpected author %q", history[0].Author)
	}

	old, version, err := svc.Get(42, first.Hash)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if old.Content != "Welcome" || old.ParentID != nil || version.Hash != first.Hash {
		t.Fatalf("unexpected content at first version: %+v", old)
	}

	short, _, err := svc.Get(42, second.Hash[:8])
	if err != nil {
		t.Fatalf("Get() with short hash error = %v", err)
	}
	if short.ParentID == nil || *short.ParentID != 7 {
		t.Fatalf("unexpected content at second version: %+v", short)
	}
}

func TestCommitWithoutChangesKeepsHead(t *testing.T) {
	svc := New(t.TempDir())
	content := Content{Title: "Runbook", Slug: "runbook"}

	first, err := svc.Commit(1, content, "Avery", "Create")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	again, err := svc.Commit(1, content, "Blake", "No-op save")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if again.Hash != first.Hash {
		t.Fatalf("expected unchanged head %s, got %s", first.Hash, again.Hash)
	}
	history, _ := svc.History(1, 0)
	if len(history) != 1 {
		t.Fatalf("expected one version, got %d", len(history))
	}
}

func TestMissingVersions(t *testing.T) {
	svc := New(t.TempDir())

	history, err := svc.History(99, 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d", len(history))
	}
	if _, _, err := svc.Get(99, "abc1234"); !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}

	if _, err := svc.Commit(5, Content{Title: "x"}, "Avery", "Create"); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if _, _, err := svc.Get(5, "0000000000000000000000000000000000000000"); !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound for unknown hash, got %v", err)
	}

	if err := svc.Remove(5); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	history, _ = svc.History(5, 10)
	if len(history) != 0 {
		t.Fatal("expected history to be gone after Remove")
	}
}

func TestDiff(t *testing.T) {
	parent := int64(3)
	from := Content{Title: "A", Slug: "a", Content: "one"}
	to := Content{Title: "A", Slug: "a", Content: "two", ParentID: &parent, IsPublic: true}

	changes := Diff(from, to)
	want := []FieldChange{
		{Field: "content", Before: "one", After: "two"},
		{Field: "isPublic", Before: "false", After: "true"},
		{Field: "parentId", Before: "", After: "3"},
	}
	if len(changes) != len(want) {
		t.Fatalf("expected %d changes, got %+v", len(want), changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Fatalf("change %d: want %+v, got %+v", i, want[i], changes[i])
		}
	}
	if HasChanges(from, from) {
		t.Fatal("identical content should have no changes")
	}
}

func TestConcurrentCommitsSamePage(t *testing.T) {
	svc := New(t.TempDir())

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			next := Content{Title: "Doc", Content: fmt.Sprintf("revision-%02d", idx)}
			if _, err := svc.Commit(1, next, "Avery", fmt.Sprintf("Commit %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("Commit() concurrent error = %v", err)
		}
	}

	history, err := svc.History(1, 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers {
		t.Fatalf("expected %d commits in history, got %d", writers, len(history))
	}
}
