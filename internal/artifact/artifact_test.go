package artifact

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSnapshotDiff(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "existing.txt", "before")

	before, err := Take(root)
	if err != nil {
		t.Fatalf("snapshot before: %v", err)
	}

	writeFile(t, root, "docs/design.md", "new file")
	writeFile(t, root, "existing.txt", "after")

	after, err := Take(root)
	if err != nil {
		t.Fatalf("snapshot after: %v", err)
	}

	refs := Diff(before, after)
	if len(refs) != 2 {
		t.Fatalf("expected 2 refs, got %v", refs)
	}
	if refs[0].Path != "docs/design.md" || refs[1].Path != "existing.txt" {
		t.Fatalf("unexpected diff order: %v", refs)
	}
}

func TestSnapshotMissingRoot(t *testing.T) {
	snap, err := Take(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("missing root: %v", err)
	}
	if len(snap.Files) != 0 {
		t.Fatalf("expected empty snapshot, got %v", snap.Files)
	}
}

func TestDiffUnchangedIsEmpty(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "same")
	before, _ := Take(root)
	after, _ := Take(root)
	if refs := Diff(before, after); len(refs) != 0 {
		t.Fatalf("expected no diff, got %v", refs)
	}
}

func TestMapToDeliverablesGlobAndSubstring(t *testing.T) {
	artifacts := []string{"src/api/handler.go", "docs/design.md", "notes.txt"}
	m := MapToDeliverables(artifacts, []string{"*.md", "handler"})
	if m.Matched["*.md"] != "docs/design.md" {
		t.Fatalf("glob match: %+v", m.Matched)
	}
	if m.Matched["handler"] != "src/api/handler.go" {
		t.Fatalf("substring match: %+v", m.Matched)
	}
	if !reflect.DeepEqual(m.Unmatched, []string{"notes.txt"}) {
		t.Fatalf("unmatched: %v", m.Unmatched)
	}
	if len(m.Missing) != 0 {
		t.Fatalf("missing: %v", m.Missing)
	}
}

func TestMapToDeliverablesMissingReported(t *testing.T) {
	m := MapToDeliverables([]string{"impl.go"}, []string{"impl.go", "impl_test.go"})
	if !reflect.DeepEqual(m.Missing, []string{"impl_test.go"}) {
		t.Fatalf("missing: %v", m.Missing)
	}
	if got := m.Completeness(); got != 0.5 {
		t.Fatalf("completeness: %v", got)
	}
}

func TestCompletenessZeroExpected(t *testing.T) {
	m := MapToDeliverables([]string{"extra.txt"}, nil)
	if got := m.Completeness(); got != 1 {
		t.Fatalf("zero expected should be complete, got %v", got)
	}
	if !reflect.DeepEqual(m.Unmatched, []string{"extra.txt"}) {
		t.Fatalf("unmatched: %v", m.Unmatched)
	}
}

func TestArtifactClaimedOnce(t *testing.T) {
	m := MapToDeliverables([]string{"report.md"}, []string{"report", "*.md"})
	if m.Matched["report"] != "report.md" {
		t.Fatalf("first hint should claim the file: %+v", m.Matched)
	}
	if !reflect.DeepEqual(m.Missing, []string{"*.md"}) {
		t.Fatalf("second hint should miss: %v", m.Missing)
	}
}
