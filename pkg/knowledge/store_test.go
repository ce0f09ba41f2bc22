package knowledge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/voxlane/voxlane/pkg/errorsx"
)

func writeKB(t *testing.T, dir, kbID string, lines []string) {
	t.Helper()
	path := filepath.Join(dir, kbID+".txt")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRetrieveRanksByOverlap(t *testing.T) {
	dir := t.TempDir()
	writeKB(t, dir, "kb-1", []string{
		"our premium plan includes unlimited calls and priority support",
		"office hours are monday through friday nine to five",
		"the premium plan costs twenty dollars per month",
	})
	s := NewStore(dir)

	got, err := s.Retrieve("kb-1", "how much does the premium plan cost", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 snippets, got %d", len(got))
	}
	if !strings.Contains(got[0], "twenty dollars") {
		t.Fatalf("expected cost entry ranked first, got %q", got[0])
	}
}

func TestRetrieveUnknownBase(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.Retrieve("missing", "anything", 2)
	if !errorsx.HasReason(err, errorsx.ReasonKnowledgeLoad) {
		t.Fatalf("expected knowledge load reason, got %v", err)
	}
}

func TestRetrieveNoMatches(t *testing.T) {
	dir := t.TempDir()
	writeKB(t, dir, "kb-1", []string{"completely unrelated content"})
	s := NewStore(dir)

	got, err := s.Retrieve("kb-1", "quantum flux capacitor", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no snippets, got %v", got)
	}
}

func TestSnippetTruncation(t *testing.T) {
	dir := t.TempDir()
	long := strings.Repeat("pricing details ", 40)
	writeKB(t, dir, "kb-1", []string{long})
	s := NewStore(dir)

	got, err := s.Retrieve("kb-1", "pricing details", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || len(got[0]) > 300 {
		t.Fatalf("expected one snippet capped at 300 chars, got len=%d", len(got[0]))
	}
}

func TestLoadCachesAfterFirstRead(t *testing.T) {
	dir := t.TempDir()
	writeKB(t, dir, "kb-1", []string{"alpha pricing entry"})
	s := NewStore(dir)

	if _, err := s.Retrieve("kb-1", "pricing", 1); err != nil {
		t.Fatal(err)
	}
	// Removing the file must not affect cached lookups.
	if err := os.Remove(filepath.Join(dir, "kb-1.txt")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Retrieve("kb-1", "pricing", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatal("expected cached entry after file removal")
	}
}
