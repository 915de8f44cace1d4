package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWorkspaceSessionsDirEscapesSlashes(t *testing.T) {
	got := WorkspaceSessionsDir("/home/octo/.pi/agent", "/srv/workspaces/alice/proj")
	want := filepath.Join("/home/octo/.pi/agent", sessionsDirName, "--srv-workspaces-alice-proj--")
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestParseSessionFileExtractsTitleFromFirstUserMessage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "abc123.jsonl")
	content := `{"role":"system","content":"setup"}
{"role":"user","content":"Please refactor the ports allocator to avoid off-by-one bugs"}
{"role":"assistant","content":"Sure, I'll take a look."}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	entry, err := ParseSessionFile(path, info)
	if err != nil {
		t.Fatal(err)
	}
	if entry.ID != "abc123" {
		t.Fatalf("expected id abc123, got %q", entry.ID)
	}
	if entry.Title == "" {
		t.Fatal("expected a non-empty title extracted from first user message")
	}
}

func TestMatchScoreExactIDBeatsEverything(t *testing.T) {
	entries := []HistoryEntry{
		{ID: "session-xyz", Title: "unrelated"},
		{ID: "abc123", Title: "completely different"},
	}
	scored := SearchHistory(entries, "abc123")
	if len(scored) != 1 || scored[0].ID != "abc123" {
		t.Fatalf("expected exact id match to win, got %+v", scored)
	}
}

func TestMatchScoreOrdersSubstringAboveFuzzy(t *testing.T) {
	entries := []HistoryEntry{
		{ID: "zzz", Title: "Refactor the port allocator"},
		{ID: "yyy", Title: "Unrelated work on invites"},
	}
	results := SearchHistory(entries, "port")
	if len(results) == 0 || results[0].ID != "zzz" {
		t.Fatalf("expected substring title match to rank first, got %+v", results)
	}
}

func TestMatchScoreFuzzyLevenshteinFallback(t *testing.T) {
	entries := []HistoryEntry{{ID: "abcdef", Title: "some title"}}
	// "abcdeg" is distance 1 from "abcdef".
	score := MatchScore(entries[0], "abcdeg")
	if score <= 0 {
		t.Fatalf("expected a positive fuzzy score, got %d", score)
	}
}

func TestShouldContinueSessionYoungAndSmall(t *testing.T) {
	fi := fakeFileInfo{size: 1024, modTime: time.Now().Add(-1 * time.Hour)}
	if !ShouldContinueSession(fi, time.Now()) {
		t.Fatal("expected young, small session to continue")
	}
}

func TestShouldContinueSessionStaleByAge(t *testing.T) {
	fi := fakeFileInfo{size: 1024, modTime: time.Now().Add(-5 * time.Hour)}
	if ShouldContinueSession(fi, time.Now()) {
		t.Fatal("expected session older than 4h to be rejected")
	}
}

func TestShouldContinueSessionStaleBySize(t *testing.T) {
	fi := fakeFileInfo{size: 600 * 1024, modTime: time.Now()}
	if ShouldContinueSession(fi, time.Now()) {
		t.Fatal("expected oversized session to be rejected")
	}
}

type fakeFileInfo struct {
	size    int64
	modTime time.Time
}

func (f fakeFileInfo) Name() string       { return "fake" }
func (f fakeFileInfo) Size() int64        { return f.size }
func (f fakeFileInfo) Mode() os.FileMode  { return 0 }
func (f fakeFileInfo) ModTime() time.Time { return f.modTime }
func (f fakeFileInfo) IsDir() bool        { return false }
func (f fakeFileInfo) Sys() any           { return nil }
