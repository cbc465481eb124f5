package notebook

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureIDStable(t *testing.T) {
	a := WorldItem{Title: "Go 1.25 released", URL: "https://example.com/go"}.EnsureID()
	b := WorldItem{Title: "Go 1.25 released", URL: "https://example.com/go"}.EnsureID()
	if a.ID == "" || a.ID != b.ID {
		t.Errorf("derived IDs should be stable and non-empty: %q vs %q", a.ID, b.ID)
	}

	c := WorldItem{ID: "native", Title: "x"}.EnsureID()
	if c.ID != "native" {
		t.Errorf("native ID should be preserved, got %q", c.ID)
	}
}

func TestAppendItemsDedupsByMarker(t *testing.T) {
	b := New(t.TempDir())
	day := "2026-02-19"

	items := []WorldItem{
		{ID: "one", Title: "First", URL: "https://a.example"},
		{ID: "two", Title: "Second", URL: "https://b.example"},
	}
	added, err := b.AppendItems(day, items)
	if err != nil {
		t.Fatal(err)
	}
	if added != 2 {
		t.Fatalf("expected 2 added, got %d", added)
	}

	// Same items again plus one new one.
	added, err = b.AppendItems(day, append(items, WorldItem{ID: "three", Title: "Third"}))
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 {
		t.Errorf("expected 1 added on re-append, got %d", added)
	}

	data, err := os.ReadFile(b.Path(day))
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if strings.Count(content, "<!-- world_item_id: one -->") != 1 {
		t.Error("item one should appear exactly once")
	}
	if !strings.Contains(content, "<!-- world_item_id: three -->") {
		t.Error("item three missing")
	}

	seen := b.SeenIDs(day)
	for _, id := range []string{"one", "two", "three"} {
		if _, ok := seen[id]; !ok {
			t.Errorf("SeenIDs missing %q", id)
		}
	}
}

func TestAppendItemsSanitizesHTML(t *testing.T) {
	b := New(t.TempDir())
	day := "2026-02-19"

	_, err := b.AppendItems(day, []WorldItem{
		{ID: "x", Title: `<script>alert(1)</script>Breaking <b>news</b>`, Summary: "<img src=x>plain"},
	})
	if err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(b.Path(day))
	content := string(data)
	if strings.Contains(content, "<script>") || strings.Contains(content, "<img") {
		t.Errorf("HTML not sanitized: %s", content)
	}
	if !strings.Contains(content, "news") {
		t.Error("text content lost during sanitization")
	}
}

func TestEnsureFilesAreIdempotent(t *testing.T) {
	dir := t.TempDir()
	b := New(dir)

	if err := b.EnsureDailyLog("2026-02-19"); err != nil {
		t.Fatal(err)
	}
	logPath := filepath.Join(dir, "log-2026-02-19.md")
	if err := os.WriteFile(logPath, []byte("existing content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := b.EnsureDailyLog("2026-02-19"); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(logPath)
	if string(data) != "existing content" {
		t.Error("EnsureDailyLog overwrote an existing file")
	}

	if err := b.EnsureWorldModel(); err != nil {
		t.Fatal(err)
	}
	if err := b.EnsureWorldModel(); err != nil {
		t.Fatal(err)
	}
}

func TestWriteMissionReview(t *testing.T) {
	dir := t.TempDir()
	b := New(dir)

	err := b.WriteMissionReview("2026-02-19",
		[]string{"track Go ecosystem"},
		[]WorldItem{{ID: "a", Title: "Go 1.25 released"}})
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "mission-review-2026-02-19.md"))
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	for _, want := range []string{"Mission review", "track Go ecosystem", "Go 1.25 released", "Research question"} {
		if !strings.Contains(content, want) {
			t.Errorf("mission review missing %q", want)
		}
	}
}
