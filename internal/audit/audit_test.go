package audit

import (
	"path/filepath"
	"testing"
)

func TestRecordAndRecent(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer j.Close()

	events := []struct{ event, list, subject, detail string }{
		{EventSubscribe, "projects", "alice@example.org", "open subscription"},
		{EventBounce, "projects", "bob@example.org", "hard bounce, score 1.0"},
		{EventDisable, "projects", "bob@example.org", "score 5.0 reached threshold"},
		{EventSubscribe, "announce", "carol@example.org", "confirmed"},
	}
	for _, e := range events {
		if err := j.Record(e.event, e.list, e.subject, e.detail); err != nil {
			t.Fatalf("Record(%s) error = %v", e.event, err)
		}
	}

	got, err := j.Recent("projects", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Recent() returned %d events, want 3", len(got))
	}
	// Newest first.
	if got[0].Event != EventDisable {
		t.Errorf("Recent()[0].Event = %s, want %s", got[0].Event, EventDisable)
	}
	for _, e := range got {
		if e.List != "projects" {
			t.Errorf("Recent() leaked event for list %s", e.List)
		}
	}

	limited, err := j.Recent("projects", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("Recent() with limit 1 returned %d events", len(limited))
	}
}

func TestNilJournalIsSafe(t *testing.T) {
	var j *Journal
	if err := j.Record(EventSubscribe, "projects", "x@example.org", ""); err != nil {
		t.Errorf("nil Record() error = %v", err)
	}
	if got, err := j.Recent("projects", 10); err != nil || got != nil {
		t.Errorf("nil Recent() = %v, %v", got, err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}
}
