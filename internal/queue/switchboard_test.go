package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testBoard(t *testing.T) *Switchboard {
	t.Helper()
	return New("incoming", t.TempDir())
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	sb := testBoard(t)

	msg := []byte("From: alice@example.com\r\nSubject: hi\r\n\r\nhello\r\n")
	meta := Metadata{"listname": "projects", "original_size": 42}

	filebase, err := sb.Enqueue(msg, meta)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	files, err := sb.Files()
	if err != nil {
		t.Fatalf("Files() error = %v", err)
	}
	if len(files) != 1 || files[0] != filebase {
		t.Fatalf("Files() = %v, want [%s]", files, filebase)
	}

	gotMsg, gotMeta, err := sb.Dequeue(filebase)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if string(gotMsg) != string(msg) {
		t.Errorf("message mismatch: got %q", gotMsg)
	}
	if gotMeta.String("listname") != "projects" {
		t.Errorf("metadata listname = %q, want projects", gotMeta.String("listname"))
	}
	if gotMeta.Int("original_size") != 42 {
		t.Errorf("metadata original_size = %d, want 42", gotMeta.Int("original_size"))
	}
	if gotMeta.String("whichq") != "incoming" {
		t.Errorf("metadata whichq = %q, want incoming", gotMeta.String("whichq"))
	}

	if err := sb.Finish(filebase, false, ""); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	files, _ = sb.Files()
	if len(files) != 0 {
		t.Errorf("queue not empty after Finish: %v", files)
	}
}

func TestDequeueMissing(t *testing.T) {
	sb := testBoard(t)
	_, _, err := sb.Dequeue("0000+dead")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Dequeue() error = %v, want ErrNotFound", err)
	}
}

func TestRecoverBackups(t *testing.T) {
	sb := testBoard(t)

	filebase, err := sb.Enqueue([]byte("payload"), Metadata{"listname": "projects"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Claim the entry and crash before Finish.
	if _, _, err := sb.Dequeue(filebase); err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	files, _ := sb.Files()
	if len(files) != 0 {
		t.Fatalf("claimed entry still visible: %v", files)
	}

	// A fresh switchboard recovers the orphaned .bak exactly once.
	fresh := New("incoming", sb.Dir())
	n, err := fresh.RecoverBackups()
	if err != nil {
		t.Fatalf("RecoverBackups() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("RecoverBackups() = %d, want 1", n)
	}

	files, _ = fresh.Files()
	if len(files) != 1 || files[0] != filebase {
		t.Fatalf("Files() after recovery = %v, want [%s]", files, filebase)
	}

	// Recovering again is a no-op.
	n, _ = fresh.RecoverBackups()
	if n != 0 {
		t.Errorf("second RecoverBackups() = %d, want 0", n)
	}
}

func TestFinishPreserveMovesToBad(t *testing.T) {
	sb := testBoard(t)
	badDir := t.TempDir()

	filebase, err := sb.Enqueue([]byte("payload"), nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, _, err := sb.Dequeue(filebase); err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if err := sb.Finish(filebase, true, badDir); err != nil {
		t.Fatalf("Finish(preserve) error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(badDir, filebase+".pck.psv")); err != nil {
		t.Errorf("preserved entry missing from bad dir: %v", err)
	}
}

func TestUnparseableEntry(t *testing.T) {
	sb := testBoard(t)

	// A foreign .pck with garbage contents is treated as input.
	filebase := "0000000000000001+feedfeed"
	if err := os.WriteFile(filepath.Join(sb.Dir(), filebase+".pck"), []byte("not json"), 0640); err != nil {
		t.Fatal(err)
	}

	msg, meta, err := sb.Dequeue(filebase)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if msg != nil || meta != nil {
		t.Errorf("Dequeue() of garbage = (%v, %v), want (nil, nil)", msg, meta)
	}
}

func TestPartitioningCovers(t *testing.T) {
	dir := t.TempDir()
	writer := New("outgoing", dir)

	const total = 64
	enqueued := make(map[string]bool, total)
	for i := 0; i < total; i++ {
		fb, err := writer.Enqueue([]byte(fmt.Sprintf("message %d", i)), Metadata{"listname": "projects"})
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		enqueued[fb] = true
	}

	// Every filebase must appear in exactly one of N slices.
	const numSlices = 4
	seen := make(map[string]int, total)
	for slice := 0; slice < numSlices; slice++ {
		reader := NewSlice("outgoing", dir, slice, numSlices)
		files, err := reader.Files()
		if err != nil {
			t.Fatalf("Files() slice %d error = %v", slice, err)
		}
		for _, fb := range files {
			seen[fb]++
		}
	}

	if len(seen) != total {
		t.Errorf("slices saw %d distinct entries, want %d", len(seen), total)
	}
	for fb, count := range seen {
		if count != 1 {
			t.Errorf("filebase %s seen in %d slices, want 1", fb, count)
		}
		if !enqueued[fb] {
			t.Errorf("unexpected filebase %s", fb)
		}
	}
}

func TestFilesOrderedByArrival(t *testing.T) {
	sb := testBoard(t)

	var want []string
	for i := 0; i < 5; i++ {
		fb, err := sb.Enqueue([]byte(fmt.Sprintf("m%d", i)), nil)
		if err != nil {
			t.Fatal(err)
		}
		want = append(want, fb)
		time.Sleep(2 * time.Millisecond)
	}

	got, err := sb.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("Files() = %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Files()[%d] = %s, want %s (arrival order)", i, got[i], want[i])
		}
	}
}

func TestStaleTmpCollected(t *testing.T) {
	sb := testBoard(t)

	stale := filepath.Join(sb.Dir(), "0000000000000002+cafe.pck.tmp")
	if err := os.WriteFile(stale, []byte("partial"), 0640); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	if _, err := sb.Files(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale .tmp was not garbage-collected on scan")
	}
}
