// Package queue implements the durable directory-backed message queues
// traversed by the runners.
//
// A queue is a directory. Each entry is a single file
// <hextime>+<digest>.pck holding a version-tagged JSON record of the raw
// message bytes and a metadata map. Readers claim an entry by atomically
// renaming it to <filebase>.bak and remove the .bak on completion, so a
// crash leaves at most one .bak per taken entry, restorable on restart.
// Multiple readers partition a queue without coordination: each is given
// a (slice, range) pair and only sees entries whose digest maps to its
// slice.
package queue

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Metadata is the keyed map carried alongside each queued message.
// Values must be JSON-serializable.
type Metadata map[string]any

// Copy returns a shallow copy. Entries re-enqueued onto another queue
// always carry a copy so no two queues alias one map.
func (m Metadata) Copy() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// String returns the string value of a key, or "" if absent.
func (m Metadata) String(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Int returns the integer value of a key, tolerating the float64 that
// JSON decoding produces.
func (m Metadata) Int(key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// StringSlice returns the string-slice value of a key, tolerating the
// []any that JSON decoding produces.
func (m Metadata) StringSlice(key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Bool returns the boolean value of a key.
func (m Metadata) Bool(key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

// Common errors
var (
	ErrNotFound = errors.New("queue entry not found")
)

const (
	entryVersion = 1

	pckExt = ".pck"
	bakExt = ".bak"
	tmpExt = ".tmp"

	// A writer that has held a .tmp this long has crashed; the partial
	// write is garbage-collected on scan.
	tmpMaxAge = 15 * time.Minute
)

// entry is the on-disk record format.
type entry struct {
	Version  int      `json:"version"`
	Message  []byte   `json:"message"`
	Metadata Metadata `json:"metadata"`
}

// Switchboard is one durable queue directory.
type Switchboard struct {
	name      string
	dir       string
	slice     int
	numSlices int
}

// New opens the switchboard for a queue directory, reading the whole
// queue (slice 0 of 1).
func New(name, dir string) *Switchboard {
	return NewSlice(name, dir, 0, 1)
}

// NewSlice opens the switchboard restricted to one slice of a
// numSlices-way partition.
func NewSlice(name, dir string, slice, numSlices int) *Switchboard {
	if numSlices < 1 {
		numSlices = 1
	}
	return &Switchboard{name: name, dir: dir, slice: slice % numSlices, numSlices: numSlices}
}

// Name returns the queue name.
func (s *Switchboard) Name() string { return s.name }

// Dir returns the queue directory.
func (s *Switchboard) Dir() string { return s.dir }

// Enqueue writes a new entry and returns its filebase. The write is
// two-step: serialize into <filebase>.pck.tmp, fsync, then atomically
// rename into place.
func (s *Switchboard) Enqueue(msg []byte, meta Metadata) (string, error) {
	if meta == nil {
		meta = Metadata{}
	}
	now := time.Now()
	if _, ok := meta["received_time"]; !ok {
		meta["received_time"] = now.Unix()
	}
	meta["whichq"] = s.name

	filebase := makeFilebase(now, meta.String("listname"), msg)

	rec := entry{Version: entryVersion, Message: msg, Metadata: meta}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal queue entry: %w", err)
	}

	tmp := filepath.Join(s.dir, filebase+pckExt+tmpExt)
	final := filepath.Join(s.dir, filebase+pckExt)

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0640)
	if err != nil {
		return "", fmt.Errorf("create queue entry: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write queue entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("sync queue entry: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close queue entry: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("commit queue entry: %w", err)
	}
	return filebase, nil
}

// Files returns the filebases ready for this reader's slice, in
// lexicographic (approximately arrival) order. Stale .tmp leftovers from
// crashed writers are garbage-collected along the way.
func (s *Switchboard) Files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("scan queue %s: %w", s.name, err)
	}

	var out []string
	now := time.Now()
	for _, de := range entries {
		name := de.Name()
		if strings.HasSuffix(name, tmpExt) {
			if info, err := de.Info(); err == nil && now.Sub(info.ModTime()) > tmpMaxAge {
				os.Remove(filepath.Join(s.dir, name))
			}
			continue
		}
		if !strings.HasSuffix(name, pckExt) {
			continue
		}
		filebase := strings.TrimSuffix(name, pckExt)
		if s.numSlices > 1 && int(sliceOf(filebase))%s.numSlices != s.slice {
			continue
		}
		out = append(out, filebase)
	}
	sort.Strings(out)
	return out, nil
}

// Dequeue claims an entry by renaming it to its .bak sidecar and returns
// its contents. Unparseable entries return (nil, nil, nil); the caller is
// expected to Finish with preserve to move the artifact to the bad queue.
func (s *Switchboard) Dequeue(filebase string) ([]byte, Metadata, error) {
	pck := filepath.Join(s.dir, filebase+pckExt)
	bak := filepath.Join(s.dir, filebase+bakExt)

	if err := os.Rename(pck, bak); err != nil {
		if os.IsNotExist(err) {
			// Another slice or a previous pass already claimed it.
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("claim queue entry: %w", err)
	}

	data, err := os.ReadFile(bak)
	if err != nil {
		return nil, nil, fmt.Errorf("read queue entry: %w", err)
	}

	var rec entry
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, nil, nil
	}
	if rec.Version != entryVersion {
		return nil, nil, nil
	}
	if rec.Metadata == nil {
		rec.Metadata = Metadata{}
	}
	return rec.Message, rec.Metadata, nil
}

// Finish disposes of a claimed entry. On success the .bak is removed;
// with preserve it is moved into badDir for operator postmortem.
func (s *Switchboard) Finish(filebase string, preserve bool, badDir string) error {
	bak := filepath.Join(s.dir, filebase+bakExt)
	if !preserve {
		if err := os.Remove(bak); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("finish queue entry: %w", err)
		}
		return nil
	}
	if badDir == "" {
		return fmt.Errorf("preserve requested without a bad queue directory")
	}
	dst := filepath.Join(badDir, filebase+pckExt+".psv")
	if err := os.Rename(bak, dst); err != nil {
		return fmt.Errorf("preserve queue entry: %w", err)
	}
	return nil
}

// RecoverBackups restores orphaned .bak files left by a crashed reader,
// renaming them back to .pck so the next scan redelivers them. Returns
// the number recovered.
func (s *Switchboard) RecoverBackups() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("scan queue %s: %w", s.name, err)
	}

	recovered := 0
	for _, de := range entries {
		name := de.Name()
		if !strings.HasSuffix(name, bakExt) {
			continue
		}
		filebase := strings.TrimSuffix(name, bakExt)
		src := filepath.Join(s.dir, name)
		dst := filepath.Join(s.dir, filebase+pckExt)
		if err := os.Rename(src, dst); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return recovered, fmt.Errorf("recover queue entry %s: %w", filebase, err)
		}
		recovered++
	}
	return recovered, nil
}

// Len returns the number of pending entries across all slices.
func (s *Switchboard) Len() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, de := range entries {
		if strings.HasSuffix(de.Name(), pckExt) {
			n++
		}
	}
	return n, nil
}

// makeFilebase builds the entry stem <hextime>+<digest>. The digest is
// derived from the receive time, the list, and the message bytes, so
// simultaneous enqueues cannot collide and the hash spreads entries
// evenly across slices.
func makeFilebase(now time.Time, listname string, msg []byte) string {
	h := sha1.New()
	h.Write(msg)
	fmt.Fprintf(h, "%s%d", listname, now.UnixNano())
	digest := hex.EncodeToString(h.Sum(nil))
	return fmt.Sprintf("%016x+%s", now.UnixNano(), digest)
}

// sliceOf maps a filebase to its partitioning value: the leading bits of
// the digest portion. Every filebase lands in exactly one slice for a
// given range.
func sliceOf(filebase string) uint32 {
	i := strings.IndexByte(filebase, '+')
	digest := filebase
	if i >= 0 && i+1 < len(filebase) {
		digest = filebase[i+1:]
	}
	if len(digest) > 8 {
		digest = digest[:8]
	}
	v, err := strconv.ParseUint(digest, 16, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}
