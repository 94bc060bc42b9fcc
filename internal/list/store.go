package list

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fenilsonani/list-server/internal/lockfile"
)

const (
	configVersion   = 1
	requestsVersion = 1
	heldVersion     = 1

	configFile  = "config.pck"
	lastFile    = "config.pck.last"
	safetyFile  = "config.safety"
	requestFile = "request.pck"
	pendingFile = "pending.pck"
)

// ErrNotLocked is returned by Save when the caller does not hold a live
// list lock. The list on disk is untouched in that case.
var ErrNotLocked = errors.New("list is not locked")

// Store owns list persistence: one directory per list under listsDir,
// held-message artifacts under dataDir, and list locks under locksDir.
type Store struct {
	listsDir     string
	dataDir      string
	locksDir     string
	lockLifetime time.Duration
	lockTimeout  time.Duration
}

// NewStore creates a store over the given layout.
func NewStore(listsDir, dataDir, locksDir string, lockLifetime, lockTimeout time.Duration) *Store {
	return &Store{
		listsDir:     listsDir,
		dataDir:      dataDir,
		locksDir:     locksDir,
		lockLifetime: lockLifetime,
		lockTimeout:  lockTimeout,
	}
}

// listLockState binds a loaded list to its held lock.
type listLockState struct {
	lock *lockfile.Lock
}

type configRecord struct {
	Version int       `json:"version"`
	List    *MailList `json:"list"`
}

type requestsRecord struct {
	Version  int               `json:"version"`
	NextID   int               `json:"next_id"`
	Requests []*PendingRequest `json:"requests"`
}

type pendingRecord struct {
	Version int            `json:"version"`
	Cookies map[string]int `json:"cookies"` // cookie -> request id
}

type heldRecord struct {
	Version  int            `json:"version"`
	Message  []byte         `json:"message"`
	Metadata map[string]any `json:"metadata"`
}

// Exists reports whether a list of that name exists.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(filepath.Join(s.listsDir, CanonicalKey(name), configFile))
	return err == nil
}

// Names returns all list names, sorted.
func (s *Store) Names() ([]string, error) {
	entries, err := os.ReadDir(s.listsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan lists dir: %w", err)
	}
	var names []string
	for _, de := range entries {
		if de.IsDir() && s.Exists(de.Name()) {
			names = append(names, de.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Create makes a new list with defaults, persists it, and returns it
// unlocked.
func (s *Store) Create(name, host string) (*MailList, error) {
	name = CanonicalKey(name)
	if s.Exists(name) {
		return nil, fmt.Errorf("list %s already exists", name)
	}
	if err := os.MkdirAll(filepath.Join(s.listsDir, name), 0750); err != nil {
		return nil, fmt.Errorf("create list dir: %w", err)
	}

	ml := &MailList{
		Name:               name,
		Host:               host,
		Language:           "en",
		NonMemberAction:    ActionHold,
		SubscribePolicy:    SubscribeConfirm,
		MaxDaysToHold:      14,
		DigestSizeKB:       30,
		DigestVolume:       1,
		DigestIssue:        1,
		Archive:            true,
		BounceProcessing:   true,
		BounceThreshold:    5.0,
		BounceStaleAfter:   7,
		BounceWarnInterval: 7,
		BounceMaxWarnings:  3,
		BounceNotifyOwner:  true,
		WarnStates:         []DeliveryStatus{StatusByBounce},
		Members:            make(map[string]*Subscriber),
		Bounces:            make(map[string]*BounceInfo),
		AutoReplies:        make(map[string]*ReplyCount),
		Created:            time.Now(),
		store:              s,
	}

	if err := s.writeConfig(ml); err != nil {
		return nil, err
	}
	if err := s.writeRequests(ml.Name, &requestsRecord{Version: requestsVersion, NextID: 1}, map[string]int{}); err != nil {
		return nil, err
	}
	return ml, nil
}

// Open loads a list without taking its lock. The returned value must not
// be saved.
func (s *Store) Open(name string) (*MailList, error) {
	return s.load(CanonicalKey(name))
}

// Lock acquires the list lock and loads fresh state under it. Callers
// must Unlock when done; Save requires the lock to still be live.
func (s *Store) Lock(name string) (*MailList, error) {
	name = CanonicalKey(name)
	if !s.Exists(name) {
		return nil, ErrNoSuchList
	}
	lk := lockfile.New(filepath.Join(s.locksDir, name+".lock"), s.lockLifetime)
	if err := lk.Lock(s.lockTimeout, false); err != nil {
		return nil, fmt.Errorf("lock list %s: %w", name, err)
	}
	ml, err := s.load(name)
	if err != nil {
		lk.Unlock()
		return nil, err
	}
	ml.lock = &listLockState{lock: lk}
	return ml, nil
}

// LockList is Lock without the existence check, used internally.
func (s *Store) LockList(name string) (*lockfile.Lock, error) {
	lk := lockfile.New(filepath.Join(s.locksDir, CanonicalKey(name)+".lock"), s.lockLifetime)
	if err := lk.Lock(s.lockTimeout, false); err != nil {
		return nil, err
	}
	return lk, nil
}

// Unlock releases the list lock. Safe to call on an unlocked list.
func (s *Store) Unlock(ml *MailList) {
	if ml.lock != nil {
		ml.lock.lock.Unlock()
		ml.lock = nil
	}
}

// Refresh extends the list lock lease mid-transaction.
func (s *Store) Refresh(ml *MailList) error {
	if ml.lock == nil {
		return ErrNotLocked
	}
	return ml.lock.lock.Refresh()
}

// Save persists the list. It refuses to write unless the caller still
// holds a live lease, so a holder whose lease expired mid-work aborts
// and the previous good copy stays intact.
func (s *Store) Save(ml *MailList) error {
	if ml.lock == nil || !ml.lock.lock.Locked() {
		return ErrNotLocked
	}
	return s.writeConfig(ml)
}

// writeConfig writes config.pck via tmp+fsync+rename, hard-linking the
// previous version to config.pck.last first for operator recovery.
func (s *Store) writeConfig(ml *MailList) error {
	dir := filepath.Join(s.listsDir, ml.Name)
	rec := configRecord{Version: configVersion, List: ml}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal list %s: %w", ml.Name, err)
	}

	final := filepath.Join(dir, configFile)
	last := filepath.Join(dir, lastFile)
	tmp := fmt.Sprintf("%s.tmp.%d", final, os.Getpid())

	if err := writeFileSync(tmp, data); err != nil {
		return fmt.Errorf("write list %s: %w", ml.Name, err)
	}
	if _, err := os.Stat(final); err == nil {
		os.Remove(last)
		if err := os.Link(final, last); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("backup list %s: %w", ml.Name, err)
		}
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit list %s: %w", ml.Name, err)
	}
	return nil
}

// load reads a list, falling back config.pck -> config.pck.last ->
// config.safety. When a fallback is used, the good bytes are written to
// config.safety to record that the primary copy was unreadable.
func (s *Store) load(name string) (*MailList, error) {
	dir := filepath.Join(s.listsDir, name)
	if _, err := os.Stat(dir); err != nil {
		return nil, ErrNoSuchList
	}

	candidates := []string{
		filepath.Join(dir, configFile),
		filepath.Join(dir, lastFile),
		filepath.Join(dir, safetyFile),
	}

	var rec configRecord
	var lastErr error
	for i, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}
		if err := json.Unmarshal(data, &rec); err != nil || rec.List == nil {
			lastErr = fmt.Errorf("unreadable list state %s: %v", path, err)
			rec = configRecord{}
			continue
		}
		if i > 0 {
			// Primary copy was bad; preserve the good bytes.
			writeFileSync(filepath.Join(dir, safetyFile), data)
		}
		ml := rec.List
		ml.store = s
		if ml.Members == nil {
			ml.Members = make(map[string]*Subscriber)
		}
		if ml.Bounces == nil {
			ml.Bounces = make(map[string]*BounceInfo)
		}
		if ml.AutoReplies == nil {
			ml.AutoReplies = make(map[string]*ReplyCount)
		}
		return ml, nil
	}
	if lastErr == nil {
		lastErr = ErrNoSuchList
	}
	return nil, fmt.Errorf("load list %s: %w", name, lastErr)
}

// Request database persistence. The requests and the cookie index live
// in separate files (request.pck and pending.pck) but are always written
// together.

func (s *Store) readRequests(name string) (*requestsRecord, map[string]int, error) {
	dir := filepath.Join(s.listsDir, name)

	rec := &requestsRecord{Version: requestsVersion, NextID: 1}
	if data, err := os.ReadFile(filepath.Join(dir, requestFile)); err == nil {
		if err := json.Unmarshal(data, rec); err != nil {
			return nil, nil, fmt.Errorf("unreadable request db for %s: %w", name, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, nil, err
	}

	cookies := map[string]int{}
	if data, err := os.ReadFile(filepath.Join(dir, pendingFile)); err == nil {
		var pr pendingRecord
		if err := json.Unmarshal(data, &pr); err != nil {
			return nil, nil, fmt.Errorf("unreadable pending db for %s: %w", name, err)
		}
		if pr.Cookies != nil {
			cookies = pr.Cookies
		}
	} else if !os.IsNotExist(err) {
		return nil, nil, err
	}

	if rec.NextID < 1 {
		rec.NextID = 1
	}
	return rec, cookies, nil
}

func (s *Store) writeRequests(name string, rec *requestsRecord, cookies map[string]int) error {
	dir := filepath.Join(s.listsDir, name)

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal request db: %w", err)
	}
	if err := atomicWrite(filepath.Join(dir, requestFile), data); err != nil {
		return err
	}

	pdata, err := json.MarshalIndent(pendingRecord{Version: requestsVersion, Cookies: cookies}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pending db: %w", err)
	}
	return atomicWrite(filepath.Join(dir, pendingFile), pdata)
}

// Held message artifacts, one file per held message in the data dir.

func (s *Store) heldPath(listName string, id int) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("heldmsg-%s-%d.pck", listName, id))
}

// WriteHeld persists a held message artifact.
func (s *Store) WriteHeld(listName string, id int, msg []byte, meta map[string]any) error {
	data, err := json.Marshal(heldRecord{Version: heldVersion, Message: msg, Metadata: meta})
	if err != nil {
		return fmt.Errorf("marshal held message: %w", err)
	}
	return atomicWrite(s.heldPath(listName, id), data)
}

// ReadHeld loads a held message artifact.
func (s *Store) ReadHeld(listName string, id int) ([]byte, map[string]any, error) {
	data, err := os.ReadFile(s.heldPath(listName, id))
	if err != nil {
		return nil, nil, err
	}
	var rec heldRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, nil, fmt.Errorf("unreadable held message %s/%d: %w", listName, id, err)
	}
	return rec.Message, rec.Metadata, nil
}

// RemoveHeld deletes a held message artifact. Terminal dispositions call
// this; a missing artifact is not an error.
func (s *Store) RemoveHeld(listName string, id int) error {
	err := os.Remove(s.heldPath(listName, id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// HeldExists reports whether the artifact is still on disk.
func (s *Store) HeldExists(listName string, id int) bool {
	_, err := os.Stat(s.heldPath(listName, id))
	return err == nil
}

// atomicWrite writes data via tmp+fsync+rename.
func atomicWrite(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := writeFileSync(tmp, data); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
