// Package lockfile implements a host- and process-identified exclusive
// lease on a path. The protocol is link-based: it never relies on advisory
// locks, so it is safe on network filesystems where link(2) is atomic but
// flock(2) is not universally available.
//
// Each acquirer writes a unique claim file next to the lock path and
// attempts to hard-link it to the lock path. Whoever owns the link owns
// the lease. The claim file body records the holder's host, pid, claim
// count, expiration, and the claim file's own name, so a later acquirer
// can identify and break a stale holder.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Common errors
var (
	// ErrTimeout is returned when the lock could not be acquired within
	// the caller's timeout.
	ErrTimeout = errors.New("timed out waiting for lock")
	// ErrNotLocked is returned for operations that require holding the lock.
	ErrNotLocked = errors.New("lock not held")
	// ErrAlreadyLocked is returned when the caller already holds the lock.
	ErrAlreadyLocked = errors.New("lock already held by this process")
	// ErrLost is returned when the lease expired while held. The holder
	// must abort whatever the lock was protecting.
	ErrLost = errors.New("lease expired while held")
	// ErrForeignHolder is returned when a break was refused because the
	// recorded holder lives on a different host. Clock skew across hosts
	// is common, so an "expired" foreign lease is never trusted.
	ErrForeignHolder = errors.New("lock held by a different host")
)

// DefaultLifetime is the lease duration used when none is given.
const DefaultLifetime = 15 * time.Minute

// claim is the parsed body of a lock or claim file.
type claim struct {
	Host    string
	PID     int
	Counter int
	Expires time.Time
	TmpName string
}

func (c claim) encode() string {
	return fmt.Sprintf("%s %d %d %d %s\n", c.Host, c.PID, c.Counter, c.Expires.UnixNano(), c.TmpName)
}

func parseClaim(data string) (claim, error) {
	fields := strings.Fields(strings.TrimSpace(data))
	if len(fields) != 5 {
		return claim{}, fmt.Errorf("malformed lock body: %q", data)
	}
	pid, err := strconv.Atoi(fields[1])
	if err != nil {
		return claim{}, fmt.Errorf("malformed lock pid: %w", err)
	}
	counter, err := strconv.Atoi(fields[2])
	if err != nil {
		return claim{}, fmt.Errorf("malformed lock counter: %w", err)
	}
	nanos, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return claim{}, fmt.Errorf("malformed lock expiration: %w", err)
	}
	return claim{
		Host:    fields[0],
		PID:     pid,
		Counter: counter,
		Expires: time.Unix(0, nanos),
		TmpName: fields[4],
	}, nil
}

// Lock is an exclusive lease on a path.
type Lock struct {
	path     string
	tmpPath  string
	lifetime time.Duration
	hostname string
	pid      int

	mu      sync.Mutex
	counter int
	held    bool
	expires time.Time
}

// New creates a lock on the given path with the given lease lifetime.
// A zero lifetime selects DefaultLifetime. The lock is not acquired.
func New(path string, lifetime time.Duration) *Lock {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	pid := os.Getpid()
	return &Lock{
		path:     path,
		tmpPath:  fmt.Sprintf("%s.%s.%d.%d", path, hostname, pid, rand.Int63()),
		lifetime: lifetime,
		hostname: hostname,
		pid:      pid,
	}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Lifetime returns the lease duration.
func (l *Lock) Lifetime() time.Duration { return l.lifetime }

// RefreshInterval is the recommended interval between lease refreshes,
// one third of the lifetime.
func (l *Lock) RefreshInterval() time.Duration { return l.lifetime / 3 }

// Lock acquires the lease, waiting up to timeout. With force, a stale
// same-host lease whose owning process is dead is broken first; a stale
// lease recorded for a different host is never broken, even with force.
func (l *Lock) Lock(timeout time.Duration, force bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return ErrAlreadyLocked
	}

	deadline := time.Now().Add(timeout)
	attempt := 0
	for {
		ok, err := l.tryAcquire(force)
		if err != nil {
			l.removeTmp()
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			l.removeTmp()
			return ErrTimeout
		}
		time.Sleep(backoffInterval(attempt))
		attempt++
	}
}

// tryAcquire makes one acquisition attempt. Returns true if the lease is
// now held.
func (l *Lock) tryAcquire(force bool) (bool, error) {
	l.counter++
	l.expires = time.Now().Add(l.lifetime)
	if err := l.writeTmp(); err != nil {
		return false, fmt.Errorf("write claim file: %w", err)
	}

	err := os.Link(l.tmpPath, l.path)
	if err == nil {
		l.held = true
		return true, nil
	}

	// The link may have succeeded despite the error (seen on NFS). A
	// matching link count and identical contents mean the lease is ours.
	if l.linkedToUs() {
		l.held = true
		return true, nil
	}

	holder, readErr := l.readHolder()
	if readErr != nil {
		if os.IsNotExist(readErr) {
			// Holder released between link and read; retry immediately.
			return false, nil
		}
		// Corrupt lock file: no valid holder, safe to remove and retry.
		os.Remove(l.path)
		return false, nil
	}

	if l.isStale(holder) {
		if holder.Host != l.hostname {
			if force {
				return false, ErrForeignHolder
			}
			return false, nil
		}
		if force {
			l.breakHolder(holder)
		}
	}

	return false, nil
}

// isStale reports whether the recorded holder's lease can be considered
// dead: either its expiration has passed, or (same host only) its owning
// process no longer exists.
func (l *Lock) isStale(c claim) bool {
	if time.Now().After(c.Expires) {
		return true
	}
	if c.Host == l.hostname && !processAlive(c.PID) {
		return true
	}
	return false
}

// breakHolder removes a stale holder's claim file and the lock itself.
func (l *Lock) breakHolder(c claim) {
	if c.TmpName != "" {
		os.Remove(c.TmpName)
	}
	os.Remove(l.path)
}

// Refresh extends the lease. Returns ErrNotLocked if the lock is not
// held and ErrLost if the lease expired before the refresh.
func (l *Lock) Refresh() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return ErrNotLocked
	}
	if time.Now().After(l.expires) {
		l.held = false
		return ErrLost
	}
	if !l.linkedToUs() {
		// Someone broke the lease out from under us.
		l.held = false
		return ErrLost
	}

	l.expires = time.Now().Add(l.lifetime)
	if err := l.writeTmp(); err != nil {
		return fmt.Errorf("refresh claim file: %w", err)
	}
	return nil
}

// Unlock releases the lease. The lock file is removed only if we still
// own it; our claim file is always removed.
func (l *Lock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return ErrNotLocked
	}
	l.held = false

	owned := l.linkedToUs()
	if owned {
		os.Remove(l.path)
	}
	l.removeTmp()
	if !owned {
		return ErrLost
	}
	return nil
}

// Locked reports whether this process currently holds a live lease.
func (l *Lock) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held && time.Now().Before(l.expires) && l.linkedToUs()
}

// Holder returns the host and pid recorded in the current lock file,
// whether or not we hold it. Returns ErrNotLocked if no lock exists.
func (l *Lock) Holder() (host string, pid int, err error) {
	c, err := l.readHolder()
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, ErrNotLocked
		}
		return "", 0, err
	}
	return c.Host, c.PID, nil
}

// Break unconditionally removes the lock and the recorded holder's claim
// file. Callers are responsible for establishing operator intent first.
func (l *Lock) Break() error {
	c, err := l.readHolder()
	if err == nil {
		l.breakHolder(c)
		return nil
	}
	if os.IsNotExist(err) {
		return nil
	}
	// Unparseable lock file: remove it anyway.
	return os.Remove(l.path)
}

// KeepFresh refreshes the lease every RefreshInterval until the context
// is done or the lease is lost. The returned channel is closed if the
// lease could not be kept; the holder must then abort its critical work.
func (l *Lock) KeepFresh(ctx context.Context) <-chan struct{} {
	lost := make(chan struct{})
	go func() {
		ticker := time.NewTicker(l.RefreshInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.Refresh(); err != nil {
					close(lost)
					return
				}
			}
		}
	}()
	return lost
}

// writeTmp writes our claim file in place. The file is created once and
// rewritten thereafter; rewriting keeps the inode, so a hard-linked lock
// path observes the refreshed expiration too.
func (l *Lock) writeTmp() error {
	body := claim{
		Host:    l.hostname,
		PID:     l.pid,
		Counter: l.counter,
		Expires: l.expires,
		TmpName: l.tmpPath,
	}.encode()

	f, err := os.OpenFile(l.tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(body); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (l *Lock) removeTmp() {
	os.Remove(l.tmpPath)
}

// linkedToUs reports whether the lock path is a hard link to our claim
// file with matching contents.
func (l *Lock) linkedToUs() bool {
	info, err := os.Stat(l.tmpPath)
	if err != nil {
		return false
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok || st.Nlink != 2 {
		return false
	}
	lockData, err := os.ReadFile(l.path)
	if err != nil {
		return false
	}
	tmpData, err := os.ReadFile(l.tmpPath)
	if err != nil {
		return false
	}
	return string(lockData) == string(tmpData)
}

func (l *Lock) readHolder() (claim, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return claim{}, err
	}
	return parseClaim(string(data))
}

// processAlive reports whether a pid refers to a live process on this
// host. EPERM means the process exists but is owned by someone else.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// backoffInterval calculates the next poll interval with exponential
// backoff and jitter to desynchronize competing waiters.
func backoffInterval(attempt int) time.Duration {
	const (
		base = 100 * time.Millisecond
		max  = 2 * time.Second
	)
	multipliers := []time.Duration{1, 2, 4, 8, 16}
	var multiplier time.Duration = 16
	if attempt < len(multipliers) {
		multiplier = multipliers[attempt]
	}
	interval := base * multiplier
	if interval > max {
		interval = max
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(interval) * jitter)
}
