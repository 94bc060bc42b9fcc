// Package master implements the supervisor that starts, watches, and
// restarts the queue runner processes.
package master

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fenilsonani/list-server/internal/config"
	"github.com/fenilsonani/list-server/internal/lockfile"
	"github.com/fenilsonani/list-server/internal/logging"
	"github.com/fenilsonani/list-server/internal/metrics"
)

// Sentinel errors letting the CLI map startup failures to distinct
// exit codes.
var (
	// ErrLockFailure means the master lease could not be acquired.
	ErrLockFailure = errors.New("master lock unavailable")
	// ErrPrivilege means the process runs as the wrong user or group.
	ErrPrivilege = errors.New("privilege check failed")
)

// Decision is what the supervisor does after a child exits.
type Decision int

const (
	// Restart replaces the child with a fresh process.
	Restart Decision = iota
	// Stop retires the slot.
	Stop
	// Abandon retires the slot because it keeps dying.
	Abandon
)

// Slot identifies one runner child: a queue name and its slice of the
// partition.
type Slot struct {
	Name      string
	Slice     int
	NumSlices int
}

func (s Slot) String() string {
	return fmt.Sprintf("%s:%d:%d", s.Name, s.Slice, s.NumSlices)
}

// ParseSlot parses the name:slice:range form passed to child processes.
func ParseSlot(s string) (Slot, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Slot{}, fmt.Errorf("malformed runner spec %q", s)
	}
	slice, err1 := strconv.Atoi(parts[1])
	num, err2 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || num < 1 || slice < 0 || slice >= num {
		return Slot{}, fmt.Errorf("malformed runner spec %q", s)
	}
	return Slot{Name: parts[0], Slice: slice, NumSlices: num}, nil
}

// Decide maps a child's exit back to a supervisor action. A clean exit
// or a SIGTERM death is intentional and stops the slot; SIGINT asks for
// a restart; anything else is a crash, restarted until the budget runs
// out.
func Decide(err error, restarts, maxRestarts int) Decision {
	if err == nil {
		return Stop
	}
	if ee, ok := err.(*exec.ExitError); ok && ee.ProcessState != nil {
		if status, ok := ee.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			switch status.Signal() {
			case syscall.SIGTERM:
				return Stop
			case syscall.SIGINT:
				return Restart
			}
		}
	}
	if restarts >= maxRestarts {
		return Abandon
	}
	return Restart
}

// Master supervises the runner fleet.
type Master struct {
	cfg *config.Config
	log *logging.Logger

	lock *lockfile.Lock

	mu       sync.Mutex
	children map[string]*exec.Cmd
	wg       sync.WaitGroup
}

// New builds a master over the configured runner set.
func New(cfg *config.Config, log *logging.Logger) *Master {
	return &Master{
		cfg:      cfg,
		log:      log.Master(),
		children: make(map[string]*exec.Cmd),
	}
}

// Run acquires the master lock, spawns one child per runner slice, and
// supervises until a stop signal arrives. With force, a stale master
// lock left by a dead master on this host is broken first.
func (m *Master) Run(ctx context.Context, force bool) error {
	if err := m.checkUser(); err != nil {
		return err
	}

	m.lock = lockfile.New(m.cfg.LockPath("master-qrunner"), m.cfg.LockLifetime())
	if err := m.lock.Lock(10*time.Second, force); err != nil {
		if host, pid, herr := m.lock.Holder(); herr == nil {
			return fmt.Errorf("%w: master already running on %s as pid %d: %v", ErrLockFailure, host, pid, err)
		}
		return fmt.Errorf("%w: %v", ErrLockFailure, err)
	}
	defer m.lock.Unlock()

	lost := m.lock.KeepFresh(ctx)

	if err := m.writePID(); err != nil {
		return err
	}
	defer os.Remove(m.cfg.PIDFile())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable: %w", err)
	}
	for _, rc := range m.cfg.Runners {
		for slice := 0; slice < rc.Instances; slice++ {
			slot := Slot{Name: rc.Name, Slice: slice, NumSlices: rc.Instances}
			m.startChild(ctx, exe, slot, 0)
		}
	}
	m.log.InfoContext(ctx, "master started", "pid", os.Getpid(), "runners", len(m.cfg.Runners))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			m.shutdown(syscall.SIGTERM)
			return nil

		case <-lost:
			// Another master can now take over; get out of its way.
			m.log.Error("master lock lost, shutting down")
			m.shutdown(syscall.SIGTERM)
			return fmt.Errorf("master lock lost")

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGTERM:
				m.log.Info("stop signal received")
				m.shutdown(syscall.SIGTERM)
				return nil
			case syscall.SIGINT:
				// Children die by SIGINT and come back via the Restart
				// decision; the master keeps running.
				m.log.Info("restarting runners")
				m.signalChildren(syscall.SIGINT)
			case syscall.SIGHUP:
				m.log.Info("reopening logs")
				m.log.Reopen()
				m.signalChildren(syscall.SIGHUP)
			}
		}
	}
}

// startChild launches one runner child and watches it from a goroutine.
func (m *Master) startChild(ctx context.Context, exe string, slot Slot, restarts int) {
	cmd := exec.Command(exe, "runner", "--subproc", "--spec", slot.String())
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		m.log.Error("runner start failed", "runner", slot.String(), "error", err.Error())
		return
	}

	m.mu.Lock()
	m.children[slot.String()] = cmd
	m.mu.Unlock()
	m.log.Info("runner started", "runner", slot.String(), "pid", cmd.Process.Pid, "restarts", restarts)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := cmd.Wait()

		m.mu.Lock()
		delete(m.children, slot.String())
		m.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		switch Decide(err, restarts, m.cfg.Master.MaxRestarts) {
		case Stop:
			m.log.Info("runner stopped", "runner", slot.String())
		case Abandon:
			m.log.Error("runner abandoned after repeated crashes",
				"runner", slot.String(), "restarts", restarts)
		case Restart:
			metrics.RunnerRestarts.WithLabelValues(slot.Name).Inc()
			m.log.Info("restarting runner", "runner", slot.String(), "restarts", restarts+1)
			m.startChild(ctx, exe, slot, restarts+1)
		}
	}()
}

// shutdown signals all children and waits for them to exit.
func (m *Master) shutdown(sig syscall.Signal) {
	m.signalChildren(sig)
	m.wg.Wait()
	m.log.Info("all runners stopped")
}

func (m *Master) signalChildren(sig syscall.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for slot, cmd := range m.children {
		if cmd.Process == nil {
			continue
		}
		if err := cmd.Process.Signal(sig); err != nil {
			m.log.Warn("signal to runner failed", "runner", slot, "error", err.Error())
		}
	}
}

// checkUser refuses to run as the wrong account, the classic cause of
// permission-mangled queues.
func (m *Master) checkUser() error {
	if m.cfg.Master.User == "" {
		return nil
	}
	want, err := user.Lookup(m.cfg.Master.User)
	if err != nil {
		return fmt.Errorf("%w: lookup configured user %s: %v", ErrPrivilege, m.cfg.Master.User, err)
	}
	if uid := strconv.Itoa(os.Getuid()); uid != want.Uid {
		return fmt.Errorf("%w: must run as %s (uid %s), not uid %s", ErrPrivilege, m.cfg.Master.User, want.Uid, uid)
	}
	if m.cfg.Master.Group != "" {
		grp, err := user.LookupGroup(m.cfg.Master.Group)
		if err != nil {
			return fmt.Errorf("%w: lookup configured group %s: %v", ErrPrivilege, m.cfg.Master.Group, err)
		}
		if gid := strconv.Itoa(os.Getgid()); gid != grp.Gid {
			return fmt.Errorf("%w: must run as group %s (gid %s), not gid %s", ErrPrivilege, m.cfg.Master.Group, grp.Gid, gid)
		}
	}
	return nil
}

func (m *Master) writePID() error {
	return os.WriteFile(m.cfg.PIDFile(), []byte(strconv.Itoa(os.Getpid())+"\n"), 0640)
}

// SignalMaster sends a signal to the running master found via the pid
// file, used by the ctl stop/restart/reopen commands.
func SignalMaster(cfg *config.Config, sig syscall.Signal) error {
	data, err := os.ReadFile(cfg.PIDFile())
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("master does not appear to be running (no pid file)")
		}
		return err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("malformed pid file %s", cfg.PIDFile())
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return fmt.Errorf("signal master pid %d: %w", pid, err)
	}
	return nil
}
