// Package runner implements the long-lived queue worker loop shared by
// every queue runner, and the registry of concrete handlers.
//
// A runner scans its queue slice, claims entries one at a time, and asks
// its handler to dispose of each. A handler error never stops the loop:
// the failing entry is moved to the shunt queue for operator attention
// and processing continues with the next entry.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fenilsonani/list-server/internal/audit"
	"github.com/fenilsonani/list-server/internal/config"
	"github.com/fenilsonani/list-server/internal/list"
	"github.com/fenilsonani/list-server/internal/logging"
	"github.com/fenilsonani/list-server/internal/metrics"
	"github.com/fenilsonani/list-server/internal/queue"
)

// Handler disposes of queue entries for one queue.
type Handler interface {
	// Dispose processes one entry. Returning requeue=true puts the entry
	// back on the same queue for a later pass (used for deferred and
	// retried work). A non-nil error shunts the entry.
	Dispose(ctx context.Context, msg []byte, meta queue.Metadata) (requeue bool, err error)
}

// PeriodicHandler is implemented by handlers that do housekeeping
// between queue scans.
type PeriodicHandler interface {
	Periodic(ctx context.Context)
}

// Deps carries everything a handler factory can draw on.
type Deps struct {
	Config  *config.Config
	Logger  *logging.Logger
	Store   *list.Store
	Journal *audit.Journal
}

// Factory builds a handler from its dependencies.
type Factory func(Deps) (Handler, error)

var factories = map[string]Factory{}

// timeNow is swapped in tests.
var timeNow = time.Now

// Register installs a handler factory under a queue name. Called from
// init in each handler file.
func Register(name string, f Factory) {
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("runner %s registered twice", name))
	}
	factories[name] = f
}

// Names returns the registered runner names.
func Names() []string {
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	return out
}

// Runner drives one queue slice through its handler.
type Runner struct {
	name    string
	sb      *queue.Switchboard
	shunt   *queue.Switchboard
	badDir  string
	handler Handler
	log     *logging.Logger
	sleep   time.Duration
	once    bool
}

// New builds a runner for one slice of a named queue.
func New(name string, slice, numSlices int, deps Deps, once bool) (*Runner, error) {
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown runner: %s", name)
	}
	handler, err := factory(deps)
	if err != nil {
		return nil, fmt.Errorf("build %s handler: %w", name, err)
	}
	return &Runner{
		name:    name,
		sb:      queue.NewSlice(name, deps.Config.QueuePath(name), slice, numSlices),
		shunt:   queue.New("shunt", deps.Config.QueuePath("shunt")),
		badDir:  deps.Config.QueuePath("bad"),
		handler: handler,
		log:     deps.Logger.Runner(name),
		sleep:   deps.Config.RunnerSleep(),
		once:    once,
	}, nil
}

// Run is the runner main loop. It returns when ctx is canceled, or after
// one pass when the runner was built with once.
func (r *Runner) Run(ctx context.Context) error {
	ctx = logging.WithQueue(ctx, r.name)

	// Entries claimed by a previous incarnation that crashed mid-work
	// are put back before the first scan.
	if n, err := r.sb.RecoverBackups(); err != nil {
		r.log.ErrorContext(ctx, "backup recovery failed", err)
	} else if n > 0 {
		r.log.InfoContext(ctx, "recovered orphaned entries", "count", n)
	}

	for {
		advanced, err := r.oneScan(ctx)
		if err != nil {
			return err
		}
		if ph, ok := r.handler.(PeriodicHandler); ok {
			ph.Periodic(ctx)
		}
		if r.once {
			return nil
		}
		// A scan that only requeued entries (work deferred to a later
		// pass) is idle for sleep purposes, or the loop would spin.
		if advanced == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.sleep):
			}
		} else if ctx.Err() != nil {
			return nil
		}
	}
}

// oneScan claims and disposes every ready entry in this slice once,
// returning the number of entries that made progress (anything but a
// requeue).
func (r *Runner) oneScan(ctx context.Context) (int, error) {
	files, err := r.sb.Files()
	if err != nil {
		return 0, fmt.Errorf("scan %s queue: %w", r.name, err)
	}
	if depth, err := r.sb.Len(); err == nil {
		metrics.QueueDepth.WithLabelValues(r.name).Set(float64(depth))
	}

	advanced := 0
	for _, filebase := range files {
		if ctx.Err() != nil {
			return advanced, nil
		}
		if r.processEntry(ctx, filebase) {
			advanced++
		}
	}
	return advanced, nil
}

// processEntry handles one claimed entry and reports whether it made
// progress (false only for requeues).
func (r *Runner) processEntry(ctx context.Context, filebase string) bool {
	ctx = logging.WithFilebase(ctx, filebase)

	msg, meta, err := r.sb.Dequeue(filebase)
	if errors.Is(err, queue.ErrNotFound) {
		return false
	}
	if err != nil {
		r.log.ErrorContext(ctx, "dequeue failed", err)
		return false
	}
	if msg == nil && meta == nil {
		// Unparseable entry: keep the artifact in the bad queue.
		r.log.WarnContext(ctx, "unparseable queue entry preserved")
		if err := r.sb.Finish(filebase, true, r.badDir); err != nil {
			r.log.ErrorContext(ctx, "preserve failed", err)
		}
		metrics.EntriesProcessed.WithLabelValues(r.name, "bad").Inc()
		return true
	}

	start := time.Now()
	requeue, derr := r.handler.Dispose(ctx, msg, meta)
	metrics.ProcessDuration.WithLabelValues(r.name).Observe(time.Since(start).Seconds())

	switch {
	case derr != nil:
		r.shuntEntry(ctx, filebase, msg, meta, derr)
		return true
	case requeue:
		if _, err := r.sb.Enqueue(msg, meta.Copy()); err != nil {
			r.log.ErrorContext(ctx, "requeue failed", err)
			r.shuntEntry(ctx, filebase, msg, meta, err)
			return true
		}
		if err := r.sb.Finish(filebase, false, ""); err != nil {
			r.log.ErrorContext(ctx, "finish after requeue failed", err)
		}
		metrics.EntriesProcessed.WithLabelValues(r.name, "requeued").Inc()
		return false
	default:
		if err := r.sb.Finish(filebase, false, ""); err != nil {
			r.log.ErrorContext(ctx, "finish failed", err)
		}
		metrics.EntriesProcessed.WithLabelValues(r.name, "done").Inc()
		return true
	}
}

// shuntEntry moves a failing entry to the shunt queue, recording where
// it came from so unshunt can put it back.
func (r *Runner) shuntEntry(ctx context.Context, filebase string, msg []byte, meta queue.Metadata, cause error) {
	r.log.ErrorContext(ctx, "entry shunted", cause)

	m := meta.Copy()
	m["lastq"] = r.name
	m["shunt_error"] = cause.Error()
	m["shunt_time"] = time.Now().Unix()

	if _, err := r.shunt.Enqueue(msg, m); err != nil {
		// Can't even shunt; preserve the claimed artifact instead of
		// losing the message.
		r.log.ErrorContext(ctx, "shunt enqueue failed, preserving entry", err)
		if perr := r.sb.Finish(filebase, true, r.badDir); perr != nil {
			r.log.ErrorContext(ctx, "preserve failed", perr)
		}
		return
	}
	if err := r.sb.Finish(filebase, false, ""); err != nil {
		r.log.ErrorContext(ctx, "finish after shunt failed", err)
	}
	metrics.EntriesProcessed.WithLabelValues(r.name, "shunted").Inc()
}

// Unshunt moves entries from the shunt queue back onto the queues they
// came from. With which set, only entries shunted from that queue move.
// Returns the number of entries restored.
func Unshunt(cfg *config.Config, log *logging.Logger, journal *audit.Journal, which string) (int, error) {
	shunt := queue.New("shunt", cfg.QueuePath("shunt"))
	badDir := cfg.QueuePath("bad")
	files, err := shunt.Files()
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, filebase := range files {
		msg, meta, err := shunt.Dequeue(filebase)
		if err != nil {
			continue
		}
		if msg == nil && meta == nil {
			// Unparseable artifact. Park it in bad/ rather than leave a
			// .bak for RecoverBackups to churn forever.
			if err := shunt.Finish(filebase, true, badDir); err != nil {
				return restored, err
			}
			continue
		}
		lastq := meta.String("lastq")
		if lastq == "" {
			lastq = "incoming"
		}
		if which != "" && lastq != which {
			// Not requested; put it back untouched.
			if _, err := shunt.Enqueue(msg, meta.Copy()); err == nil {
				shunt.Finish(filebase, false, "")
			}
			continue
		}

		m := meta.Copy()
		delete(m, "lastq")
		delete(m, "shunt_error")
		delete(m, "shunt_time")
		dst := queue.New(lastq, cfg.QueuePath(lastq))
		if _, err := dst.Enqueue(msg, m); err != nil {
			return restored, fmt.Errorf("unshunt to %s: %w", lastq, err)
		}
		if err := shunt.Finish(filebase, false, ""); err != nil {
			return restored, err
		}
		journal.Record(audit.EventUnshunt, m.String("listname"), filebase, "restored to "+lastq)
		log.InfoContext(context.Background(), "entry unshunted", "filebase", filebase, "queue", lastq)
		restored++
	}
	return restored, nil
}
