package exec

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/worker/v4"
	"github.com/rs/zerolog"
	"gopkg.in/tomb.v2"

	"github.com/opstools/ssh-broker/internal/models"
)

// BackgroundResult is recorded for every backgroundExecute invocation and
// handed to the task's BackgroundResultFunc, when one was given to Start.
type BackgroundResult struct {
	ConnID  string
	Command string
	Result  *ExecResult
	Err     error
	RanAt   time.Time
}

// BackgroundResultFunc receives every invocation outcome of a background
// task, success or failure; errors never stop the timer (spec.md §4.F).
type BackgroundResultFunc func(BackgroundResult)

// backgroundWorker is a tomb-supervised timer loop running one command on
// one connection, grounded on gopkg.in/tomb.v2's Tomb{}+Go(run) idiom (a
// genuine juju-juju dependency, e.g. worker/upgradedatabase/worker.go).
type backgroundWorker struct {
	tomb tomb.Tomb

	engine   *Engine
	connID   string
	command  string
	cwd      string
	interval time.Duration
	onResult BackgroundResultFunc
	tracker  *taskTracker
	log      zerolog.Logger
}

func (w *backgroundWorker) run() error {
	w.tomb.Go(func() error {
		w.invoke()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.tomb.Dying():
				return tomb.ErrDying
			case <-ticker.C:
				w.invoke()
			}
		}
	})
	return nil
}

func (w *backgroundWorker) invoke() {
	ctx := context.Background()
	result, err := w.engine.ExecuteCommand(ctx, w.connID, w.command, ExecOptions{Cwd: w.cwd})
	if w.tracker != nil {
		w.tracker.recordRun(w.connID, err)
	}
	if w.onResult != nil {
		w.onResult(BackgroundResult{ConnID: w.connID, Command: w.command, Result: result, Err: err, RanAt: time.Now()})
	}
	if err != nil {
		w.log.Debug().Err(err).Str("conn_id", w.connID).Msg("background task invocation failed, timer continues")
	}
}

// Kill is part of the worker.Worker interface.
func (w *backgroundWorker) Kill() { w.tomb.Kill(nil) }

// Wait is part of the worker.Worker interface.
func (w *backgroundWorker) Wait() error { return w.tomb.Wait() }

// backgroundWorkerName is the runner slot for a connection's single
// background task; StartWorker/StopWorker replace-on-new-call is
// implemented simply by always using this one slot name per connection.
func backgroundWorkerName(connID string) string { return "bg-" + connID }

// taskTracker records the models.BackgroundTask bookkeeping the runner
// itself does not need (listBackgroundTasks/stopAllBackgroundTasks), kept
// alongside the worker.Runner rather than inside it since the Runner has
// no notion of "list all slots".
type taskTracker struct {
	mu    sync.Mutex
	tasks map[string]*models.BackgroundTask
}

func newTaskTracker() *taskTracker {
	return &taskTracker{tasks: make(map[string]*models.BackgroundTask)}
}

func (t *taskTracker) started(connID, command string, intervalMs int64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks[connID] = &models.BackgroundTask{ConnectionID: connID, Command: command, IntervalMs: intervalMs, LastCheck: now}
}

func (t *taskTracker) recordRun(connID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[connID]
	if !ok {
		return
	}
	task.LastCheck = time.Now()
	task.RunCount++
	if err != nil {
		task.LastError = err.Error()
	}
}

func (t *taskTracker) stopped(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tasks, connID)
}

func (t *taskTracker) list() []*models.BackgroundTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*models.BackgroundTask, 0, len(t.tasks))
	for _, task := range t.tasks {
		clone := *task
		out = append(out, &clone)
	}
	return out
}

// BackgroundRunner enforces one backgroundExecute task per connection,
// replacing any prior task, per spec.md §4.F.
type BackgroundRunner struct {
	engine  *Engine
	runner  *worker.Runner
	tracker *taskTracker
	log     zerolog.Logger
}

// NewBackgroundRunner builds a BackgroundRunner. The runner never restarts
// a finished task on its own: a background task only stops via
// stopBackground, disconnect, or delete.
func NewBackgroundRunner(engine *Engine, clk clock.Clock, log zerolog.Logger) *BackgroundRunner {
	return &BackgroundRunner{
		engine:  engine,
		log:     log,
		tracker: newTaskTracker(),
		runner: worker.NewRunner(worker.RunnerParams{
			IsFatal: func(error) bool { return false },
			Clock:   clk,
		}),
	}
}

// Start replaces any prior background task for connID and begins running
// command every interval, starting immediately.
func (b *BackgroundRunner) Start(connID, command string, interval time.Duration, cwd string, onResult BackgroundResultFunc) error {
	name := backgroundWorkerName(connID)
	_ = b.runner.StopWorker(name) // idempotent; replaces any prior task
	b.tracker.started(connID, command, interval.Milliseconds(), time.Now())

	return b.runner.StartWorker(name, func() (worker.Worker, error) {
		w := &backgroundWorker{
			engine:   b.engine,
			connID:   connID,
			command:  command,
			cwd:      cwd,
			interval: interval,
			onResult: onResult,
			tracker:  b.tracker,
			log:      b.log,
		}
		_ = w.run()
		return w, nil
	})
}

// Stop implements stopBackground(connId). StartWorker/StopWorker are
// documented idempotent by github.com/juju/worker/v4 itself, so stopping an
// already-stopped or never-started task is a no-op.
func (b *BackgroundRunner) Stop(connID string) error {
	if err := b.runner.StopWorker(backgroundWorkerName(connID)); err != nil {
		b.log.Debug().Err(err).Str("conn_id", connID).Msg("stopBackground: no running task")
	}
	b.tracker.stopped(connID)
	return nil
}

// List implements listBackgroundTasks(), per spec.md §6.
func (b *BackgroundRunner) List() []*models.BackgroundTask {
	return b.tracker.list()
}

// StopAll implements stopAllBackgroundTasks(), per spec.md §6.
func (b *BackgroundRunner) StopAll() {
	for _, task := range b.tracker.list() {
		_ = b.Stop(task.ConnectionID)
	}
}
