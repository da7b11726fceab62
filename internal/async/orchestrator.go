// Package async implements the Async Command Orchestrator (spec.md §4.6,
// C6): a single persistent worker that runs one step/continue command at
// a time and can be interrupted while it waits for a stop-reply.
//
// Grounded on go-ublk/internal/queue.Runner's one-slot mailbox worker:
// a single goroutine launched once, consuming requests off a channel
// instead of spawning a goroutine per command (spec.md §9: "model as a
// single persistent worker task that consumes a one-slot command
// mailbox").
package async

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/microsoft/exdi-gdbrsp-core/internal/rsperr"
)

// Executor is the narrow surface the Orchestrator needs from the
// Controller: send one command, optionally fanning out, and observe the
// cancellation event.
type Executor interface {
	// Run sends command and blocks until a terminal reply (stop-reply or
	// process-exit) arrives, or the cancel channel closes.
	Run(command string, cancel <-chan struct{}) (string, error)
	// Interrupt sends the interrupt byte to the configured scope.
	Interrupt() error
}

type job struct {
	id      xid.ID // per-command correlation ID, returned to the caller by Start
	command string
	done    chan struct{}
	result  string
	err     error
}

// Orchestrator owns the one persistent worker goroutine and the
// at-most-one-outstanding-command invariant spec.md §4.6/§5 requires.
type Orchestrator struct {
	exec Executor

	mu        sync.Mutex
	current   *job
	cancel    chan struct{}
	inFlight  int32
	workerRun sync.Once
	jobs      chan *job
}

// New builds an Orchestrator bound to exec. The worker goroutine starts
// lazily on the first Start call.
func New(exec Executor) *Orchestrator {
	return &Orchestrator{exec: exec, jobs: make(chan *job, 1)}
}

func (o *Orchestrator) ensureWorker() {
	o.workerRun.Do(func() {
		go o.workerLoop()
	})
}

func (o *Orchestrator) workerLoop() {
	for j := range o.jobs {
		o.mu.Lock()
		cancel := o.cancel
		o.mu.Unlock()

		result, err := o.exec.Run(j.command, cancel)

		o.mu.Lock()
		j.result, j.err = result, err
		o.current = nil
		atomic.StoreInt32(&o.inFlight, 0)
		o.mu.Unlock()
		close(j.done)
	}
}

// Start launches command asynchronously and returns the correlation ID
// assigned to it. Returns an error if another command is already
// outstanding (spec.md §5: "at most one outstanding async command per
// session").
func (o *Orchestrator) Start(command string) (xid.ID, error) {
	o.ensureWorker()
	o.mu.Lock()
	if o.current != nil {
		o.mu.Unlock()
		return xid.ID{}, rsperr.New("async.Start", rsperr.KindInvalidArgument, nil)
	}
	j := &job{id: xid.New(), command: command, done: make(chan struct{})}
	o.current = j
	o.cancel = make(chan struct{})
	atomic.StoreInt32(&o.inFlight, 1)
	o.mu.Unlock()

	o.jobs <- j
	return j.id, nil
}

// IsInProgress reports whether a command is currently outstanding.
func (o *Orchestrator) IsInProgress() bool {
	return atomic.LoadInt32(&o.inFlight) == 1
}

// Result waits up to timeout for the outstanding command to finish,
// returning (text, true) on completion or ("", false) on timeout
// (spec.md §4.6: "result(timeout_ms) returns Option<text>").
func (o *Orchestrator) Result(timeout time.Duration) (string, bool, error) {
	o.mu.Lock()
	j := o.current
	o.mu.Unlock()
	if j == nil {
		return "", false, nil
	}
	select {
	case <-j.done:
		return j.result, true, j.err
	case <-time.After(timeout):
		return "", false, nil
	}
}

// Interrupt sends the interrupt byte and closes the cancellation channel
// the worker's Run call observes; a no-op if nothing is outstanding
// (spec.md §8: "Interrupt issued while no command is outstanding is a
// no-op (idempotent)").
func (o *Orchestrator) Interrupt() error {
	o.mu.Lock()
	cancel := o.cancel
	inProgress := o.current != nil
	o.mu.Unlock()

	if !inProgress {
		return nil
	}
	err := o.exec.Interrupt()
	if cancel != nil {
		select {
		case <-cancel:
			// already closed
		default:
			close(cancel)
		}
	}
	return err
}
