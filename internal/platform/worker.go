// Package platform provides the background execution unit primitive: an
// isolated unit that receives commands, emits events, and shares no memory
// with its creator beyond the messages themselves.
package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/corvohq/driftmail/internal/wire"
)

// ErrTerminated is returned by Post after the worker has been terminated.
var ErrTerminated = errors.New("worker terminated")

// Worker is the consumer-facing handle to a background execution unit.
type Worker interface {
	// Post delivers a command to the worker. Ports inside connect commands
	// transfer ownership to the worker.
	Post(cmd wire.Command) error
	// OnMessage registers the single event callback. Must be set before the
	// worker can be expected to deliver anything.
	OnMessage(fn func(wire.Event))
	// OnError registers the single crash callback.
	OnError(fn func(error))
	// Terminate stops the worker. Idempotent; in-flight work is abandoned.
	Terminate()
}

// Factory creates a fresh worker. The bridge calls it lazily and again after
// every crash.
type Factory func() (Worker, error)

// Runtime is the worker-side view of a GoroutineWorker: the command inbox and
// the event outbox.
type Runtime struct {
	w *GoroutineWorker
}

// Commands returns the worker's command inbox. The channel is never closed;
// bodies must select on ctx.Done to observe termination.
func (rt *Runtime) Commands() <-chan wire.Command {
	return rt.w.cmds
}

// Emit delivers an event to the foreground callback, if one is registered.
func (rt *Runtime) Emit(ev wire.Event) {
	rt.w.mu.Lock()
	fn := rt.w.onMessage
	rt.w.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Body is the main loop of a goroutine-backed worker. Returning a non-nil
// error, or panicking, is reported as a worker crash.
type Body func(ctx context.Context, rt *Runtime) error

// GoroutineWorker runs a Body on its own goroutine and implements Worker.
type GoroutineWorker struct {
	name string
	cmds chan wire.Command

	mu        sync.Mutex
	onMessage func(wire.Event)
	onError   func(error)

	cancel context.CancelFunc
	ctx    context.Context
	done   chan struct{}
	term   sync.Once
}

// NewGoroutineWorker starts body on a new goroutine.
func NewGoroutineWorker(name string, body Body) *GoroutineWorker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &GoroutineWorker{
		name:   name,
		cmds:   make(chan wire.Command, 128),
		cancel: cancel,
		ctx:    ctx,
		done:   make(chan struct{}),
	}
	go w.run(body)
	return w
}

func (w *GoroutineWorker) run(body Body) {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.fail(fmt.Errorf("worker %s panic: %v", w.name, r))
		}
	}()
	if err := body(w.ctx, &Runtime{w: w}); err != nil && w.ctx.Err() == nil {
		w.fail(fmt.Errorf("worker %s: %w", w.name, err))
	}
}

func (w *GoroutineWorker) fail(err error) {
	w.mu.Lock()
	fn := w.onError
	w.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Post implements Worker.
func (w *GoroutineWorker) Post(cmd wire.Command) error {
	select {
	case <-w.ctx.Done():
		return ErrTerminated
	default:
	}
	select {
	case w.cmds <- cmd:
		return nil
	case <-w.ctx.Done():
		return ErrTerminated
	}
}

// OnMessage implements Worker.
func (w *GoroutineWorker) OnMessage(fn func(wire.Event)) {
	w.mu.Lock()
	w.onMessage = fn
	w.mu.Unlock()
}

// OnError implements Worker.
func (w *GoroutineWorker) OnError(fn func(error)) {
	w.mu.Lock()
	w.onError = fn
	w.mu.Unlock()
}

// Terminate implements Worker.
func (w *GoroutineWorker) Terminate() {
	w.term.Do(w.cancel)
}

// Done is closed once the worker goroutine has exited. Useful in tests.
func (w *GoroutineWorker) Done() <-chan struct{} {
	return w.done
}
