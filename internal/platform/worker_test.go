package platform

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/corvohq/driftmail/internal/wire"
)

// echoBody acknowledges every task with an empty successful result.
func echoBody(ctx context.Context, rt *Runtime) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-rt.Commands():
			if task, ok := cmd.(wire.Task); ok {
				rt.Emit(wire.TaskComplete{TaskID: task.TaskID, Result: wire.TaskResult{Success: true}})
			}
		}
	}
}

func TestPostAndEmit(t *testing.T) {
	w := NewGoroutineWorker("echo", echoBody)
	t.Cleanup(w.Terminate)

	got := make(chan wire.Event, 1)
	w.OnMessage(func(ev wire.Event) { got <- ev })

	if err := w.Post(wire.Task{TaskID: "t1", Kind: "noop"}); err != nil {
		t.Fatalf("Post: %v", err)
	}

	select {
	case ev := <-got:
		tc, ok := ev.(wire.TaskComplete)
		if !ok || tc.TaskID != "t1" {
			t.Fatalf("event = %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event emitted")
	}
}

func TestTerminateStopsWorker(t *testing.T) {
	w := NewGoroutineWorker("echo", echoBody)
	w.Terminate()
	w.Terminate() // idempotent

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit")
	}
	if err := w.Post(wire.Task{TaskID: "t"}); !errors.Is(err, ErrTerminated) {
		t.Errorf("Post after terminate = %v, want ErrTerminated", err)
	}
}

func TestBodyErrorReportedOnce(t *testing.T) {
	boom := errors.New("boom")
	var mu sync.Mutex
	var errs []error

	w := NewGoroutineWorker("bad", func(ctx context.Context, rt *Runtime) error {
		return boom
	})
	w.OnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})

	// OnError may be registered after the body already failed in this test,
	// so give the goroutine a moment either way.
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit")
	}
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(errs) > 1 {
		t.Fatalf("error reported %d times", len(errs))
	}
	if len(errs) == 1 && !errors.Is(errs[0], boom) {
		t.Errorf("reported %v, want wrapped %v", errs[0], boom)
	}
}

func TestPanicReportedAsError(t *testing.T) {
	got := make(chan error, 1)
	w := NewGoroutineWorker("panicky", func(ctx context.Context, rt *Runtime) error {
		// Block until the error callback is registered, then blow up.
		<-rt.Commands()
		panic("kaboom")
	})
	w.OnError(func(err error) { got <- err })

	if err := w.Post(wire.Task{TaskID: "trigger"}); err != nil {
		t.Fatalf("Post: %v", err)
	}

	select {
	case err := <-got:
		if err == nil {
			t.Fatal("nil crash error")
		}
	case <-time.After(time.Second):
		t.Fatal("panic not reported")
	}
}
