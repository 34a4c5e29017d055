package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/corvohq/driftmail/internal/wire"
)

// transport is the strategy behind SendTask/SendRequest, chosen once at
// construction: the worker-backed real thing, or the demo bypass.
type transport interface {
	sendTask(ctx context.Context, b *Bridge, spec TaskSpec, timeout time.Duration) (wire.TaskResult, error)
	sendRequest(ctx context.Context, b *Bridge, action string, payload []byte, timeout time.Duration) ([]byte, error)
}

type workerTransport struct{}

func (workerTransport) sendTask(ctx context.Context, b *Bridge, spec TaskSpec, timeout time.Duration) (wire.TaskResult, error) {
	if err := b.EnsureReady(ctx); err != nil {
		return wire.TaskResult{}, err
	}

	id := b.ids.NewID()
	done := b.tasks.Add(id)
	if err := b.post(wire.Task{TaskID: id, Kind: spec.Kind, Payload: spec.Payload}); err != nil {
		b.tasks.Reject(id, err)
		return wire.TaskResult{}, fmt.Errorf("post task %q: %w", spec.Kind, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.Value, out.Err
	case <-timer.C:
		err := fmt.Errorf("task %q timed out after %s", spec.Kind, timeout)
		// Reject only this call; a late worker reply to the same id is a
		// harmless no-op.
		b.tasks.Reject(id, err)
		return wire.TaskResult{}, err
	case <-ctx.Done():
		b.tasks.Reject(id, ctx.Err())
		return wire.TaskResult{}, ctx.Err()
	}
}

func (workerTransport) sendRequest(ctx context.Context, b *Bridge, action string, payload []byte, timeout time.Duration) ([]byte, error) {
	if err := b.EnsureReady(ctx); err != nil {
		return nil, err
	}

	id := b.ids.NewID()
	done := b.requests.Add(id)
	if err := b.post(wire.Request{RequestID: id, Action: action, Payload: payload}); err != nil {
		b.requests.Reject(id, err)
		return nil, fmt.Errorf("post request %q: %w", action, err)
	}

	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case out := <-done:
		return out.Value, out.Err
	case <-timerC:
		err := fmt.Errorf("request %q timed out after %s", action, timeout)
		b.requests.Reject(id, err)
		return nil, err
	case <-ctx.Done():
		b.requests.Reject(id, ctx.Err())
		return nil, ctx.Err()
	}
}

// bypassTransport never touches the worker: tasks get a fixed inert result so
// caller fallback paths engage, requests fail outright so callers go straight
// to the network.
type bypassTransport struct{}

func (bypassTransport) sendTask(context.Context, *Bridge, TaskSpec, time.Duration) (wire.TaskResult, error) {
	return wire.InertTaskResult(), nil
}

func (bypassTransport) sendRequest(context.Context, *Bridge, string, []byte, time.Duration) ([]byte, error) {
	return nil, ErrBypass
}
