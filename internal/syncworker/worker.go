// Package syncworker is the reference background sync worker. It speaks the
// command/event protocol the bridge expects: handshake with Init and PGPKeys,
// task and request execution, and direct peer pipes to the database and search
// workers.
package syncworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corvohq/driftmail/internal/bridge"
	"github.com/corvohq/driftmail/internal/dbworker"
	"github.com/corvohq/driftmail/internal/platform"
	"github.com/corvohq/driftmail/internal/wire"
)

// Handlers are the pluggable crypto hooks. The defaults report the capability
// as unavailable; real key handling plugs in here.
type Handlers struct {
	Decrypt func(ctx context.Context, req bridge.DecryptionRequest, keys wire.PGPKeys) (wire.TaskResult, error)
	Unlock  func(ctx context.Context, req bridge.UnlockRequest, keys wire.PGPKeys) (json.RawMessage, error)
}

// Factory returns a platform.Factory producing fresh sync workers.
func Factory(log *slog.Logger, h Handlers) platform.Factory {
	return func() (platform.Worker, error) {
		w := New(log, h)
		return platform.NewGoroutineWorker("sync", w.Body), nil
	}
}

// Worker holds the state of one sync worker instance. A fresh instance is
// created per factory call; crashed workers are never reused.
type Worker struct {
	log      *slog.Logger
	handlers Handlers

	mu         sync.Mutex
	config     wire.InitConfig
	keys       wire.PGPKeys
	dbPort     *wire.Port
	searchPort *wire.Port
}

// New creates an unstarted worker.
func New(log *slog.Logger, h Handlers) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if h.Decrypt == nil {
		h.Decrypt = func(context.Context, bridge.DecryptionRequest, wire.PGPKeys) (wire.TaskResult, error) {
			return wire.TaskResult{}, fmt.Errorf("pgp decryption unavailable")
		}
	}
	if h.Unlock == nil {
		h.Unlock = func(context.Context, bridge.UnlockRequest, wire.PGPKeys) (json.RawMessage, error) {
			return nil, fmt.Errorf("pgp key unlock unavailable")
		}
	}
	return &Worker{log: log, handlers: h}
}

// Body is the worker's main loop.
func (w *Worker) Body(ctx context.Context, rt *platform.Runtime) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-rt.Commands():
			switch c := cmd.(type) {
			case wire.Init:
				w.mu.Lock()
				w.config = c.Config
				w.mu.Unlock()
			case wire.PGPKeys:
				w.mu.Lock()
				w.keys = c
				w.mu.Unlock()
				w.log.Debug("pgp keys loaded", "account", c.Account, "keys", len(c.Keys))
			case wire.ConnectDBPort:
				w.mu.Lock()
				if w.dbPort != nil {
					w.dbPort.Close()
				}
				w.dbPort = c.Port
				w.mu.Unlock()
			case wire.ConnectSearchPort:
				w.mu.Lock()
				if w.searchPort != nil {
					w.searchPort.Close()
				}
				w.searchPort = c.Port
				w.mu.Unlock()
			case wire.Task:
				wg.Add(1)
				go func() {
					defer wg.Done()
					w.runTask(ctx, rt, c)
				}()
			case wire.Request:
				wg.Add(1)
				go func() {
					defer wg.Done()
					w.runRequest(ctx, rt, c)
				}()
			default:
				w.log.Warn("sync worker ignoring unexpected command", "command", fmt.Sprintf("%T", cmd))
			}
		}
	}
}

func (w *Worker) snapshot() (wire.PGPKeys, *wire.Port, *wire.Port) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.keys, w.dbPort, w.searchPort
}

func (w *Worker) runTask(ctx context.Context, rt *platform.Runtime, task wire.Task) {
	started := time.Now()
	keys, dbPort, searchPort := w.snapshot()

	var result wire.TaskResult
	var err error
	switch task.Kind {
	case bridge.TaskParse:
		var req bridge.ParseRequest
		if err = json.Unmarshal(task.Payload, &req); err == nil {
			result, err = w.parse(rt, task.TaskID, req)
		}
	case bridge.TaskDecrypt:
		var req bridge.DecryptionRequest
		if err = json.Unmarshal(task.Payload, &req); err == nil {
			result, err = w.handlers.Decrypt(ctx, req, keys)
		}
	default:
		err = fmt.Errorf("unknown task kind %q", task.Kind)
	}

	if err != nil {
		rt.Emit(wire.TaskError{TaskID: task.TaskID, Message: err.Error()})
		return
	}
	rt.Emit(wire.TaskComplete{TaskID: task.TaskID, Result: result})
	rt.Emit(wire.Perf{
		Name:     "task." + task.Kind,
		Millis:   time.Since(started).Milliseconds(),
		Metadata: map[string]string{"taskId": task.TaskID},
	})
	w.recordTaskState(ctx, dbPort, task.Kind)
	if task.Kind == bridge.TaskParse && result.Success {
		w.publishForIndexing(task.TaskID, result, searchPort)
	}
}

func (w *Worker) runRequest(ctx context.Context, rt *platform.Runtime, req wire.Request) {
	keys, _, _ := w.snapshot()

	var result json.RawMessage
	var err error
	switch req.Action {
	case bridge.ActionUnlockKey:
		var unlock bridge.UnlockRequest
		if err = json.Unmarshal(req.Payload, &unlock); err == nil {
			result, err = w.handlers.Unlock(ctx, unlock, keys)
		}
	default:
		err = fmt.Errorf("unknown request action %q", req.Action)
	}

	if err != nil {
		rt.Emit(wire.RequestError{RequestID: req.RequestID, Message: err.Error()})
		return
	}
	rt.Emit(wire.RequestComplete{RequestID: req.RequestID, Result: result})
}

// recordTaskState stamps the last completed task kind in the shared store.
// Best effort; sync correctness never depends on it.
func (w *Worker) recordTaskState(ctx context.Context, dbPort *wire.Port, kind string) {
	if dbPort == nil {
		return
	}
	entry, err := json.Marshal(dbworker.StateEntry{Key: "task.last", Value: kind})
	if err != nil {
		return
	}
	msg := wire.PortMessage{ID: uuid.NewString(), Op: dbworker.OpStateSet, Payload: entry}
	if err := dbPort.Post(msg); err != nil {
		w.log.Debug("db port write failed", "error", err)
		return
	}
	select {
	case <-ctx.Done():
	case <-dbPort.PeerDone():
	case <-dbPort.Receive():
	}
}

// IndexDocument is the shape published over the search pipe after a parse.
type IndexDocument struct {
	TaskID string `json:"taskId"`
	Body   string `json:"body"`
}

// publishForIndexing pushes the parsed body to the search peer. One-way
// traffic; the indexer never replies.
func (w *Worker) publishForIndexing(taskID string, result wire.TaskResult, searchPort *wire.Port) {
	if searchPort == nil {
		return
	}
	doc, err := json.Marshal(IndexDocument{TaskID: taskID, Body: result.Body})
	if err != nil {
		return
	}
	msg := wire.PortMessage{ID: uuid.NewString(), Op: "index.document", Payload: doc}
	if err := searchPort.Post(msg); err != nil {
		w.log.Debug("search port write failed", "error", err)
	}
}
