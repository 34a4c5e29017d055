package dbworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/corvohq/driftmail/internal/platform"
	"github.com/corvohq/driftmail/internal/wire"
)

// Port operations served to peer workers.
const (
	OpFolderUpsert   = "folder.upsert"
	OpFolderList     = "folder.list"
	OpEnvelopeUpsert = "envelope.upsert"
	OpEnvelopeList   = "envelope.list"
	OpStateGet       = "state.get"
	OpStateSet       = "state.set"
)

// EnvelopeListQuery is the payload for OpEnvelopeList.
type EnvelopeListQuery struct {
	Folder string `json:"folder"`
}

// StateEntry is the payload for OpStateGet and OpStateSet.
type StateEntry struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// Provider owns the single database worker. The worker is created and its
// store opened on the first Handle call; later calls return the same handle.
type Provider struct {
	path string
	log  *slog.Logger

	mu     sync.Mutex
	worker *platform.GoroutineWorker
	store  *Store
}

// NewProvider creates a provider for the store at path.
func NewProvider(path string, log *slog.Logger) *Provider {
	if log == nil {
		log = slog.Default()
	}
	return &Provider{path: path, log: log}
}

// Handle returns the database worker, creating it on first use.
func (p *Provider) Handle(ctx context.Context) (platform.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.worker != nil {
		return p.worker, nil
	}
	store, err := OpenStore(ctx, p.path)
	if err != nil {
		return nil, err
	}
	p.store = store
	p.worker = platform.NewGoroutineWorker("db", Body(store, p.log))
	return p.worker, nil
}

// Close terminates the worker and closes the store.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.worker != nil {
		p.worker.Terminate()
		<-p.worker.Done()
		p.worker = nil
	}
	if p.store != nil {
		err := p.store.Close()
		p.store = nil
		return err
	}
	return nil
}

// Body is the database worker's main loop. It accepts peer port connections
// and serves each on its own goroutine until the port or the worker closes.
func Body(store *Store, log *slog.Logger) platform.Body {
	return func(ctx context.Context, rt *platform.Runtime) error {
		var wg sync.WaitGroup
		defer wg.Wait()
		for {
			select {
			case <-ctx.Done():
				return nil
			case cmd := <-rt.Commands():
				conn, ok := cmd.(wire.ConnectPort)
				if !ok {
					log.Warn("db worker ignoring unexpected command", "command", fmt.Sprintf("%T", cmd))
					continue
				}
				log.Debug("db worker peer connected", "peer", conn.WorkerID)
				wg.Add(1)
				go func() {
					defer wg.Done()
					servePort(ctx, store, conn.Port, log)
				}()
			}
		}
	}
}

func servePort(ctx context.Context, store *Store, port *wire.Port, log *slog.Logger) {
	defer port.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-port.Done():
			return
		case <-port.PeerDone():
			return
		case msg := <-port.Receive():
			reply := handleOp(ctx, store, msg)
			if err := port.Post(reply); err != nil {
				return
			}
			if msg.Op != OpStateGet {
				log.Debug("db op served", "op", msg.Op, "error", reply.Err)
			}
		}
	}
}

func handleOp(ctx context.Context, store *Store, msg wire.PortMessage) wire.PortMessage {
	reply := wire.PortMessage{ID: msg.ID}
	result, err := dispatchOp(ctx, store, msg.Op, msg.Payload)
	if err != nil {
		reply.Err = err.Error()
		return reply
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			reply.Err = fmt.Sprintf("encode %s result: %v", msg.Op, err)
			return reply
		}
		reply.Payload = raw
	}
	return reply
}

func dispatchOp(ctx context.Context, store *Store, op string, payload json.RawMessage) (any, error) {
	switch op {
	case OpFolderUpsert:
		var f Folder
		if err := json.Unmarshal(payload, &f); err != nil {
			return nil, fmt.Errorf("decode folder: %w", err)
		}
		return nil, store.UpsertFolder(ctx, f)
	case OpFolderList:
		return store.ListFolders(ctx)
	case OpEnvelopeUpsert:
		var e Envelope
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		return nil, store.UpsertEnvelope(ctx, e)
	case OpEnvelopeList:
		var q EnvelopeListQuery
		if err := json.Unmarshal(payload, &q); err != nil {
			return nil, fmt.Errorf("decode envelope query: %w", err)
		}
		return store.ListEnvelopes(ctx, q.Folder)
	case OpStateGet:
		var entry StateEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, fmt.Errorf("decode state key: %w", err)
		}
		value, err := store.SyncState(ctx, entry.Key)
		if err != nil {
			return nil, err
		}
		return StateEntry{Key: entry.Key, Value: value}, nil
	case OpStateSet:
		var entry StateEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, fmt.Errorf("decode state entry: %w", err)
		}
		return nil, store.SetSyncState(ctx, entry.Key, entry.Value)
	default:
		return nil, fmt.Errorf("unknown db op %q", op)
	}
}
