// Package bridge owns the lifecycle of the background sync worker and exposes
// fire-and-forget tasks and request/response calls on top of it.
//
// The bridge holds the only live worker handle. Readiness is rebuilt lazily:
// a crash or an account switch tears everything down and the next call runs
// the full init handshake again. Nothing in here is fatal to the process.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/corvohq/driftmail/internal/pending"
	"github.com/corvohq/driftmail/internal/platform"
	"github.com/corvohq/driftmail/internal/wire"
)

var (
	// ErrNoAuthHeader aborts readiness when no auth header can be produced.
	ErrNoAuthHeader = errors.New("no auth header available")
	// ErrBypass is returned by requests in demo mode so callers fall back to
	// a direct network call.
	ErrBypass = errors.New("sync worker bypassed in demo mode")
	// ErrAccountSwitched rejects pending calls cleared by ResetReady.
	ErrAccountSwitched = errors.New("account switched")

	errTerminated = errors.New("bridge terminated")
)

// AuthProvider produces the auth header for the init handshake. An empty
// string means no credentials are available and readiness must fail.
type AuthProvider interface {
	AuthHeader() string
}

// KeySource reads the active account's PGP key material. Implementations must
// read fresh state on every call, never cache.
type KeySource interface {
	PGPKeys() (wire.PGPKeys, error)
}

// DBProvider returns the database worker handle, creating and initializing it
// if needed.
type DBProvider interface {
	Handle(ctx context.Context) (platform.Worker, error)
}

// IDGenerator produces unique call ids.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator is the default IDGenerator.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.NewString() }

// TaskSpec describes a fire-and-forget unit of work.
type TaskSpec struct {
	Kind    string
	Payload []byte
}

// Options tune a single call. For tasks a zero Timeout selects the configured
// default; for requests a zero Timeout disables the timeout entirely.
type Options struct {
	Timeout time.Duration
}

// Config holds bridge configuration.
type Config struct {
	APIBase            string
	Demo               bool
	DefaultTaskTimeout time.Duration
	DecryptTimeout     time.Duration
	ParseTimeout       time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTaskTimeout: 30 * time.Second,
		DecryptTimeout:     5 * time.Minute,
		ParseTimeout:       2 * time.Minute,
	}
}

// Deps are the bridge's external collaborators.
type Deps struct {
	Log       *slog.Logger
	Auth      AuthProvider
	Keys      KeySource
	NewWorker platform.Factory
	DB        DBProvider
	IDs       IDGenerator
}

// Bridge is the foreground handle to the sync worker.
type Bridge struct {
	cfg       Config
	log       *slog.Logger
	auth      AuthProvider
	keys      KeySource
	newWorker platform.Factory
	db        DBProvider
	ids       IDGenerator
	transport transport
	tracer    trace.Tracer

	mu           sync.Mutex
	worker       platform.Worker
	ready        bool
	channelWired bool
	generation   uint64
	dbNear       *wire.Port
	dbFar        *wire.Port

	tasks    *pending.Registry[wire.TaskResult]
	requests *pending.Registry[[]byte]

	subMu        sync.Mutex
	nextSub      int
	progressSubs map[int]func(wire.Progress)
	perfSubs     map[int]func(wire.Perf)
	completeSubs map[int]func(wire.TaskComplete)
}

// New creates a bridge. The worker itself is built lazily on first use.
func New(cfg Config, deps Deps) *Bridge {
	def := DefaultConfig()
	if cfg.DefaultTaskTimeout == 0 {
		cfg.DefaultTaskTimeout = def.DefaultTaskTimeout
	}
	if cfg.DecryptTimeout == 0 {
		cfg.DecryptTimeout = def.DecryptTimeout
	}
	if cfg.ParseTimeout == 0 {
		cfg.ParseTimeout = def.ParseTimeout
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.IDs == nil {
		deps.IDs = UUIDGenerator{}
	}

	b := &Bridge{
		cfg:          cfg,
		log:          deps.Log,
		auth:         deps.Auth,
		keys:         deps.Keys,
		newWorker:    deps.NewWorker,
		db:           deps.DB,
		ids:          deps.IDs,
		tracer:       otel.Tracer("driftmail/bridge"),
		tasks:        pending.NewRegistry[wire.TaskResult](),
		requests:     pending.NewRegistry[[]byte](),
		progressSubs: make(map[int]func(wire.Progress)),
		perfSubs:     make(map[int]func(wire.Perf)),
		completeSubs: make(map[int]func(wire.TaskComplete)),
	}
	if cfg.Demo {
		b.transport = bypassTransport{}
	} else {
		b.transport = workerTransport{}
	}
	return b
}

// EnsureReady brings the worker to a usable state. Idempotent while ready.
// After a crash or ResetReady the whole handshake runs again: init message
// with a freshly computed auth header, current PGP key material, and the
// database peer channel.
func (b *Bridge) EnsureReady(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ensureReadyLocked(ctx)
}

func (b *Bridge) ensureReadyLocked(ctx context.Context) error {
	if b.worker != nil && b.ready && b.channelWired {
		return nil
	}

	header := b.auth.AuthHeader()
	if header == "" {
		return ErrNoAuthHeader
	}

	if b.worker == nil {
		w, err := b.newWorker()
		if err != nil {
			return fmt.Errorf("create sync worker: %w", err)
		}
		w.OnMessage(b.handleEvent)
		w.OnError(func(err error) { b.handleCrash(w, err) })
		b.worker = w
		b.log.Info("sync worker created", "generation", b.generation)
	}

	if err := b.worker.Post(wire.Init{Config: wire.InitConfig{APIBase: b.cfg.APIBase, AuthHeader: header}}); err != nil {
		return fmt.Errorf("send init: %w", err)
	}
	keys, err := b.keys.PGPKeys()
	if err != nil {
		return fmt.Errorf("load pgp keys: %w", err)
	}
	if err := b.worker.Post(keys); err != nil {
		return fmt.Errorf("send pgp keys: %w", err)
	}

	if !b.channelWired {
		if err := b.wireDBPortLocked(ctx); err != nil {
			return fmt.Errorf("database worker init: %w", err)
		}
		b.channelWired = true
	}

	b.ready = true
	return nil
}

// wireDBPortLocked connects the sync worker to the database worker through a
// dedicated pipe. The sync worker cannot usefully run without database
// access, so any failure here fails the whole readiness pass.
func (b *Bridge) wireDBPortLocked(ctx context.Context) error {
	dbw, err := b.db.Handle(ctx)
	if err != nil {
		return err
	}
	near, far := wire.Pipe()
	workerID := fmt.Sprintf("sync-%d", b.generation)
	if err := dbw.Post(wire.ConnectPort{WorkerID: workerID, Port: near}); err != nil {
		near.Close()
		far.Close()
		return fmt.Errorf("hand port to database worker: %w", err)
	}
	if err := b.worker.Post(wire.ConnectDBPort{Port: far}); err != nil {
		near.Close()
		far.Close()
		return fmt.Errorf("hand port to sync worker: %w", err)
	}
	b.dbNear = near
	b.dbFar = far
	return nil
}

// closeDBPipeLocked retires the current generation's database pipe. Closing
// both endpoints unblocks the database worker's serve loop; without this every
// crash or account switch would strand one serve goroutine forever.
func (b *Bridge) closeDBPipeLocked() {
	if b.dbNear != nil {
		b.dbNear.Close()
		b.dbNear = nil
	}
	if b.dbFar != nil {
		b.dbFar.Close()
		b.dbFar = nil
	}
}

// handleEvent is the single message callback; the union is matched
// exhaustively and replies for ids nobody is waiting on fall through the
// registries as no-ops.
func (b *Bridge) handleEvent(ev wire.Event) {
	switch m := ev.(type) {
	case wire.TaskComplete:
		b.tasks.Resolve(m.TaskID, m.Result)
		b.notifyTaskComplete(m)
	case wire.TaskError:
		b.tasks.Reject(m.TaskID, fmt.Errorf("task failed: %s", m.Message))
	case wire.RequestComplete:
		b.requests.Resolve(m.RequestID, m.Result)
	case wire.RequestError:
		b.requests.Reject(m.RequestID, fmt.Errorf("request failed: %s", m.Message))
	case wire.Progress:
		b.notifyProgress(m)
	case wire.Perf:
		b.notifyPerf(m)
	}
}

// handleCrash rejects everything in flight with one shared error and discards
// the handle. Full restart is the only recovery strategy.
func (b *Bridge) handleCrash(w platform.Worker, err error) {
	b.mu.Lock()
	if b.worker != w {
		// A stale generation crashed after it was already replaced.
		b.mu.Unlock()
		return
	}
	b.worker = nil
	b.ready = false
	b.channelWired = false
	b.generation++
	b.closeDBPipeLocked()
	b.mu.Unlock()

	crash := fmt.Errorf("sync worker crashed: %w", err)
	b.tasks.Clear(crash)
	b.requests.Clear(crash)
	b.log.Error("sync worker crashed", "error", err)
}

// SendTask posts a fire-and-forget task and waits for its completion or
// timeout. A zero timeout selects the configured default; tasks are always
// raced against a timer.
func (b *Bridge) SendTask(ctx context.Context, spec TaskSpec, opts Options) (wire.TaskResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.cfg.DefaultTaskTimeout
	}
	ctx, span := b.tracer.Start(ctx, "bridge.SendTask",
		trace.WithAttributes(attribute.String("task.kind", spec.Kind)))
	defer span.End()

	res, err := b.transport.sendTask(ctx, b, spec, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// SendRequest posts a named request and waits for its reply. A zero timeout
// disables the timer. In demo mode it fails immediately with ErrBypass.
func (b *Bridge) SendRequest(ctx context.Context, action string, payload []byte, opts Options) ([]byte, error) {
	ctx, span := b.tracer.Start(ctx, "bridge.SendRequest",
		trace.WithAttributes(attribute.String("request.action", action)))
	defer span.End()

	res, err := b.transport.sendRequest(ctx, b, action, payload, opts.Timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// post delivers a command to the current worker.
func (b *Bridge) post(cmd wire.Command) error {
	b.mu.Lock()
	w := b.worker
	b.mu.Unlock()
	if w == nil {
		return errors.New("sync worker not running")
	}
	return w.Post(cmd)
}

// ResetReady marks the bridge not-ready and force-rejects every pending call,
// so an account switch can never leak into in-flight operations. The next
// call re-runs the full handshake.
func (b *Bridge) ResetReady() {
	b.mu.Lock()
	b.ready = false
	b.channelWired = false
	b.generation++
	b.closeDBPipeLocked()
	b.mu.Unlock()

	b.tasks.Clear(ErrAccountSwitched)
	b.requests.Clear(ErrAccountSwitched)
	b.log.Info("bridge reset, pending calls rejected")
}

// Terminate destroys the worker, rejects pending calls, and drops all
// subscribers. Idempotent; destroy errors are swallowed.
func (b *Bridge) Terminate() {
	b.mu.Lock()
	w := b.worker
	b.worker = nil
	b.ready = false
	b.channelWired = false
	b.generation++
	b.closeDBPipeLocked()
	b.mu.Unlock()

	if w != nil {
		func() {
			defer func() { _ = recover() }()
			w.Terminate()
		}()
	}

	b.tasks.Clear(errTerminated)
	b.requests.Clear(errTerminated)

	b.subMu.Lock()
	b.progressSubs = make(map[int]func(wire.Progress))
	b.perfSubs = make(map[int]func(wire.Perf))
	b.completeSubs = make(map[int]func(wire.TaskComplete))
	b.subMu.Unlock()
}

// Ready reports whether the last readiness pass completed.
func (b *Bridge) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// PendingCalls reports in-flight task and request counts.
func (b *Bridge) PendingCalls() (tasks, requests int) {
	return b.tasks.Len(), b.requests.Len()
}

// OnProgress registers a progress handler and returns its unsubscribe func.
func (b *Bridge) OnProgress(fn func(wire.Progress)) func() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	id := b.nextSub
	b.nextSub++
	b.progressSubs[id] = fn
	return func() {
		b.subMu.Lock()
		delete(b.progressSubs, id)
		b.subMu.Unlock()
	}
}

// OnPerf registers a perf handler and returns its unsubscribe func.
func (b *Bridge) OnPerf(fn func(wire.Perf)) func() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	id := b.nextSub
	b.nextSub++
	b.perfSubs[id] = fn
	return func() {
		b.subMu.Lock()
		delete(b.perfSubs, id)
		b.subMu.Unlock()
	}
}

// OnTaskComplete registers a task-completion handler and returns its
// unsubscribe func.
func (b *Bridge) OnTaskComplete(fn func(wire.TaskComplete)) func() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	id := b.nextSub
	b.nextSub++
	b.completeSubs[id] = fn
	return func() {
		b.subMu.Lock()
		delete(b.completeSubs, id)
		b.subMu.Unlock()
	}
}

func (b *Bridge) notifyProgress(m wire.Progress) {
	for _, fn := range b.snapshotProgress() {
		fn(m)
	}
}

func (b *Bridge) notifyPerf(m wire.Perf) {
	subs := b.snapshotPerf()
	for _, fn := range subs {
		// Each handler gets its own copy of the metadata map.
		cp := m
		if m.Metadata != nil {
			cp.Metadata = make(map[string]string, len(m.Metadata))
			for k, v := range m.Metadata {
				cp.Metadata[k] = v
			}
		}
		fn(cp)
	}
}

func (b *Bridge) notifyTaskComplete(m wire.TaskComplete) {
	subs := b.snapshotComplete()
	for _, fn := range subs {
		cp := m
		if m.Result.Attachments != nil {
			cp.Result.Attachments = append([]wire.Attachment(nil), m.Result.Attachments...)
		}
		fn(cp)
	}
}

func (b *Bridge) snapshotProgress() []func(wire.Progress) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	out := make([]func(wire.Progress), 0, len(b.progressSubs))
	for _, fn := range b.progressSubs {
		out = append(out, fn)
	}
	return out
}

func (b *Bridge) snapshotPerf() []func(wire.Perf) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	out := make([]func(wire.Perf), 0, len(b.perfSubs))
	for _, fn := range b.perfSubs {
		out = append(out, fn)
	}
	return out
}

func (b *Bridge) snapshotComplete() []func(wire.TaskComplete) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	out := make([]func(wire.TaskComplete), 0, len(b.completeSubs))
	for _, fn := range b.completeSubs {
		out = append(out, fn)
	}
	return out
}
