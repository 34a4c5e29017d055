package refresh

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// ErrDestroyed is returned by Start after Destroy; a destroyed updater is
// terminal.
var ErrDestroyed = errors.New("inbox updater destroyed")

type state int

const (
	stateIdle state = iota
	stateStarted
	stateStopped
	stateDestroyed
)

// Config holds controller configuration.
type Config struct {
	// PollInterval is the fallback poll cadence. The poll runs only while
	// the authenticated stream exists and refreshes only while that stream
	// is down.
	PollInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 5 * time.Minute}
}

// Deps are the controller's external collaborators.
type Deps struct {
	Log *slog.Logger
	// NewAuthClient builds the authenticated push connection.
	NewAuthClient func() PushClient
	// NewReleaseClient builds the unauthenticated release push connection.
	NewReleaseClient func() PushClient
	Stores           Stores
	// Notify receives generic changed notifications. Optional.
	Notify func(Notification)
	// HasCredentials gates the authenticated connection. Optional;
	// defaults to always true.
	HasCredentials func() bool
	// Visible and Online gate manual refreshes. Optional; default true.
	Visible func() bool
	Online  func() bool
}

// Controller is the inbox updater: idle → started → {running|stopped} →
// destroyed. Exactly one instance owns its push connections.
type Controller struct {
	cfg     Config
	log     *slog.Logger
	deps    Deps
	schemas eventSchemas

	mu            sync.Mutex
	state         state
	authClient    PushClient
	releaseClient PushClient
	pollStop      chan struct{}
}

// NewInboxUpdater creates a stopped controller.
func NewInboxUpdater(cfg Config, deps Deps) (*Controller, error) {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.HasCredentials == nil {
		deps.HasCredentials = func() bool { return true }
	}
	if deps.Visible == nil {
		deps.Visible = func() bool { return true }
	}
	if deps.Online == nil {
		deps.Online = func() bool { return true }
	}
	schemas, err := compileEventSchemas()
	if err != nil {
		return nil, fmt.Errorf("compile event schemas: %w", err)
	}
	return &Controller{cfg: cfg, log: deps.Log, deps: deps, schemas: schemas}, nil
}

// Start opens the release connection unconditionally and, when credentials
// are available, the authenticated connection with one handler per mutation
// event. Idempotent while started.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateDestroyed:
		return ErrDestroyed
	case stateStarted:
		return nil
	}

	if c.releaseClient == nil {
		c.releaseClient = c.deps.NewReleaseClient()
		c.releaseClient.On(string(EventReleasePublished), c.guard(nil, func(m map[string]any) {
			c.notify(Notification{Kind: EventReleasePublished, Payload: NewPayload(m)})
		}))
		if err := c.releaseClient.Connect(); err != nil {
			c.log.Warn("release push connect failed", "error", err)
		}
	}

	if c.deps.HasCredentials() {
		c.startAuthLocked()
	} else {
		c.log.Info("no credentials, authenticated push not started")
	}

	c.state = stateStarted
	return nil
}

func (c *Controller) startAuthLocked() {
	client := c.deps.NewAuthClient()

	client.On(string(EventNewMail), c.guard(c.schemas.folder, func(m map[string]any) {
		c.deps.Stores.ReloadMessages(m["folder"].(string))
	}))
	client.On(string(EventMessagesMoved), c.guard(c.schemas.moved, func(m map[string]any) {
		c.deps.Stores.ReloadMessages(m["source"].(string))
		c.deps.Stores.ReloadMessages(m["destination"].(string))
	}))
	client.On(string(EventMessagesCopied), c.guard(c.schemas.destination, func(m map[string]any) {
		c.deps.Stores.ReloadMessages(m["destination"].(string))
	}))
	client.On(string(EventFlagsChanged), c.guard(c.schemas.folder, func(m map[string]any) {
		c.deps.Stores.ReloadMessages(m["folder"].(string))
	}))
	client.On(string(EventExpunged), c.guard(c.schemas.folder, func(m map[string]any) {
		c.deps.Stores.ReloadMessages(m["folder"].(string))
	}))
	for _, ev := range []EventType{EventFolderCreated, EventFolderDeleted, EventFolderRenamed} {
		client.On(string(ev), c.guard(nil, func(map[string]any) {
			c.deps.Stores.ReloadFolders()
		}))
	}
	for _, ev := range []EventType{EventCalendarChanged, EventContactsChanged} {
		kind := ev
		client.On(string(ev), c.guard(nil, func(m map[string]any) {
			c.notify(Notification{Kind: kind, Payload: NewPayload(m)})
		}))
	}

	if err := client.Connect(); err != nil {
		c.log.Warn("authenticated push connect failed", "error", err)
	}
	c.authClient = client

	// The poll is a safety net under the authenticated stream, not a signed-out
	// sync mechanism; it starts and stops with that stream.
	c.pollStop = make(chan struct{})
	go c.pollLoop(c.pollStop)
}

// Stop tears down only the authenticated side. The release connection keeps
// running so update notices still arrive while signed out.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopAuthLocked()
	if c.state == stateStarted {
		c.state = stateStopped
	}
}

func (c *Controller) stopAuthLocked() {
	if c.authClient != nil {
		c.authClient.Destroy()
		c.authClient = nil
	}
	if c.pollStop != nil {
		close(c.pollStop)
		c.pollStop = nil
	}
}

// Destroy stops everything including the release connection. Terminal.
func (c *Controller) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopAuthLocked()
	if c.releaseClient != nil {
		c.releaseClient.Destroy()
		c.releaseClient = nil
	}
	c.state = stateDestroyed
}

// Refresh resyncs the current folder on explicit user request. It no-ops when
// the window is hidden or the device is offline.
func (c *Controller) Refresh() {
	if !c.deps.Visible() || !c.deps.Online() {
		return
	}
	c.deps.Stores.ReloadMessages(c.deps.Stores.CurrentFolder())
}

// State reports the lifecycle state for diagnostics.
func (c *Controller) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateIdle:
		return "idle"
	case stateStarted:
		if c.authClient != nil && c.authClient.Connected() {
			return "running"
		}
		return "started"
	case stateStopped:
		return "stopped"
	default:
		return "destroyed"
	}
}

// PushConnected reports whether the authenticated stream is up.
func (c *Controller) PushConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authClient != nil && c.authClient.Connected()
}

func (c *Controller) pollLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if c.PushConnected() {
				continue
			}
			c.log.Debug("push down, fallback poll refreshing current folder")
			c.deps.Stores.ReloadMessages(c.deps.Stores.CurrentFolder())
		}
	}
}

func (c *Controller) notify(n Notification) {
	if c.deps.Notify != nil {
		c.deps.Notify(n)
	}
}

// guard wraps an event handler with payload validation. A malformed payload
// is dropped silently; a best-effort layer must not crash the mailbox over
// one bad event.
func (c *Controller) guard(schema *gojsonschema.Schema, fn func(map[string]any)) func([]byte) {
	return func(raw []byte) {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("push event handler panicked", "panic", r)
			}
		}()

		if len(raw) == 0 {
			raw = []byte(`{}`)
		}
		if schema != nil {
			res, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
			if err != nil || !res.Valid() {
				c.log.Debug("dropping malformed push event", "payload", string(raw))
				return
			}
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			c.log.Debug("dropping undecodable push event", "error", err)
			return
		}
		fn(m)
	}
}

type eventSchemas struct {
	folder      *gojsonschema.Schema
	moved       *gojsonschema.Schema
	destination *gojsonschema.Schema
}

func compileEventSchemas() (eventSchemas, error) {
	var s eventSchemas
	var err error
	compile := func(doc string) *gojsonschema.Schema {
		if err != nil {
			return nil
		}
		var schema *gojsonschema.Schema
		schema, err = gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
		return schema
	}

	s.folder = compile(`{
		"type": "object",
		"required": ["folder"],
		"properties": {"folder": {"type": "string", "minLength": 1}}
	}`)
	s.moved = compile(`{
		"type": "object",
		"required": ["source", "destination"],
		"properties": {
			"source": {"type": "string", "minLength": 1},
			"destination": {"type": "string", "minLength": 1}
		}
	}`)
	s.destination = compile(`{
		"type": "object",
		"required": ["destination"],
		"properties": {"destination": {"type": "string", "minLength": 1}}
	}`)
	return s, err
}
