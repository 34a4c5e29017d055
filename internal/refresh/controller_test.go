package refresh

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakePush struct {
	mu        sync.Mutex
	handlers  map[string][]func([]byte)
	connected bool
	connects  int
	destroys  int
}

func newFakePush() *fakePush {
	return &fakePush{handlers: make(map[string][]func([]byte))}
}

func (p *fakePush) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	p.connected = true
	return nil
}

func (p *fakePush) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroys++
	p.connected = false
}

func (p *fakePush) On(event string, fn func([]byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[event] = append(p.handlers[event], fn)
}

func (p *fakePush) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePush) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *fakePush) emit(event EventType, payload []byte) {
	p.mu.Lock()
	fns := append(([]func([]byte))(nil), p.handlers[string(event)]...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}

type fakeStores struct {
	mu            sync.Mutex
	messageLoads  []string
	folderReloads int
	current       string
}

func (s *fakeStores) ReloadMessages(folder string) {
	s.mu.Lock()
	s.messageLoads = append(s.messageLoads, folder)
	s.mu.Unlock()
}

func (s *fakeStores) ReloadFolders() {
	s.mu.Lock()
	s.folderReloads++
	s.mu.Unlock()
}

func (s *fakeStores) CurrentFolder() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == "" {
		return "INBOX"
	}
	return s.current
}

func (s *fakeStores) loads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messageLoads...)
}

type updEnv struct {
	ctrl    *Controller
	stores  *fakeStores
	auth    *fakePush
	release *fakePush
	mu      sync.Mutex
	authN   int
	notes   []Notification
}

func newUpdEnv(t *testing.T, cfg Config, mutate func(*Deps)) *updEnv {
	t.Helper()
	e := &updEnv{stores: &fakeStores{}, auth: newFakePush(), release: newFakePush()}
	deps := Deps{
		Log: slog.New(slog.NewTextHandler(io.Discard, nil)),
		NewAuthClient: func() PushClient {
			e.mu.Lock()
			e.authN++
			e.mu.Unlock()
			return e.auth
		},
		NewReleaseClient: func() PushClient { return e.release },
		Stores:           e.stores,
		Notify: func(n Notification) {
			e.mu.Lock()
			e.notes = append(e.notes, n)
			e.mu.Unlock()
		},
	}
	if mutate != nil {
		mutate(&deps)
	}
	ctrl, err := NewInboxUpdater(cfg, deps)
	if err != nil {
		t.Fatalf("NewInboxUpdater: %v", err)
	}
	e.ctrl = ctrl
	t.Cleanup(ctrl.Destroy)
	return e
}

func TestStartIsIdempotent(t *testing.T) {
	e := newUpdEnv(t, Config{}, nil)

	if err := e.ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.ctrl.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	e.mu.Lock()
	authN := e.authN
	e.mu.Unlock()
	if authN != 1 {
		t.Errorf("authenticated clients created = %d, want 1", authN)
	}
	if e.release.connects != 1 {
		t.Errorf("release connects = %d, want 1", e.release.connects)
	}
	if got := e.ctrl.State(); got != "running" {
		t.Errorf("State = %q, want running", got)
	}
}

func TestStopLeavesReleaseConnectionAlone(t *testing.T) {
	e := newUpdEnv(t, Config{}, nil)
	if err := e.ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e.ctrl.Stop()

	if e.auth.destroys != 1 {
		t.Errorf("auth destroys = %d, want 1", e.auth.destroys)
	}
	if !e.release.Connected() {
		t.Error("Stop touched the release connection")
	}
	if got := e.ctrl.State(); got != "stopped" {
		t.Errorf("State = %q, want stopped", got)
	}
}

func TestStartWithoutCredentialsSkipsAuthenticatedStream(t *testing.T) {
	e := newUpdEnv(t, Config{}, func(d *Deps) {
		d.HasCredentials = func() bool { return false }
	})
	if err := e.ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e.mu.Lock()
	authN := e.authN
	e.mu.Unlock()
	if authN != 0 {
		t.Errorf("auth clients created = %d, want 0", authN)
	}
	if !e.release.Connected() {
		t.Error("release connection not started")
	}
}

func TestMovedEventResyncsExactlyTwoFolders(t *testing.T) {
	e := newUpdEnv(t, Config{}, nil)
	if err := e.ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e.auth.emit(EventMessagesMoved, []byte(`{"source":"INBOX","destination":"Archive"}`))

	loads := e.stores.loads()
	if len(loads) != 2 || loads[0] != "INBOX" || loads[1] != "Archive" {
		t.Errorf("message reloads = %v, want [INBOX Archive]", loads)
	}
	if e.stores.folderReloads != 0 {
		t.Errorf("folder reloads = %d, want 0", e.stores.folderReloads)
	}
}

func TestEventToRefreshMapping(t *testing.T) {
	cases := []struct {
		name    string
		event   EventType
		payload string
		want    []string
		folders int
	}{
		{"new mail", EventNewMail, `{"folder":"INBOX"}`, []string{"INBOX"}, 0},
		{"copied", EventMessagesCopied, `{"destination":"Archive"}`, []string{"Archive"}, 0},
		{"flags", EventFlagsChanged, `{"folder":"Spam"}`, []string{"Spam"}, 0},
		{"expunged", EventExpunged, `{"folder":"Trash"}`, []string{"Trash"}, 0},
		{"folder created", EventFolderCreated, `{"folder":"New"}`, nil, 1},
		{"folder deleted", EventFolderDeleted, `{}`, nil, 1},
		{"folder renamed", EventFolderRenamed, `{"from":"a","to":"b"}`, nil, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newUpdEnv(t, Config{}, nil)
			if err := e.ctrl.Start(); err != nil {
				t.Fatalf("Start: %v", err)
			}
			e.auth.emit(tc.event, []byte(tc.payload))

			loads := e.stores.loads()
			if len(loads) != len(tc.want) {
				t.Fatalf("reloads = %v, want %v", loads, tc.want)
			}
			for i := range tc.want {
				if loads[i] != tc.want[i] {
					t.Errorf("reload %d = %q, want %q", i, loads[i], tc.want[i])
				}
			}
			if e.stores.folderReloads != tc.folders {
				t.Errorf("folder reloads = %d, want %d", e.stores.folderReloads, tc.folders)
			}
		})
	}
}

func TestCalendarChangeDispatchesNotification(t *testing.T) {
	e := newUpdEnv(t, Config{}, nil)
	if err := e.ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e.auth.emit(EventCalendarChanged, []byte(`{"calendarId":"work"}`))

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.notes) != 1 {
		t.Fatalf("notifications = %d, want 1", len(e.notes))
	}
	n := e.notes[0]
	if n.Kind != EventCalendarChanged || n.Payload.String("calendarId") != "work" {
		t.Errorf("notification = %+v", n)
	}
	// The payload is a copy; mutating the read-out map changes nothing.
	m := n.Payload.Map()
	m["calendarId"] = "corrupted"
	if n.Payload.String("calendarId") != "work" {
		t.Error("payload mutated through Map()")
	}
	if len(e.stores.loads()) != 0 {
		t.Error("calendar change triggered a mailbox resync")
	}
}

func TestMalformedPayloadsSilentlyDropped(t *testing.T) {
	e := newUpdEnv(t, Config{}, nil)
	if err := e.ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e.auth.emit(EventNewMail, []byte(`{"folder":42}`))
	e.auth.emit(EventNewMail, []byte(`{}`))
	e.auth.emit(EventNewMail, []byte(`not json at all`))
	e.auth.emit(EventMessagesMoved, []byte(`{"source":"INBOX"}`))
	e.auth.emit(EventNewMail, nil)

	if loads := e.stores.loads(); len(loads) != 0 {
		t.Errorf("malformed events caused reloads: %v", loads)
	}
}

func TestNoFallbackPollWhenSignedOut(t *testing.T) {
	e := newUpdEnv(t, Config{PollInterval: 10 * time.Millisecond}, func(d *Deps) {
		d.HasCredentials = func() bool { return false }
	})
	if err := e.ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// No authenticated stream means no poll either; a signed-out daemon has
	// nothing to resync.
	time.Sleep(100 * time.Millisecond)
	if loads := e.stores.loads(); len(loads) != 0 {
		t.Errorf("signed-out poll refreshed %v", loads)
	}
}

func TestFallbackPollOnlyWhenPushDown(t *testing.T) {
	e := newUpdEnv(t, Config{PollInterval: 20 * time.Millisecond}, nil)
	if err := e.ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Push healthy: the poll must do nothing.
	time.Sleep(100 * time.Millisecond)
	if loads := e.stores.loads(); len(loads) != 0 {
		t.Fatalf("poll refreshed %v while push connected", loads)
	}

	// Push silently stalls: the poll takes over.
	e.auth.setConnected(false)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(e.stores.loads()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	loads := e.stores.loads()
	if len(loads) == 0 {
		t.Fatal("poll never refreshed with push down")
	}
	if loads[0] != "INBOX" {
		t.Errorf("poll refreshed %q, want current folder INBOX", loads[0])
	}
}

func TestManualRefreshGatedOnVisibilityAndNetwork(t *testing.T) {
	visible, online := true, true
	e := newUpdEnv(t, Config{}, func(d *Deps) {
		d.Visible = func() bool { return visible }
		d.Online = func() bool { return online }
	})
	if err := e.ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	visible = false
	e.ctrl.Refresh()
	visible, online = true, false
	e.ctrl.Refresh()
	if loads := e.stores.loads(); len(loads) != 0 {
		t.Fatalf("hidden/offline refresh ran: %v", loads)
	}

	online = true
	e.ctrl.Refresh()
	if loads := e.stores.loads(); len(loads) != 1 || loads[0] != "INBOX" {
		t.Errorf("manual refresh loads = %v, want [INBOX]", loads)
	}
}

func TestDestroyIsTerminal(t *testing.T) {
	e := newUpdEnv(t, Config{}, nil)
	if err := e.ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e.ctrl.Destroy()

	if e.auth.destroys != 1 || e.release.destroys != 1 {
		t.Errorf("destroys = auth %d, release %d, want 1 and 1", e.auth.destroys, e.release.destroys)
	}
	if err := e.ctrl.Start(); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Start after Destroy = %v, want ErrDestroyed", err)
	}
	if got := e.ctrl.State(); got != "destroyed" {
		t.Errorf("State = %q, want destroyed", got)
	}
}
