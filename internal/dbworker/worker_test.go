package dbworker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/corvohq/driftmail/internal/wire"
)

func testProvider(t *testing.T) *Provider {
	t.Helper()
	p := NewProvider(filepath.Join(t.TempDir(), "mail.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { p.Close() })
	return p
}

// call posts one op over the port and waits for its reply.
func call(t *testing.T, port *wire.Port, id, op string, payload any) wire.PortMessage {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal %s payload: %v", op, err)
		}
		raw = b
	}
	if err := port.Post(wire.PortMessage{ID: id, Op: op, Payload: raw}); err != nil {
		t.Fatalf("post %s: %v", op, err)
	}
	select {
	case reply := <-port.Receive():
		if reply.ID != id {
			t.Fatalf("reply id = %q, want %q", reply.ID, id)
		}
		return reply
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply to %s", op)
		return wire.PortMessage{}
	}
}

func TestHandleReturnsSameWorker(t *testing.T) {
	p := testProvider(t)
	ctx := context.Background()

	first, err := p.Handle(ctx)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	second, err := p.Handle(ctx)
	if err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	if first != second {
		t.Error("Handle created a second worker")
	}
}

func TestPortRoundtrip(t *testing.T) {
	p := testProvider(t)
	w, err := p.Handle(context.Background())
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	near, far := wire.Pipe()
	if err := w.Post(wire.ConnectPort{WorkerID: "sync-0", Port: near}); err != nil {
		t.Fatalf("connect port: %v", err)
	}

	if reply := call(t, far, "1", OpFolderUpsert, Folder{Name: "INBOX", UIDValidity: 7}); reply.Err != "" {
		t.Fatalf("folder upsert: %s", reply.Err)
	}
	if reply := call(t, far, "2", OpEnvelopeUpsert, Envelope{
		ID: "msg-1", Folder: "INBOX", Subject: "hello", Sender: "ada@example.org",
	}); reply.Err != "" {
		t.Fatalf("envelope upsert: %s", reply.Err)
	}

	reply := call(t, far, "3", OpEnvelopeList, EnvelopeListQuery{Folder: "INBOX"})
	if reply.Err != "" {
		t.Fatalf("envelope list: %s", reply.Err)
	}
	var envs []Envelope
	if err := json.Unmarshal(reply.Payload, &envs); err != nil {
		t.Fatalf("decode envelopes: %v", err)
	}
	if len(envs) != 1 || envs[0].ID != "msg-1" || envs[0].Subject != "hello" {
		t.Errorf("envelopes = %+v", envs)
	}

	reply = call(t, far, "4", OpFolderList, nil)
	if reply.Err != "" {
		t.Fatalf("folder list: %s", reply.Err)
	}
	var folders []Folder
	if err := json.Unmarshal(reply.Payload, &folders); err != nil {
		t.Fatalf("decode folders: %v", err)
	}
	if len(folders) != 1 || folders[0].Name != "INBOX" || folders[0].UIDValidity != 7 {
		t.Errorf("folders = %+v", folders)
	}
	if folders[0].LastSyncedAt == nil {
		t.Error("upsert did not stamp last_synced_at")
	}
}

func TestSyncStateMissingKeyIsEmpty(t *testing.T) {
	p := testProvider(t)
	w, err := p.Handle(context.Background())
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	near, far := wire.Pipe()
	if err := w.Post(wire.ConnectPort{WorkerID: "sync-0", Port: near}); err != nil {
		t.Fatalf("connect port: %v", err)
	}

	reply := call(t, far, "1", OpStateGet, StateEntry{Key: "highest-modseq"})
	if reply.Err != "" {
		t.Fatalf("state get: %s", reply.Err)
	}
	var entry StateEntry
	if err := json.Unmarshal(reply.Payload, &entry); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if entry.Value != "" {
		t.Errorf("missing key value = %q, want empty", entry.Value)
	}

	if reply := call(t, far, "2", OpStateSet, StateEntry{Key: "highest-modseq", Value: "42"}); reply.Err != "" {
		t.Fatalf("state set: %s", reply.Err)
	}
	reply = call(t, far, "3", OpStateGet, StateEntry{Key: "highest-modseq"})
	if err := json.Unmarshal(reply.Payload, &entry); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if entry.Value != "42" {
		t.Errorf("value = %q, want 42", entry.Value)
	}
}

func TestUnknownOpReturnsError(t *testing.T) {
	p := testProvider(t)
	w, err := p.Handle(context.Background())
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	near, far := wire.Pipe()
	if err := w.Post(wire.ConnectPort{WorkerID: "sync-0", Port: near}); err != nil {
		t.Fatalf("connect port: %v", err)
	}

	reply := call(t, far, "1", "folder.vaporize", nil)
	if reply.Err == "" {
		t.Error("unknown op succeeded")
	}
}

func TestTwoPeersShareOneStore(t *testing.T) {
	p := testProvider(t)
	w, err := p.Handle(context.Background())
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	nearA, farA := wire.Pipe()
	nearB, farB := wire.Pipe()
	if err := w.Post(wire.ConnectPort{WorkerID: "sync-0", Port: nearA}); err != nil {
		t.Fatalf("connect A: %v", err)
	}
	if err := w.Post(wire.ConnectPort{WorkerID: "search-0", Port: nearB}); err != nil {
		t.Fatalf("connect B: %v", err)
	}

	if reply := call(t, farA, "1", OpStateSet, StateEntry{Key: "k", Value: "v"}); reply.Err != "" {
		t.Fatalf("set via A: %s", reply.Err)
	}
	reply := call(t, farB, "2", OpStateGet, StateEntry{Key: "k"})
	var entry StateEntry
	if err := json.Unmarshal(reply.Payload, &entry); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if entry.Value != "v" {
		t.Errorf("value via B = %q, want v", entry.Value)
	}
}
