package wire

import (
	"errors"
	"testing"
	"time"
)

func TestPipeRoundTrip(t *testing.T) {
	a, b := Pipe()

	if err := a.Post(PortMessage{ID: "1", Op: "state.get"}); err != nil {
		t.Fatalf("Post: %v", err)
	}

	select {
	case m := <-b.Receive():
		if m.ID != "1" || m.Op != "state.get" {
			t.Fatalf("received %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("message never arrived")
	}

	if err := b.Post(PortMessage{ID: "1", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("reply Post: %v", err)
	}
	select {
	case m := <-a.Receive():
		if m.ID != "1" {
			t.Fatalf("reply %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("reply never arrived")
	}
}

func TestPostAfterCloseFails(t *testing.T) {
	a, b := Pipe()
	a.Close()
	a.Close() // idempotent

	if err := a.Post(PortMessage{ID: "1"}); !errors.Is(err, ErrPortClosed) {
		t.Errorf("Post on closed endpoint = %v, want ErrPortClosed", err)
	}
	if err := b.Post(PortMessage{ID: "2"}); !errors.Is(err, ErrPortClosed) {
		t.Errorf("Post to closed peer = %v, want ErrPortClosed", err)
	}

	select {
	case <-b.PeerDone():
	case <-time.After(time.Second):
		t.Error("PeerDone not signalled")
	}
}
