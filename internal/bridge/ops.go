package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/corvohq/driftmail/internal/wire"
)

// Task kinds and request actions understood by the sync worker.
const (
	TaskDecrypt = "pgp.decrypt"
	TaskParse   = "mime.parse"

	ActionUnlockKey = "pgp.unlock"
)

// DecryptionRequest asks the worker to decrypt one raw message.
type DecryptionRequest struct {
	Raw       []byte `json:"raw"`
	MessageID string `json:"messageId"`
	Account   string `json:"account"`
}

// RequestPGPDecryption runs decryption as a long-timeout task.
func (b *Bridge) RequestPGPDecryption(ctx context.Context, req DecryptionRequest) (wire.TaskResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return wire.TaskResult{}, fmt.Errorf("marshal decryption request: %w", err)
	}
	return b.SendTask(ctx, TaskSpec{Kind: TaskDecrypt, Payload: payload}, Options{Timeout: b.cfg.DecryptTimeout})
}

// UnlockRequest asks the worker to unlock a private key with a passphrase.
type UnlockRequest struct {
	KeyID      string `json:"keyId"`
	Passphrase string `json:"passphrase"`
}

// UnlockPGPKey unlocks a key inside the worker. No timeout: unlocking may
// wait on the worker's own key-cache bookkeeping and is cheap to abandon via
// ctx instead.
func (b *Bridge) UnlockPGPKey(ctx context.Context, req UnlockRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal unlock request: %w", err)
	}
	_, err = b.SendRequest(ctx, ActionUnlockKey, payload, Options{})
	return err
}

// ParseRequest asks the worker to parse a raw RFC 822 message.
type ParseRequest struct {
	Raw                 []byte            `json:"raw"`
	ExistingAttachments []wire.Attachment `json:"existingAttachments"`
}

// RequestParsing runs MIME parsing as a long-timeout task.
func (b *Bridge) RequestParsing(ctx context.Context, req ParseRequest) (wire.TaskResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return wire.TaskResult{}, fmt.Errorf("marshal parse request: %w", err)
	}
	return b.SendTask(ctx, TaskSpec{Kind: TaskParse, Payload: payload}, Options{Timeout: b.cfg.ParseTimeout})
}

// RefreshPGPKeys re-reads the active account's key material and pushes it to
// the worker.
func (b *Bridge) RefreshPGPKeys(ctx context.Context) error {
	if err := b.EnsureReady(ctx); err != nil {
		return err
	}
	keys, err := b.keys.PGPKeys()
	if err != nil {
		return fmt.Errorf("load pgp keys: %w", err)
	}
	if err := b.post(keys); err != nil {
		return fmt.Errorf("send pgp keys: %w", err)
	}
	return nil
}

// SearchPortClient receives the near endpoint of the search pipe. AcceptPort
// returns once the client acknowledges the connection.
type SearchPortClient interface {
	AcceptPort(ctx context.Context, p *wire.Port) error
}

// ConnectSearchPort wires the sync worker to a search-index client through a
// dedicated pipe. Unlike the database port this is lazy: it is not part of
// baseline readiness and only happens on explicit request.
func (b *Bridge) ConnectSearchPort(ctx context.Context, client SearchPortClient) error {
	if _, ok := b.transport.(bypassTransport); ok {
		return ErrBypass
	}
	if err := b.EnsureReady(ctx); err != nil {
		return err
	}

	near, far := wire.Pipe()
	if err := b.post(wire.ConnectSearchPort{Port: near}); err != nil {
		near.Close()
		far.Close()
		return fmt.Errorf("hand search port to sync worker: %w", err)
	}
	if err := client.AcceptPort(ctx, far); err != nil {
		near.Close()
		far.Close()
		return fmt.Errorf("search port handshake: %w", err)
	}
	return nil
}
