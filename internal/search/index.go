// Package search keeps a local full-text index of parsed message bodies. The
// index is fed by the sync worker over a dedicated port; queries never touch
// the worker.
package search

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/corvohq/driftmail/internal/wire"
)

// Document is one indexed message body.
type Document struct {
	TaskID string `json:"taskId"`
	Body   string `json:"body"`
}

// Index consumes index.document traffic from its port and answers substring
// queries. It implements the bridge's search port client.
type Index struct {
	log *slog.Logger

	mu   sync.Mutex
	docs map[string]Document
	port *wire.Port
	done chan struct{}
}

// NewIndex creates an empty index.
func NewIndex(log *slog.Logger) *Index {
	if log == nil {
		log = slog.Default()
	}
	return &Index{log: log, docs: make(map[string]Document)}
}

// AcceptPort takes ownership of the port and starts consuming documents.
func (ix *Index) AcceptPort(ctx context.Context, p *wire.Port) error {
	ix.mu.Lock()
	if ix.port != nil {
		ix.port.Close()
	}
	ix.port = p
	done := make(chan struct{})
	ix.done = done
	ix.mu.Unlock()

	go ix.consume(p, done)
	return nil
}

// Close stops consuming and drops the port.
func (ix *Index) Close() {
	ix.mu.Lock()
	port := ix.port
	done := ix.done
	ix.port = nil
	ix.done = nil
	ix.mu.Unlock()
	if port != nil {
		port.Close()
		<-done
	}
}

func (ix *Index) consume(p *wire.Port, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-p.Done():
			return
		case <-p.PeerDone():
			return
		case msg := <-p.Receive():
			if msg.Op != "index.document" {
				ix.log.Debug("search index ignoring op", "op", msg.Op)
				continue
			}
			var doc Document
			if err := json.Unmarshal(msg.Payload, &doc); err != nil {
				ix.log.Debug("dropping undecodable index document", "error", err)
				continue
			}
			ix.mu.Lock()
			ix.docs[doc.TaskID] = doc
			ix.mu.Unlock()
		}
	}
}

// Query returns documents whose body contains the term, case-insensitively,
// ordered by task id. An empty term matches nothing.
func (ix *Index) Query(term string) []Document {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var out []Document
	for _, doc := range ix.docs {
		if strings.Contains(strings.ToLower(doc.Body), term) {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Len reports the number of indexed documents.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.docs)
}
