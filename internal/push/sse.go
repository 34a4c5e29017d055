// Package push implements the push-connection client over Server-Sent
// Events. Reconnection with jittered backoff is handled here and is invisible
// to consumers; they only observe Connected flipping.
package push

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// Config holds push client configuration.
type Config struct {
	// URL is the event-stream endpoint.
	URL string
	// AuthHeader is re-computed on every (re)connect so token rotation is
	// picked up without restarting the stream. Optional; nil means the
	// unauthenticated release stream.
	AuthHeader func() string

	// Backoff bounds for reconnect attempts.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// HTTPClient overrides the default h2c streaming client. Used by tests
	// and by deployments fronted by HTTP/1.1 proxies.
	HTTPClient *http.Client
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinBackoff: time.Second,
		MaxBackoff: time.Minute,
	}
}

// Client is one persistent SSE connection.
type Client struct {
	cfg  Config
	log  *slog.Logger
	http *http.Client

	mu        sync.Mutex
	handlers  map[string][]func([]byte)
	connected bool
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a disconnected client.
func New(cfg Config, log *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = def.MinBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if log == nil {
		log = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = streamHTTPClient()
	}
	return &Client{
		cfg:      cfg,
		log:      log,
		http:     httpClient,
		handlers: make(map[string][]func([]byte)),
	}
}

// streamHTTPClient builds a client suitable for long-lived streams: dial
// timeouts but no overall request timeout, and h2 pings to detect dead
// connections.
func streamHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	tr := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     10 * time.Second,
	}
	return &http.Client{Timeout: 0, Transport: tr}
}

// On registers a handler for an event type. Must be called before Connect.
func (c *Client) On(event string, fn func(payload []byte)) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], fn)
	c.mu.Unlock()
}

// Connect starts the stream loop. Idempotent.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.started = true
	go c.run(ctx)
	return nil
}

// Connected reports whether the stream is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Destroy stops the stream. Idempotent; the client is not reusable.
func (c *Client) Destroy() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	backoff := c.cfg.MinBackoff
	for {
		err := c.stream(ctx)
		c.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.Debug("push stream dropped", "url", c.cfg.URL, "error", err)
		}

		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

func (c *Client) stream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.cfg.AuthHeader != nil {
		header := c.cfg.AuthHeader()
		if header == "" {
			return fmt.Errorf("no auth header for push stream")
		}
		req.Header.Set("Authorization", header)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push stream status %d", resp.StatusCode)
	}

	c.setConnected(true)
	c.log.Debug("push stream connected", "url", c.cfg.URL)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var event string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" || data.Len() > 0 {
				c.dispatch(event, []byte(data.String()))
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, "id:"):
			// Sequence ids are not used for resume; every reconnect does a
			// full targeted resync anyway.
		}
	}
	return scanner.Err()
}

func (c *Client) dispatch(event string, payload []byte) {
	if event == "" {
		event = "message"
	}
	c.mu.Lock()
	fns := append(([]func([]byte))(nil), c.handlers[event]...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
