// Package downlink reads network downlink messages from a newline-delimited
// JSON feed. Each line is one object: {"port":150,"hex":"0a1b2c3d"}.
package downlink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Message is one downlink delivered by the network.
type Message struct {
	Port    uint8
	Payload []byte
}

type wireMessage struct {
	Port *int   `json:"port"`
	Hex  string `json:"hex"`
}

// ParseLine decodes a single feed line.
func ParseLine(line []byte) (Message, error) {
	var w wireMessage
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return Message{}, fmt.Errorf("json parse: %w", err)
	}
	if w.Port == nil {
		return Message{}, fmt.Errorf("port is required")
	}
	if *w.Port < 1 || *w.Port > 255 {
		return Message{}, fmt.Errorf("port %d out of range", *w.Port)
	}
	payload, err := hex.DecodeString(w.Hex)
	if err != nil {
		return Message{}, fmt.Errorf("hex: %w", err)
	}
	return Message{Port: uint8(*w.Port), Payload: payload}, nil
}

type ClientConfig struct {
	Addr string

	ReconnectDelay time.Duration
	MaxLineBytes   int

	// DialTimeout is used for each TCP connect.
	DialTimeout time.Duration
}

// Client keeps a TCP connection to the feed open, reconnecting on failure.
type Client struct {
	cfg ClientConfig

	started atomic.Bool
	closed  atomic.Bool

	mu       sync.RWMutex
	state    string
	lastErr  string
	lastSeen time.Time
	count    uint64
	rejected uint64

	cancel context.CancelFunc
	done   chan struct{}
}

type Snapshot struct {
	Addr        string `json:"addr"`
	State       string `json:"state"`
	LastError   string `json:"last_error,omitempty"`
	LastSeenUTC string `json:"last_seen_utc,omitempty"`
	Messages    uint64 `json:"messages"`
	Rejected    uint64 `json:"rejected"`
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("downlink addr is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 1 * time.Second
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 4 * 1024
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	return &Client{cfg: cfg, state: "stopped", done: make(chan struct{})}, nil
}

// Start connects to the feed and calls onMessage for every valid line.
// onMessage runs on the reader goroutine and should not block.
func (c *Client) Start(ctx context.Context, onMessage func(Message) error) error {
	if c == nil {
		return fmt.Errorf("downlink client is nil")
	}
	if c.closed.Load() {
		return fmt.Errorf("downlink client is closed")
	}
	if onMessage == nil {
		return fmt.Errorf("downlink onMessage is nil")
	}
	if c.started.Swap(true) {
		return fmt.Errorf("downlink client already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setState("connecting", "")

	go func() {
		defer close(c.done)
		c.runLoop(runCtx, onMessage)
	}()
	return nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.closed.Swap(true) {
		return
	}
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *Client) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := Snapshot{
		Addr:      c.cfg.Addr,
		State:     c.state,
		LastError: c.lastErr,
		Messages:  c.count,
		Rejected:  c.rejected,
	}
	if !c.lastSeen.IsZero() {
		out.LastSeenUTC = c.lastSeen.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (c *Client) runLoop(ctx context.Context, onMessage func(Message) error) {
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}

	for {
		if ctx.Err() != nil {
			c.setState("stopped", "")
			return
		}

		c.setState("connecting", "")
		conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
		if err != nil {
			c.setState("error", err.Error())
			if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
				c.setState("stopped", "")
				return
			}
			continue
		}
		c.setState("connected", "")

		// Unblock the reader when ctx ends.
		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		c.readConn(conn, onMessage)
		stop()
		_ = conn.Close()

		if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
			c.setState("stopped", "")
			return
		}
	}
}

func (c *Client) readConn(conn net.Conn, onMessage func(Message) error) {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 512), c.cfg.MaxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := ParseLine(line)
		if err != nil {
			c.reject(err.Error())
			continue
		}
		if err := onMessage(msg); err != nil {
			c.reject("handler: " + err.Error())
			continue
		}
		c.mu.Lock()
		c.lastSeen = time.Now().UTC()
		c.count++
		c.mu.Unlock()
	}
	err := sc.Err()
	switch {
	case err == nil, errors.Is(err, net.ErrClosed):
		c.setState("disconnected", "")
	default:
		c.setState("disconnected", err.Error())
	}
}

func (c *Client) reject(reason string) {
	c.mu.Lock()
	c.rejected++
	c.lastErr = reason
	c.mu.Unlock()
}

func (c *Client) setState(state string, lastErr string) {
	c.mu.Lock()
	c.state = state
	if lastErr != "" {
		c.lastErr = lastErr
	} else if state == "connected" || state == "connecting" || state == "stopped" {
		c.lastErr = ""
	}
	c.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
