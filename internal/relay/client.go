// Package relay implements the data-source interface over a websocket
// relay speaking the REQ/EVENT/EOSE/CLOSE message subset: continuous
// subscriptions deliver record batches until cancelled, and one-shot
// fetches collect until end-of-stored-events or a timeout.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roach88/hnmd/internal/note"
)

// Client is a connection to a single relay. Reads are demultiplexed to
// per-subscription channels by subscription id; writes serialize through
// a mutex because the websocket connection allows one concurrent writer.
type Client struct {
	url    string
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]*sub
	closed bool
}

type sub struct {
	records   chan []note.Record
	eose      chan struct{}
	closeOnce sync.Once
	eoseOnce  sync.Once
}

// Dial connects to a relay and starts the read loop.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	c := &Client{
		url:    url,
		conn:   conn,
		logger: logger,
		subs:   make(map[string]*sub),
	}
	go c.readLoop()
	logger.Info("relay: connected", slog.String("url", url))
	return c, nil
}

// Close shuts the connection down and terminates all subscriptions.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, s := range c.subs {
		s.close()
		delete(c.subs, id)
	}
	c.mu.Unlock()
	return c.conn.Close()
}

// Subscribe opens a continuous request for the filter. The returned
// channel delivers record batches until ctx is cancelled, at which point
// the subscription is closed on the relay and the channel is closed.
func (c *Client) Subscribe(ctx context.Context, f note.Filter) (<-chan []note.Record, error) {
	id := uuid.Must(uuid.NewV7()).String()
	s := &sub{
		records: make(chan []note.Record, 16),
		eose:    make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("relay %s: client closed", c.url)
	}
	c.subs[id] = s
	c.mu.Unlock()

	if err := c.send("REQ", id, wireFilter(f)); err != nil {
		c.drop(id)
		return nil, err
	}

	go func() {
		<-ctx.Done()
		_ = c.send("CLOSE", id)
		c.drop(id)
	}()

	return s.records, nil
}

// FetchOnce issues a one-shot request: subscribe, collect until EOSE or
// the timeout, close. A timeout is not an error; the caller receives
// whatever arrived (possibly nothing).
func (c *Client) FetchOnce(ctx context.Context, f note.Filter, timeout time.Duration) ([]note.Record, error) {
	id := uuid.Must(uuid.NewV7()).String()
	s := &sub{
		records: make(chan []note.Record, 64),
		eose:    make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("relay %s: client closed", c.url)
	}
	c.subs[id] = s
	c.mu.Unlock()

	defer func() {
		_ = c.send("CLOSE", id)
		c.drop(id)
	}()

	if err := c.send("REQ", id, wireFilter(f)); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out []note.Record
	for {
		select {
		case batch, ok := <-s.records:
			if !ok {
				return out, nil
			}
			out = append(out, batch...)
		case <-s.eose:
			// Drain anything dispatched before the EOSE signal.
			for {
				select {
				case batch, ok := <-s.records:
					if !ok {
						return out, nil
					}
					out = append(out, batch...)
				default:
					return out, nil
				}
			}
		case <-timer.C:
			c.logger.Debug("relay: fetch timed out",
				slog.String("url", c.url),
				slog.Int("records", len(out)),
			)
			return out, nil
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}

// send writes one JSON array message: [verb, args...].
func (c *Client) send(verb string, args ...any) error {
	msg := append([]any{verb}, args...)
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", verb, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("relay %s: write %s: %w", c.url, verb, err)
	}
	return nil
}

// readLoop dispatches incoming messages until the connection dies.
func (c *Client) readLoop() {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			wasClosed := c.closed
			c.mu.Unlock()
			if !wasClosed {
				c.logger.Warn("relay: read failed",
					slog.String("url", c.url),
					slog.String("error", err.Error()),
				)
				_ = c.Close()
			}
			return
		}
		c.dispatch(payload)
	}
}

func (c *Client) dispatch(payload []byte) {
	var parts []json.RawMessage
	if err := json.Unmarshal(payload, &parts); err != nil || len(parts) < 2 {
		return
	}
	var verb, id string
	if json.Unmarshal(parts[0], &verb) != nil || json.Unmarshal(parts[1], &id) != nil {
		return
	}

	// The send happens under mu (non-blocking) so it cannot race with
	// drop closing the channel.
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.subs[id]
	if s == nil {
		return
	}

	switch strings.ToUpper(verb) {
	case "EVENT":
		if len(parts) < 3 {
			return
		}
		var rec note.Record
		if err := json.Unmarshal(parts[2], &rec); err != nil {
			c.logger.Debug("relay: bad event", slog.String("error", err.Error()))
			return
		}
		select {
		case s.records <- []note.Record{rec}:
		default:
			c.logger.Warn("relay: subscriber backlog, dropping batch", slog.String("sub", id))
		}
	case "EOSE":
		s.signalEOSE()
	}
}

// drop removes a subscription and closes its channels.
func (c *Client) drop(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.subs[id]
	delete(c.subs, id)
	if s != nil {
		s.close()
	}
}

func (s *sub) close() {
	s.closeOnce.Do(func() { close(s.records) })
	s.signalEOSE()
}

func (s *sub) signalEOSE() {
	s.eoseOnce.Do(func() { close(s.eose) })
}

// wireFilter converts a filter to its wire object form.
func wireFilter(f note.Filter) map[string]any {
	w := make(map[string]any)
	if len(f.Kinds) > 0 {
		w["kinds"] = f.Kinds
	}
	if len(f.Authors) > 0 {
		w["authors"] = f.Authors
	}
	if len(f.IDs) > 0 {
		w["ids"] = f.IDs
	}
	for name, values := range f.Tags {
		if !strings.HasPrefix(name, "#") {
			name = "#" + name
		}
		w[name] = values
	}
	if f.Since > 0 {
		w["since"] = f.Since
	}
	if f.Until > 0 {
		w["until"] = f.Until
	}
	if f.Limit > 0 {
		w["limit"] = f.Limit
	}
	return w
}
