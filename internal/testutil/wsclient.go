// Package testutil holds helpers shared by integration tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Event is a decoded server frame.
type Event map[string]any

// Type returns the frame's "type" field.
func (e Event) Type() string {
	s, _ := e["type"].(string)
	return s
}

// WSClient is a WebSocket test client speaking the room protocol.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// NewWSClient dials url and returns a test client closed at test cleanup.
//
// Precondition: url must be a ws:// URL with a listening server.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, url string) *WSClient {
	t.Helper()
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", url, err, time.Since(start))
	}
	t.Cleanup(func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})

	t.Logf("ws client connected to %s [%s]", url, time.Since(start))
	return &WSClient{conn: conn, t: t}
}

// Read returns the next event or fails the test after timeout.
func (c *WSClient) Read(timeout time.Duration) Event {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var ev Event
	if err := wsjson.Read(ctx, c.conn, &ev); err != nil {
		c.t.Fatalf("reading event: %v", err)
	}
	return ev
}

// ReadUntil reads events until one of type typ arrives or timeout elapses.
//
// Postcondition: Returns the matching event, or fails the test.
func (c *WSClient) ReadUntil(typ string, timeout time.Duration) Event {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("no %q event within %s", typ, timeout)
		}
		ev := c.Read(remaining)
		if ev.Type() == typ {
			return ev
		}
	}
}

// Send writes v as a JSON text frame.
func (c *WSClient) Send(v any) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c.conn, v); err != nil {
		c.t.Fatalf("sending %v: %v", v, err)
	}
}

// SendRaw writes a raw text frame.
func (c *WSClient) SendRaw(data string) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, []byte(data)); err != nil {
		c.t.Fatalf("sending raw frame: %v", err)
	}
}

// CloseStatus reads until the server closes the connection and returns the close status.
func (c *WSClient) CloseStatus(timeout time.Duration) websocket.StatusCode {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

// Close closes the connection normally.
func (c *WSClient) Close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}
