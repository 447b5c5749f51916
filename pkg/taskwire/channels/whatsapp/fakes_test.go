package whatsapp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type sentMessage struct {
	to   Recipient
	body string
}

// fakeConn is a channel instance driven by the test through its sink.
type fakeConn struct {
	gen  uint64
	sink Sink

	mu        sync.Mutex
	sent      []sentMessage
	sendErr   error
	panicSend bool
	connected bool
	destroyed bool
}

func (c *fakeConn) Send(_ context.Context, to Recipient, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.panicSend {
		panic("send exploded")
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, sentMessage{to: to, body: body})
	return nil
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.destroyed
}

func (c *fakeConn) Destroy(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
	return nil
}

func (c *fakeConn) Info() map[string]any {
	return map[string]any{"driver": "fake", "generation": c.gen}
}

func (c *fakeConn) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *fakeConn) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

func (c *fakeConn) sentMessages() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage(nil), c.sent...)
}

// fakeDriver hands every launched instance to the test.
type fakeDriver struct {
	mu        sync.Mutex
	launchErr error
	panics    bool
	count     int

	launched chan *fakeConn
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{launched: make(chan *fakeConn, 16)}
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Launch(_ context.Context, opts LaunchOptions, sink Sink) (Conn, error) {
	d.mu.Lock()
	d.count++
	err, panics := d.launchErr, d.panics
	d.mu.Unlock()

	if panics {
		panic("driver exploded")
	}
	if err != nil {
		return nil, err
	}
	c := &fakeConn{gen: opts.Generation, sink: sink, connected: true}
	d.launched <- c
	return c, nil
}

func (d *fakeDriver) launches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

func (d *fakeDriver) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.launched:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a launch")
	}
	return nil
}

var errLaunch = errors.New("connection refused")
