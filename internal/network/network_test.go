package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return priv
}

// newListening starts an endpoint on a random local port.
func newListening(t *testing.T, handler Handler, opts Options) (*Endpoint, func()) {
	t.Helper()

	e, err := NewEndpoint(newKey(t), handler, opts)
	if err != nil {
		t.Fatalf("NewEndpoint failed: %v", err)
	}

	if err := e.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	return e, func() { e.Close() }
}

// newDialer creates a dial-only endpoint receiving frames on ch.
func newDialer(t *testing.T, ch chan []byte) (*Endpoint, func()) {
	t.Helper()

	e, err := NewEndpoint(newKey(t), func(_ *Conn, frame []byte) {
		if ch != nil {
			ch <- frame
		}
	}, Options{})
	if err != nil {
		t.Fatalf("NewEndpoint failed: %v", err)
	}

	return e, func() { e.Close() }
}

func receive(t *testing.T, ch chan []byte) []byte {
	t.Helper()

	select {
	case frame := <-ch:
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("no frame within 5s")
		return nil
	}
}

func TestNewEndpointRequiresKey(t *testing.T) {
	if _, err := NewEndpoint(nil, nil, Options{}); err == nil {
		t.Error("endpoint without key was created")
	}

	e, cleanup := newDialer(t, nil)
	defer cleanup()

	if e.Addr() != "" {
		t.Errorf("dial-only Addr = %q", e.Addr())
	}
}

func TestListenAndClose(t *testing.T) {
	e, _ := newListening(t, nil, Options{})

	if e.Addr() == "" {
		t.Error("listening endpoint has no address")
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := e.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}

	if err := e.Listen("127.0.0.1:0"); !errors.Is(err, ErrClosed) {
		t.Errorf("Listen after Close = %v", err)
	}
}

func TestReplyTravelsOnRequestConnection(t *testing.T) {
	server, stop := newListening(t, func(c *Conn, frame []byte) {
		c.Send(context.Background(), append([]byte("re:"), frame...))
	}, Options{})
	defer stop()

	replies := make(chan []byte, 1)
	client, cleanup := newDialer(t, replies)
	defer cleanup()

	c, err := client.Dial(context.Background(), server.Addr(), server.Identity())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	if !bytes.Equal(c.Identity(), server.Identity()) {
		t.Error("connection identity differs from the server key")
	}

	if err := c.Send(context.Background(), []byte("get f1")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if got := receive(t, replies); string(got) != "re:get f1" {
		t.Errorf("reply = %q", got)
	}

	if n := server.Conns(); n != 1 {
		t.Errorf("server holds %d connections, want 1", n)
	}
}

func TestDialRejectsWrongIdentity(t *testing.T) {
	server, stop := newListening(t, nil, Options{})
	defer stop()

	client, cleanup := newDialer(t, nil)
	defer cleanup()

	impostor := newKey(t).Public().(ed25519.PublicKey)

	if _, err := client.Dial(context.Background(), server.Addr(), impostor); !errors.Is(err, ErrIdentityMismatch) {
		t.Errorf("Dial with wrong pin = %v", err)
	}

	if n := client.Conns(); n != 0 {
		t.Errorf("client kept %d connections", n)
	}
}

func TestServerForgetsClosedConnection(t *testing.T) {
	server, stop := newListening(t, nil, Options{})
	defer stop()

	client, cleanup := newDialer(t, nil)

	if _, err := client.Dial(context.Background(), server.Addr(), nil); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	cleanup()

	deadline := time.Now().Add(5 * time.Second)
	for server.Conns() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("server still holds %d connections", server.Conns())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestLargeFrame(t *testing.T) {
	got := make(chan []byte, 1)
	server, stop := newListening(t, func(_ *Conn, frame []byte) { got <- frame }, Options{})
	defer stop()

	client, cleanup := newDialer(t, nil)
	defer cleanup()

	c, err := client.Dial(context.Background(), server.Addr(), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	module := make([]byte, 3<<20)
	rand.Read(module)

	if err := c.Send(context.Background(), module); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if !bytes.Equal(receive(t, got), module) {
		t.Error("large frame corrupted")
	}
}

func TestConcurrentSends(t *testing.T) {
	const n = 40

	var count atomic.Int32
	all := make(chan struct{})
	server, stop := newListening(t, func(_ *Conn, _ []byte) {
		if count.Add(1) == n {
			close(all)
		}
	}, Options{})
	defer stop()

	client, cleanup := newDialer(t, nil)
	defer cleanup()

	c, err := client.Dial(context.Background(), server.Addr(), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Send(context.Background(), []byte{'r', byte(i)}); err != nil {
				t.Errorf("Send %d failed: %v", i, err)
			}
		}()
	}
	wg.Wait()

	select {
	case <-all:
	case <-time.After(10 * time.Second):
		t.Fatalf("received %d of %d frames", count.Load(), n)
	}
}

func TestReplayWindowDropsRepeatedRequest(t *testing.T) {
	var count atomic.Int32
	server, stop := newListening(t, func(_ *Conn, _ []byte) { count.Add(1) }, Options{ReplayWindow: time.Minute})
	defer stop()

	client, cleanup := newDialer(t, nil)
	defer cleanup()

	c, err := client.Dial(context.Background(), server.Addr(), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	for range 3 {
		if err := c.Send(context.Background(), []byte("put books/f1 op-1")); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	if err := c.Send(context.Background(), []byte("put books/f1 op-2")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	if got := count.Load(); got != 2 {
		t.Errorf("handler ran %d times, want 2", got)
	}
}

func TestReplayWindowExpires(t *testing.T) {
	w := newReplayWindow(time.Second)

	now := time.Unix(1000, 0)
	w.now = func() time.Time { return now }

	if !w.fresh([]byte("a")) {
		t.Fatal("first sighting reported as replay")
	}
	if w.fresh([]byte("a")) {
		t.Error("replay within window accepted")
	}

	now = now.Add(2 * time.Second)

	if !w.fresh([]byte("a")) {
		t.Error("frame still rejected after the window")
	}
	if len(w.seen) != 1 {
		t.Errorf("window holds %d digests after prune, want 1", len(w.seen))
	}
}

func TestSendAfterClose(t *testing.T) {
	server, stop := newListening(t, nil, Options{})
	defer stop()

	client, cleanup := newDialer(t, nil)
	defer cleanup()

	c, err := client.Dial(context.Background(), server.Addr(), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	c.Close()

	if c.Alive() {
		t.Error("closed connection reports alive")
	}

	if err := c.Send(context.Background(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v", err)
	}
}

func TestFrameLimits(t *testing.T) {
	var buf bytes.Buffer

	if err := writeFrame(&buf, []byte("exists books/f1")); err != nil {
		t.Fatalf("writeFrame failed: %v", err)
	}

	got, err := readFrame(&buf)
	if err != nil || string(got) != "exists books/f1" {
		t.Errorf("readFrame = %q, %v", got, err)
	}

	if err := writeFrame(&buf, make([]byte, maxFrame+1)); !errors.Is(err, errFrameSize) {
		t.Errorf("oversized write = %v", err)
	}

	if _, err := readFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})); !errors.Is(err, errFrameSize) {
		t.Errorf("oversized header = %v", err)
	}

	if _, err := readFrame(bytes.NewReader([]byte{0, 0, 0, 9, 'x'})); err == nil {
		t.Error("truncated frame accepted")
	}
}
