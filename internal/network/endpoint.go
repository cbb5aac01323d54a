package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"Bitvault/internal/logger"
)

// alpn is negotiated by every Bitvault connection.
const alpn = "bitvault/1"

var (
	// ErrIdentityMismatch is returned by Dial when the remote key differs from the pinned one.
	ErrIdentityMismatch = errors.New("remote identity mismatch")

	// ErrClosed is returned after the endpoint or connection is closed.
	ErrClosed = errors.New("connection closed")
)

// Handler receives each frame read from a connection. It runs on the stream's goroutine.
type Handler func(c *Conn, frame []byte)

// Options tunes an Endpoint.
type Options struct {
	ReplayWindow time.Duration // ReplayWindow drops frames identical to one seen this recently, zero disables
	IdleTimeout  time.Duration // IdleTimeout closes silent connections, zero for 30s
}

// Endpoint owns one ed25519 identity and carries frames over QUIC connections,
// both the ones it accepts and the ones it dials.
type Endpoint struct {
	identity ed25519.PublicKey // identity is the public half of the endpoint key
	tls      *tls.Config       // tls presents the self-signed identity certificate
	quic     *quic.Config      // quic holds keep-alive and idle settings
	handler  Handler           // handler receives inbound frames
	replays  *replayWindow     // replays filters repeated frames, nil when disabled

	listener *quic.Listener // listener is nil for dial-only endpoints

	mu     sync.Mutex         // mu protects conns and closed
	conns  map[*Conn]struct{} // conns holds every live connection
	closed bool               // closed is set by Close

	ctx    context.Context    // ctx ends stream loops on Close
	cancel context.CancelFunc // cancel cancels ctx
	wg     sync.WaitGroup     // wg tracks accept and stream loops
}

// NewEndpoint creates an endpoint for key delivering inbound frames to handler.
func NewEndpoint(key ed25519.PrivateKey, handler Handler, opts Options) (*Endpoint, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("endpoint requires an ed25519 private key")
	}

	cert, err := identityCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("identity certificate:\n%w", err)
	}

	idle := opts.IdleTimeout
	if idle == 0 {
		idle = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Identities are checked against ed25519 keys, not a CA chain
	e := &Endpoint{
		identity: key.Public().(ed25519.PublicKey),
		tls: &tls.Config{
			Certificates:       []tls.Certificate{cert},
			ClientAuth:         tls.RequireAnyClientCert,
			InsecureSkipVerify: true,
			NextProtos:         []string{alpn},
		},
		quic:    &quic.Config{MaxIdleTimeout: idle, KeepAlivePeriod: idle / 3},
		handler: handler,
		conns:   make(map[*Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	if opts.ReplayWindow > 0 {
		e.replays = newReplayWindow(opts.ReplayWindow)
	}

	return e, nil
}

// Identity returns the endpoint's public key.
func (e *Endpoint) Identity() ed25519.PublicKey {
	return e.identity
}

// Listen binds addr and accepts connections until Close.
func (e *Endpoint) Listen(addr string) error {
	ln, err := quic.ListenAddr(addr, e.tls, e.quic)
	if err != nil {
		return fmt.Errorf("listen on %s:\n%w", addr, err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		ln.Close()
		return ErrClosed
	}
	e.listener = ln
	e.wg.Add(1)
	e.mu.Unlock()

	go e.accept(ln)

	return nil
}

// Addr returns the bound address, or "" before Listen.
func (e *Endpoint) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listener == nil {
		return ""
	}

	return e.listener.Addr().String()
}

// Dial connects to addr. A non-empty expect pins the remote identity.
func (e *Endpoint) Dial(ctx context.Context, addr string, expect ed25519.PublicKey) (*Conn, error) {
	qc, err := quic.DialAddr(ctx, addr, e.tls, e.quic)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	c, err := e.adopt(qc)
	if err != nil {
		qc.CloseWithError(1, "rejected")
		return nil, err
	}

	if len(expect) > 0 && !bytes.Equal(c.identity, expect) {
		e.release(c)
		c.Close()
		return nil, fmt.Errorf("%w: %s presented %x", ErrIdentityMismatch, addr, c.identity)
	}

	return c, nil
}

// Conns returns the number of live connections.
func (e *Endpoint) Conns() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.conns)
}

// Close stops listening, closes every connection and waits for their loops.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true

	conns := make([]*Conn, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	ln := e.listener
	e.mu.Unlock()

	e.cancel()

	if ln != nil {
		ln.Close()
	}

	for _, c := range conns {
		c.Close()
	}

	e.wg.Wait()

	return nil
}

// accept runs until the listener closes.
func (e *Endpoint) accept(ln *quic.Listener) {
	defer e.wg.Done()

	for {
		qc, err := ln.Accept(e.ctx)
		if err != nil {
			return
		}

		if _, err := e.adopt(qc); err != nil {
			logger.Debug("connection refused", "addr", qc.RemoteAddr(), "error", err)
			qc.CloseWithError(1, "rejected")
		}
	}
}

// adopt registers a handshaken connection and starts reading its streams.
func (e *Endpoint) adopt(qc *quic.Conn) (*Conn, error) {
	identity, err := remoteIdentity(qc.ConnectionState().TLS)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		qc:       qc,
		identity: identity,
		endpoint: e,
		done:     make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.conns[c] = struct{}{}
	e.wg.Add(1)
	e.mu.Unlock()

	go c.serve()

	return c, nil
}

// release forgets a finished connection.
func (e *Endpoint) release(c *Conn) {
	e.mu.Lock()
	delete(e.conns, c)
	e.mu.Unlock()
}

// deliver passes a frame to the handler unless it is a replay.
func (e *Endpoint) deliver(c *Conn, frame []byte) {
	if e.replays != nil && !e.replays.fresh(frame) {
		logger.Debug("replayed frame dropped", "addr", c.RemoteAddr(), "bytes", len(frame))
		return
	}

	if e.handler != nil {
		e.handler(c, frame)
	}
}
