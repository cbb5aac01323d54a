package network

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/quic-go/quic-go"

	"Bitvault/internal/logger"
)

// Conn is one authenticated QUIC connection. Every frame travels on its own
// unidirectional stream, so a slow file transfer never blocks a short reply.
type Conn struct {
	qc       *quic.Conn        // qc is the underlying connection
	identity ed25519.PublicKey // identity is the key from the remote certificate
	endpoint *Endpoint         // endpoint owns the connection

	done     chan struct{} // done closes when the connection ends
	doneOnce sync.Once     // doneOnce guards done
}

// Identity returns the remote ed25519 key.
func (c *Conn) Identity() ed25519.PublicKey {
	return c.identity
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() string {
	return c.qc.RemoteAddr().String()
}

// Alive reports whether the connection can still carry frames.
func (c *Conn) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Send writes frame on a fresh stream.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if !c.Alive() {
		return ErrClosed
	}

	s, err := c.qc.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream:\n%w", err)
	}

	if err := writeFrame(s, frame); err != nil {
		s.CancelWrite(0)
		return err
	}

	return s.Close()
}

// Close ends the connection.
func (c *Conn) Close() error {
	c.finish()
	return c.qc.CloseWithError(0, "closed")
}

// finish marks the connection done once.
func (c *Conn) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// serve reads streams until the connection or endpoint ends.
func (c *Conn) serve() {
	defer c.endpoint.wg.Done()
	defer c.endpoint.release(c)
	defer c.finish()

	for {
		s, err := c.qc.AcceptUniStream(c.endpoint.ctx)
		if err != nil {
			logger.Debug("connection ended", "addr", c.RemoteAddr(), "error", err)
			return
		}

		go func() {
			frame, err := readFrame(s)
			if err != nil {
				logger.Debug("bad frame", "addr", c.RemoteAddr(), "error", err)
				return
			}

			c.endpoint.deliver(c, frame)
		}()
	}
}
