package pillar

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"Bitvault/internal/logger"
	"Bitvault/internal/network"
	"Bitvault/internal/protocol"
	"Bitvault/internal/transport"
)

// replayWindow drops a request frame delivered twice within this span.
const replayWindow = 10 * time.Second

// Listener accepts QUIC connections from clients and serves their requests on
// an endpoint. Replies travel back on the connection the request arrived on.
type Listener struct {
	endpoint *network.Endpoint  // endpoint accepts client connections
	handler  transport.Endpoint // handler serves decoded requests

	ctx    context.Context    // ctx ends in-flight requests on Close
	cancel context.CancelFunc // cancel cancels ctx
	wg     sync.WaitGroup     // wg tracks in-flight requests
}

// Listen starts serving ep on addr with the given identity key.
func Listen(addr string, key ed25519.PrivateKey, ep transport.Endpoint) (*Listener, error) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{handler: ep, ctx: ctx, cancel: cancel}

	e, err := network.NewEndpoint(key, l.handleFrame, network.Options{ReplayWindow: replayWindow})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create endpoint:\n%w", err)
	}
	l.endpoint = e

	if err := e.Listen(addr); err != nil {
		cancel()
		e.Close()
		return nil, err
	}

	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() string {
	return l.endpoint.Addr()
}

// PublicKey returns the identity clients may pin.
func (l *Listener) PublicKey() ed25519.PublicKey {
	return l.endpoint.Identity()
}

// Close stops accepting, cancels in-flight requests and waits for them.
func (l *Listener) Close() error {
	l.cancel()
	err := l.endpoint.Close()
	l.wg.Wait()

	return err
}

// handleFrame decodes a request and serves it in its own goroutine.
func (l *Listener) handleFrame(c *network.Conn, frame []byte) {
	env, err := protocol.Unmarshal(frame)
	if err != nil {
		logger.Debug("malformed envelope dropped", "addr", c.RemoteAddr(), "error", err)
		return
	}

	if env.Kind.IsReply() {
		logger.Debug("reply on pillar connection dropped", "addr", c.RemoteAddr(), "kind", env.Kind)
		return
	}

	if l.ctx.Err() != nil {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		l.handler.Serve(l.ctx, env, func(reply *protocol.Envelope) {
			if err := c.Send(l.ctx, reply.Marshal()); err != nil {
				logger.Debug("reply not delivered", "addr", c.RemoteAddr(), "op", reply.CorrelationID, "error", err)
			}
		})
	}()
}
