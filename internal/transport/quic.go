package transport

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"Bitvault/internal/logger"
	"Bitvault/internal/network"
	"Bitvault/internal/protocol"
	"Bitvault/internal/topology"
)

// QUIC sends requests to pillars over QUIC connections dialed on first use.
type QUIC struct {
	endpoint *network.Endpoint  // endpoint is dial-only
	topo     *topology.Topology // topo resolves pillar addresses and identities

	mu      sync.Mutex               // mu protects conns and dialing
	conns   map[string]*network.Conn // conns maps pillar id to its connection
	dialing map[string]*sync.Mutex   // dialing serializes dials per pillar

	handlerMu sync.RWMutex             // handlerMu protects onReply
	onReply   func(*protocol.Envelope) // onReply receives reply envelopes
}

// NewQUIC creates a QUIC transport. A nil key generates an ephemeral identity.
func NewQUIC(topo *topology.Topology, key ed25519.PrivateKey) (*QUIC, error) {
	if key == nil {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate identity:\n%w", err)
		}
		key = priv
	}

	q := &QUIC{
		topo:    topo,
		conns:   make(map[string]*network.Conn),
		dialing: make(map[string]*sync.Mutex),
	}

	ep, err := network.NewEndpoint(key, q.handleFrame, network.Options{})
	if err != nil {
		return nil, fmt.Errorf("create endpoint:\n%w", err)
	}
	q.endpoint = ep

	return q, nil
}

// Send delivers env to the pillar named by env.To, dialing it when needed.
func (q *QUIC) Send(ctx context.Context, env *protocol.Envelope) error {
	c, err := q.conn(ctx, env.To)
	if err != nil {
		return err
	}

	if err := c.Send(ctx, env.Marshal()); err != nil {
		q.drop(env.To, c)
		return fmt.Errorf("%w: send to %s: %v", ErrUnreachable, env.To, err)
	}

	return nil
}

// OnReply sets the callback receiving reply envelopes.
func (q *QUIC) OnReply(fn func(env *protocol.Envelope)) {
	q.handlerMu.Lock()
	q.onReply = fn
	q.handlerMu.Unlock()
}

// Close closes every pillar connection.
func (q *QUIC) Close() error {
	return q.endpoint.Close()
}

// conn returns a live connection to the pillar, dialing it at most once at a time.
func (q *QUIC) conn(ctx context.Context, pillarID string) (*network.Conn, error) {
	q.mu.Lock()
	if c := q.conns[pillarID]; c != nil && c.Alive() {
		q.mu.Unlock()
		return c, nil
	}

	lock, ok := q.dialing[pillarID]
	if !ok {
		lock = &sync.Mutex{}
		q.dialing[pillarID] = lock
	}
	q.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	q.mu.Lock()
	if c := q.conns[pillarID]; c != nil && c.Alive() {
		q.mu.Unlock()
		return c, nil
	}
	q.mu.Unlock()

	pillar, err := q.topo.Pillar(pillarID)
	if err != nil {
		return nil, err
	}

	if pillar.Address == "" {
		return nil, fmt.Errorf("%w: pillar %s has no address", ErrUnreachable, pillarID)
	}

	c, err := q.endpoint.Dial(ctx, pillar.Address, pillar.Identity)
	if errors.Is(err, network.ErrIdentityMismatch) {
		return nil, fmt.Errorf("%w: %s: %v", ErrIdentityMismatch, pillarID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s at %s: %v", ErrUnreachable, pillarID, pillar.Address, err)
	}

	q.mu.Lock()
	q.conns[pillarID] = c
	q.mu.Unlock()

	logger.Debug("pillar connected", "pillar", pillarID, "addr", pillar.Address)

	return c, nil
}

// drop forgets a broken connection so the next Send redials.
func (q *QUIC) drop(pillarID string, c *network.Conn) {
	q.mu.Lock()
	if q.conns[pillarID] == c {
		delete(q.conns, pillarID)
	}
	q.mu.Unlock()

	c.Close()
}

// handleFrame decodes a reply and passes it to the callback.
func (q *QUIC) handleFrame(c *network.Conn, frame []byte) {
	env, err := protocol.Unmarshal(frame)
	if err != nil {
		logger.Debug("malformed envelope dropped", "addr", c.RemoteAddr(), "error", err)
		return
	}

	if !env.Kind.IsReply() {
		logger.Debug("request on client connection dropped", "addr", c.RemoteAddr(), "kind", env.Kind)
		return
	}

	if pillar, err := q.topo.Pillar(env.From); err == nil && len(pillar.Identity) > 0 &&
		!bytes.Equal(pillar.Identity, c.Identity()) {
		logger.Warn("reply from wrong identity dropped", "pillar", env.From, "addr", c.RemoteAddr())
		return
	}

	q.handlerMu.RLock()
	fn := q.onReply
	q.handlerMu.RUnlock()

	if fn != nil {
		fn(env)
	}
}
