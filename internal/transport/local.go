package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"Bitvault/internal/logger"
	"Bitvault/internal/protocol"
)

// Endpoint serves requests addressed to one pillar. Replies go through reply,
// any number of times; PENDING replies may precede the final one.
type Endpoint interface {
	Serve(ctx context.Context, req *protocol.Envelope, reply func(*protocol.Envelope))
}

// EndpointFunc adapts a function to Endpoint.
type EndpointFunc func(ctx context.Context, req *protocol.Envelope, reply func(*protocol.Envelope))

// Serve calls f.
func (f EndpointFunc) Serve(ctx context.Context, req *protocol.Envelope, reply func(*protocol.Envelope)) {
	f(ctx, req, reply)
}

// Fault alters delivery to one pillar.
type Fault struct {
	Unreachable  bool          // Unreachable makes Send fail
	DropRequests bool          // DropRequests accepts requests and never delivers them
	Delay        time.Duration // Delay postpones every reply
}

// Local is an in-process transport. Every envelope is marshaled and decoded
// on the way through, so endpoints see exactly what QUIC would carry.
type Local struct {
	mu        sync.RWMutex             // mu protects the fields below
	endpoints map[string]Endpoint      // endpoints maps pillar id to its endpoint
	faults    map[string]Fault         // faults maps pillar id to injected faults
	onReply   func(*protocol.Envelope) // onReply receives reply envelopes
	closed    bool                     // closed is set by Close

	ctx    context.Context    // ctx ends serving goroutines on Close
	cancel context.CancelFunc // cancel cancels ctx
	wg     sync.WaitGroup     // wg tracks serving goroutines
}

// NewLocal creates an in-process transport with no endpoints.
func NewLocal() *Local {
	ctx, cancel := context.WithCancel(context.Background())

	return &Local{
		endpoints: make(map[string]Endpoint),
		faults:    make(map[string]Fault),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Attach routes requests addressed to pillarID to ep.
func (l *Local) Attach(pillarID string, ep Endpoint) {
	l.mu.Lock()
	l.endpoints[pillarID] = ep
	l.mu.Unlock()
}

// SetFault injects f on the pillar. The zero Fault restores normal delivery.
func (l *Local) SetFault(pillarID string, f Fault) {
	l.mu.Lock()
	l.faults[pillarID] = f
	l.mu.Unlock()
}

// Send serves env on its endpoint in a new goroutine.
func (l *Local) Send(ctx context.Context, env *protocol.Envelope) error {
	req, err := protocol.Unmarshal(env.Marshal())
	if err != nil {
		return fmt.Errorf("encode request:\n%w", err)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrClosed
	}

	ep, ok := l.endpoints[env.To]
	fault := l.faults[env.To]

	if !ok || fault.Unreachable {
		return fmt.Errorf("%w: %s", ErrUnreachable, env.To)
	}

	if fault.DropRequests {
		logger.Debug("request dropped", "pillar", env.To, "kind", env.Kind, "op", env.CorrelationID)
		return nil
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ep.Serve(l.ctx, req, func(r *protocol.Envelope) { l.deliver(r, fault.Delay) })
	}()

	return nil
}

// OnReply sets the callback receiving reply envelopes.
func (l *Local) OnReply(fn func(env *protocol.Envelope)) {
	l.mu.Lock()
	l.onReply = fn
	l.mu.Unlock()
}

// Close stops delivery and waits for serving goroutines.
func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()

	return nil
}

// deliver passes a reply to the callback after the injected delay.
func (l *Local) deliver(env *protocol.Envelope, delay time.Duration) {
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-l.ctx.Done():
			return
		}
	}

	decoded, err := protocol.Unmarshal(env.Marshal())
	if err != nil {
		logger.Debug("malformed reply dropped", "pillar", env.From, "error", err)
		return
	}

	l.mu.RLock()
	fn := l.onReply
	closed := l.closed
	l.mu.RUnlock()

	if fn != nil && !closed {
		fn(decoded)
	}
}
