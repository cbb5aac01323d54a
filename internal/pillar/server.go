package pillar

import (
	"context"
	"sync"

	"Bitvault/internal/logger"
	"Bitvault/internal/protocol"
	"Bitvault/internal/signing"
)

// Server answers request envelopes addressed to one pillar. It verifies the
// sender when client keys are registered, routes the request to its handler
// and signs every reply, PENDING progress included.
type Server struct {
	id      string           // id is the pillar id replies are sent from
	handler protocol.Handler // handler implements the pillar role
	key     *signing.KeyPair // key signs replies, nil for unsigned

	mu      sync.RWMutex      // mu protects clients
	clients map[string][]byte // clients maps component id to its BLS key, empty to accept anyone
}

// NewServer creates a server for pillar id.
func NewServer(id string, h protocol.Handler, key *signing.KeyPair) *Server {
	return &Server{id: id, handler: h, key: key, clients: make(map[string][]byte)}
}

// ID returns the pillar id.
func (s *Server) ID() string {
	return s.id
}

// Trust registers the public key of a client component. Once any client is
// registered, requests from unregistered or unverifiable senders are refused.
func (s *Server) Trust(componentID string, publicKey []byte) {
	s.mu.Lock()
	s.clients[componentID] = append([]byte(nil), publicKey...)
	s.mu.Unlock()
}

// Serve handles one request envelope and sends the replies through reply.
func (s *Server) Serve(ctx context.Context, req *protocol.Envelope, reply func(*protocol.Envelope)) {
	respond := func(r *protocol.Reply) {
		env := protocol.NewReplyEnvelope(req, s.id, r)
		s.key.SignEnvelope(env)
		reply(env)
	}

	logger.Debug("request received",
		"pillar", s.id,
		"kind", req.Kind,
		"op", req.CorrelationID,
		"from", req.From,
		"state", protocol.RouteReceived,
	)

	if req.To != s.id {
		respond(protocol.Failed(protocol.ReasonNegative, "request for %s delivered to %s", req.To, s.id))
		return
	}

	if r := s.authenticate(req); r != nil {
		respond(r)
		return
	}

	msg, err := req.Request()
	if err != nil {
		respond(protocol.Failed(protocol.ReasonNegative, "malformed request: %v", err))
		return
	}

	ctx = protocol.WithProgress(ctx, func(r *protocol.Reply) { respond(r) })

	r, state := protocol.Route(ctx, s.handler, msg)

	logger.Debug("request answered",
		"pillar", s.id,
		"kind", req.Kind,
		"op", req.CorrelationID,
		"status", r.Status,
		"state", state,
	)

	respond(r)
}

// authenticate returns the refusal for a sender that cannot be verified, nil otherwise.
func (s *Server) authenticate(req *protocol.Envelope) *protocol.Reply {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.clients) == 0 {
		return nil
	}

	pub, ok := s.clients[req.From]
	if !ok {
		logger.Warn("request from unknown client refused", "pillar", s.id, "from", req.From)
		return protocol.Failed(protocol.ReasonBadSignature, "unknown client %s", req.From)
	}

	if err := signing.VerifyEnvelope(req, pub); err != nil {
		logger.Warn("request signature refused", "pillar", s.id, "from", req.From, "error", err)
		return protocol.Failed(protocol.ReasonBadSignature, "client %s: %v", req.From, err)
	}

	return nil
}
