package dispatch

import (
	"context"
	"fmt"
	"time"

	"Bitvault/internal/config"
	"Bitvault/internal/conversation"
	"Bitvault/internal/exchange"
	"Bitvault/internal/logger"
	"Bitvault/internal/protocol"
	"Bitvault/internal/signing"
	"Bitvault/internal/topology"
	"Bitvault/internal/transport"
)

// Build creates the request addressed to one pillar.
type Build func(pillarID string) (protocol.Message, error)

// Dispatcher sends typed requests to pillars and routes their replies to the
// in-flight operation waiting for them. It is safe for concurrent use.
type Dispatcher struct {
	transport   transport.Transport    // transport carries envelopes to pillars
	topo        *topology.Topology     // topo resolves collections and pillars
	registry    *conversation.Registry // registry tracks in-flight operations
	exchange    *exchange.Client       // exchange stages files for transfer
	key         *signing.KeyPair       // key signs requests, nil for unsigned
	componentID string                 // componentID is the From of every request
	timeouts    config.Timeouts        // timeouts bounds blocking calls
	policy      config.Policy          // policy holds failure tolerances and page size
	tempDir     string                 // tempDir receives downloaded files
	usePillar   string                 // usePillar is the designated pillar for reads
}

// New creates a dispatcher and subscribes it to the transport's replies.
func New(cfg *config.Config, tr transport.Transport, ex *exchange.Client, key *signing.KeyPair) (*Dispatcher, error) {
	if cfg == nil || cfg.Topology() == nil {
		return nil, fmt.Errorf("%w: configuration without topology", ErrInvalidArgument)
	}

	if tr == nil || ex == nil {
		return nil, fmt.Errorf("%w: transport and exchange are required", ErrInvalidArgument)
	}

	d := &Dispatcher{
		transport:   tr,
		topo:        cfg.Topology(),
		registry:    conversation.NewRegistry(),
		exchange:    ex,
		key:         key,
		componentID: cfg.ComponentID,
		timeouts:    cfg.Timeouts,
		policy:      cfg.Policy,
		tempDir:     cfg.TempDir,
		usePillar:   cfg.UsePillar,
	}

	tr.OnReply(d.handleReply)

	return d, nil
}

// Topology returns the topology requests are addressed with.
func (d *Dispatcher) Topology() *topology.Topology {
	return d.topo
}

// Policy returns the configured failure tolerances.
func (d *Dispatcher) Policy() config.Policy {
	return d.policy
}

// Timeout returns identification + operation timeout, the bound of every blocking call.
func (d *Dispatcher) Timeout() time.Duration {
	return d.timeouts.Total()
}

// InFlight returns the number of undecided operations.
func (d *Dispatcher) InFlight() int {
	return d.registry.Len()
}

// Close releases the transport.
func (d *Dispatcher) Close() error {
	return d.transport.Close()
}

// Start registers op and sends one request per target concurrently.
// Targets must belong to op.Collection. A request that cannot be sent becomes
// a FAILED transport event of its pillar. The returned tracker decides op.
func (d *Dispatcher) Start(ctx context.Context, op conversation.Operation, build Build) (*conversation.Tracker, error) {
	for _, id := range op.Targets {
		if _, err := d.topo.PillarIn(op.Collection, id); err != nil {
			return nil, err
		}
	}

	msgs := make(map[string]protocol.Message, len(op.Targets))
	for _, id := range op.Targets {
		msg, err := build(id)
		if err != nil {
			return nil, fmt.Errorf("build %s request for %s:\n%w", op.Kind, id, err)
		}
		msgs[id] = msg
	}

	tr, err := d.registry.Open(op)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	op = tr.Operation()

	logger.Debug("operation started",
		"op", op.ID,
		"kind", op.Kind,
		"collection", op.Collection,
		"file", op.FileID,
		"targets", len(op.Targets),
		"max_failures", op.MaxFailures,
	)

	for _, id := range op.Targets {
		go d.send(ctx, op.ID, id, msgs[id])
	}

	return tr, nil
}

// run starts op and waits for its decision. Anything but COMPLETE becomes an *OperationError.
func (d *Dispatcher) run(ctx context.Context, op conversation.Operation, build Build) (conversation.Outcome, error) {
	tr, err := d.Start(ctx, op, build)
	if err != nil {
		return conversation.Outcome{}, err
	}

	out := tr.Await(ctx, d.timeouts.Total())
	if out.Status != conversation.StatusComplete {
		return out, newOperationError(tr.Operation(), out)
	}

	return out, nil
}

// send delivers one request envelope.
func (d *Dispatcher) send(ctx context.Context, opID, pillarID string, msg protocol.Message) {
	env, err := protocol.NewRequestEnvelope(opID, d.componentID, pillarID, msg)
	if err != nil {
		d.registry.Deliver(opID, conversation.FailureEvent(pillarID, protocol.ReasonTransport, err.Error()))
		return
	}

	d.key.SignEnvelope(env)

	if err := d.transport.Send(ctx, env); err != nil {
		logger.Debug("request not delivered", "op", opID, "pillar", pillarID, "error", err)
		d.registry.Deliver(opID, conversation.FailureEvent(pillarID, protocol.ReasonTransport, err.Error()))
	}
}

// handleReply turns a reply envelope into a contributor event of its operation.
func (d *Dispatcher) handleReply(env *protocol.Envelope) {
	tr, ok := d.registry.Lookup(env.CorrelationID)
	if !ok {
		logger.Debug("late or unknown reply discarded", "op", env.CorrelationID, "pillar", env.From)
		return
	}

	if env.Kind.Request() != tr.Operation().Kind {
		logger.Warn("reply kind mismatch", "op", env.CorrelationID, "pillar", env.From, "kind", env.Kind)
		return
	}

	pillar, err := d.topo.Pillar(env.From)
	if err != nil {
		logger.Warn("reply from unknown pillar", "op", env.CorrelationID, "from", env.From)
		return
	}

	if err := signing.VerifyEnvelope(env, pillar.PublicKey); err != nil {
		tr.Record(conversation.FailureEvent(env.From, protocol.ReasonBadSignature, err.Error()))
		return
	}

	r, err := env.Reply()
	if err != nil {
		tr.Record(conversation.FailureEvent(env.From, protocol.ReasonTransport, "malformed reply: "+err.Error()))
		return
	}

	tr.Record(conversation.EventFromReply(env.From, r))
}
