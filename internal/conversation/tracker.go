package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"Bitvault/internal/logger"
	"Bitvault/internal/protocol"
)

// ErrInvalidOperation is returned for operations that can never be decided consistently.
var ErrInvalidOperation = errors.New("invalid operation")

// Mode selects how contributor events collapse into an outcome.
type Mode uint8

const (
	// ModeQuorum applies Decide on every event.
	ModeQuorum Mode = iota

	// ModeCollectAll waits for every contributor and reports all replies.
	ModeCollectAll
)

// Status is the terminal state of an operation.
type Status uint8

const (
	StatusComplete Status = iota + 1 // Operation succeeded
	StatusFailed                     // Operation failed
	StatusTimedOut                   // No decision before the wait bound
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "COMPLETE"
	case StatusFailed:
		return "FAILED"
	case StatusTimedOut:
		return "TIMED_OUT"
	default:
		return "UNDECIDED"
	}
}

// Operation describes one in-flight multi-contributor request.
type Operation struct {
	ID          string        // ID is the correlation id replies carry
	Kind        protocol.Kind // Kind is the request kind
	Collection  string        // Collection is the addressed collection
	FileID      string        // FileID is the file the operation concerns, if any
	Targets     []string      // Targets are the addressed contributors
	MaxFailures int           // MaxFailures is the tolerated number of FAILED contributors
	Mode        Mode          // Mode selects quorum or collect-all evaluation
}

// Event is one contributor's report for one operation.
type Event struct {
	Contributor string          // Contributor is the pillar id
	Status      protocol.Status // Status is PENDING, COMPLETE or FAILED
	Reason      protocol.Reason // Reason classifies a failure
	Info        string          // Info is diagnostic text
	Reply       *protocol.Reply // Reply carries the payload, nil for synthesized events
	At          time.Time       // At is when the event was recorded
}

// EventFromReply builds the event for a decoded reply.
func EventFromReply(contributor string, r *protocol.Reply) Event {
	return Event{Contributor: contributor, Status: r.Status, Reason: r.Reason, Info: r.Info, Reply: r, At: time.Now()}
}

// FailureEvent builds a FAILED event that did not come from a reply.
func FailureEvent(contributor string, reason protocol.Reason, info string) Event {
	return Event{Contributor: contributor, Status: protocol.StatusFailed, Reason: reason, Info: info, At: time.Now()}
}

// Outcome is the terminal result of an operation, created exactly once.
type Outcome struct {
	Status   Status   // Status is COMPLETE, FAILED or TIMED_OUT
	Rule     Rule     // Rule is the evaluator branch that decided
	Events   []Event  // Events holds the final event per contributor, in arrival order
	Progress []Event  // Progress holds PENDING events received before the decision
	Missing  []string // Missing lists contributors without a final event
}

// Event returns the final event of a contributor.
func (o Outcome) Event(contributor string) (Event, bool) {
	for _, ev := range o.Events {
		if ev.Contributor == contributor {
			return ev, true
		}
	}

	return Event{}, false
}

// Diagnostics renders the failed events as "pillar: reason: info" lines.
func (o Outcome) Diagnostics() string {
	var b strings.Builder

	for _, ev := range o.Events {
		if ev.Status != protocol.StatusFailed {
			continue
		}

		if b.Len() > 0 {
			b.WriteString("; ")
		}

		fmt.Fprintf(&b, "%s: %s: %s", ev.Contributor, ev.Reason, ev.Info)
	}

	return b.String()
}

// Tracker accumulates contributor events of one operation and decides it.
// All methods are safe for concurrent use; the lock is scoped to this operation.
type Tracker struct {
	op      Operation       // op is the tracked operation
	targets map[string]bool // targets is the set of addressed contributors

	mu        sync.Mutex       // mu protects the fields below
	final     map[string]Event // final maps contributor to its final event
	order     []string         // order is the arrival order of final events
	progress  []Event          // progress holds PENDING events
	successes int              // successes counts COMPLETE contributors
	failures  int              // failures counts FAILED contributors
	decided   bool             // decided is set once, by the first terminal decision
	outcome   Outcome          // outcome is valid once decided
	onDecided func(Outcome)    // onDecided runs once after the decision, outside mu

	done chan struct{} // done is closed when the outcome is decided
}

// NewTracker validates op and creates its tracker.
func NewTracker(op Operation) (*Tracker, error) {
	if len(op.Targets) == 0 {
		return nil, fmt.Errorf("%w: %s addresses no contributors", ErrInvalidOperation, op.Kind)
	}

	targets := make(map[string]bool, len(op.Targets))
	for _, id := range op.Targets {
		if targets[id] {
			return nil, fmt.Errorf("%w: contributor %q addressed twice", ErrInvalidOperation, id)
		}
		targets[id] = true
	}

	if op.Mode == ModeQuorum && (op.MaxFailures < 0 || op.MaxFailures >= len(op.Targets)) {
		return nil, fmt.Errorf("%w: maxAcceptableFailures %d must be in [0, %d)",
			ErrInvalidOperation, op.MaxFailures, len(op.Targets))
	}

	op.Targets = append([]string(nil), op.Targets...)

	return &Tracker{
		op:      op,
		targets: targets,
		final:   make(map[string]Event, len(op.Targets)),
		done:    make(chan struct{}),
	}, nil
}

// Operation returns the tracked operation.
func (t *Tracker) Operation() Operation {
	return t.op
}

// Done is closed once the operation is decided.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// Record applies an event. It returns false when the event is ignored:
// after the decision, from a contributor not addressed, or a second final event.
func (t *Tracker) Record(ev Event) bool {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	t.mu.Lock()

	if t.decided {
		t.mu.Unlock()
		logger.Debug("event after decision discarded", "op", t.op.ID, "pillar", ev.Contributor, "status", ev.Status)
		return false
	}

	if !t.targets[ev.Contributor] {
		t.mu.Unlock()
		logger.Debug("event from unaddressed contributor ignored", "op", t.op.ID, "pillar", ev.Contributor)
		return false
	}

	if _, seen := t.final[ev.Contributor]; seen {
		t.mu.Unlock()
		logger.Debug("duplicate final event ignored", "op", t.op.ID, "pillar", ev.Contributor)
		return false
	}

	switch ev.Status {
	case protocol.StatusPending:
		t.progress = append(t.progress, ev)
		t.mu.Unlock()
		return true
	case protocol.StatusComplete:
		t.successes++
	default:
		ev.Status = protocol.StatusFailed
		t.failures++
	}

	t.final[ev.Contributor] = ev
	t.order = append(t.order, ev.Contributor)

	var (
		decision Decision
		rule     Rule
	)

	if t.op.Mode == ModeCollectAll {
		decision, rule = decideAll(len(t.op.Targets), t.successes, t.failures)
	} else {
		decision, rule = Decide(len(t.op.Targets), t.op.MaxFailures, t.successes, t.failures)
	}

	var hook func(Outcome)

	switch decision {
	case Complete:
		hook = t.decideLocked(StatusComplete, rule)
	case Failed:
		hook = t.decideLocked(StatusFailed, rule)
	}

	outcome := t.outcome
	t.mu.Unlock()

	if hook != nil {
		hook(outcome)
	}

	return true
}

// Expire decides the operation as TIMED_OUT if it is still pending.
// Outstanding contributors get a synthesized timeout event.
func (t *Tracker) Expire(info string) bool {
	t.mu.Lock()

	if t.decided {
		t.mu.Unlock()
		return false
	}

	for _, id := range t.op.Targets {
		if _, ok := t.final[id]; !ok {
			t.final[id] = FailureEvent(id, protocol.ReasonTimeout, info)
			t.order = append(t.order, id)
		}
	}

	hook := t.decideLocked(StatusTimedOut, RuleTimedOut)
	outcome := t.outcome
	t.mu.Unlock()

	if hook != nil {
		hook(outcome)
	}

	return true
}

// Outcome returns the outcome and whether the operation is decided.
func (t *Tracker) Outcome() (Outcome, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.outcome, t.decided
}

// Await blocks until the operation is decided, timeout elapses or ctx ends.
// The latter two decide the operation as TIMED_OUT; late events are then discarded.
func (t *Tracker) Await(ctx context.Context, timeout time.Duration) Outcome {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.done:
	case <-timer.C:
		t.Expire(fmt.Sprintf("no reply within %s", timeout))
	case <-ctx.Done():
		t.Expire(fmt.Sprintf("wait abandoned: %v", ctx.Err()))
	}

	out, _ := t.Outcome()

	return out
}

// decideLocked freezes the outcome. It must be called with mu held and returns the hook to run after unlocking.
func (t *Tracker) decideLocked(status Status, rule Rule) func(Outcome) {
	events := make([]Event, 0, len(t.order))
	missing := make([]string, 0)

	for _, id := range t.order {
		events = append(events, t.final[id])
	}

	for _, id := range t.op.Targets {
		if ev, ok := t.final[id]; !ok || ev.Reason == protocol.ReasonTimeout {
			missing = append(missing, id)
		}
	}

	t.outcome = Outcome{
		Status:   status,
		Rule:     rule,
		Events:   events,
		Progress: append([]Event(nil), t.progress...),
		Missing:  missing,
	}
	t.decided = true
	close(t.done)

	log := logger.With("op", t.op.ID, "kind", t.op.Kind, "collection", t.op.Collection)
	switch status {
	case StatusComplete:
		log.Debug("operation decided", "status", status, "rule", rule, "successes", t.successes, "failures", t.failures)
	case StatusFailed:
		log.Info("operation decided", "status", status, "rule", rule, "successes", t.successes, "failures", t.failures)
	default:
		log.Warn("operation timed out", "missing", len(missing))
	}

	return t.onDecided
}
