package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"Bitvault/internal/protocol"
)

// newTestTracker opens a PUT tracker over pillars a, b and c.
func newTestTracker(t *testing.T, maxFailures int) (*Registry, *Tracker) {
	t.Helper()

	r := NewRegistry()

	tr, err := r.Open(Operation{
		Kind:        protocol.KindPut,
		Collection:  "books",
		Targets:     []string{"a", "b", "c"},
		MaxFailures: maxFailures,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	return r, tr
}

func complete(id string) Event {
	return EventFromReply(id, protocol.Complete("stored"))
}

func failed(id string) Event {
	return FailureEvent(id, protocol.ReasonNegative, "disk full")
}

func TestTrackerCompletesWhenAllReport(t *testing.T) {
	_, tr := newTestTracker(t, 0)

	tr.Record(complete("a"))
	tr.Record(complete("b"))

	if _, decided := tr.Outcome(); decided {
		t.Fatal("decided before the third reply")
	}

	tr.Record(complete("c"))

	out, decided := tr.Outcome()
	if !decided || out.Status != StatusComplete || len(out.Events) != 3 || len(out.Missing) != 0 {
		t.Errorf("outcome = %+v, decided = %v", out, decided)
	}
}

func TestTrackerFailFast(t *testing.T) {
	_, tr := newTestTracker(t, 1)

	tr.Record(complete("a"))
	tr.Record(failed("b"))

	select {
	case <-tr.Done():
	default:
		t.Fatal("failure with an outstanding pillar did not decide the operation")
	}

	out, _ := tr.Outcome()
	if out.Status != StatusFailed || out.Rule != RuleFailFast {
		t.Errorf("outcome = %s/%s, want FAILED/fail-fast", out.Status, out.Rule)
	}

	if len(out.Missing) != 1 || out.Missing[0] != "c" {
		t.Errorf("missing = %v, want [c]", out.Missing)
	}

	if !strings.Contains(out.Diagnostics(), "b: negative: disk full") {
		t.Errorf("diagnostics = %q", out.Diagnostics())
	}
}

func TestTrackerToleratedFailureLast(t *testing.T) {
	_, tr := newTestTracker(t, 1)

	tr.Record(complete("a"))
	tr.Record(complete("b"))
	tr.Record(failed("c"))

	out, _ := tr.Outcome()
	if out.Status != StatusComplete || out.Rule != RuleQuorumMet {
		t.Errorf("outcome = %s/%s, want COMPLETE/quorum-met", out.Status, out.Rule)
	}
}

func TestTrackerMonotonic(t *testing.T) {
	_, tr := newTestTracker(t, 0)

	tr.Record(failed("a"))

	if tr.Record(complete("b")) || tr.Record(complete("c")) {
		t.Error("events after the decision were applied")
	}

	out, _ := tr.Outcome()
	if out.Status != StatusFailed || len(out.Events) != 1 {
		t.Errorf("outcome changed after decision: %+v", out)
	}

	if tr.Expire("late") {
		t.Error("Expire changed a decided operation")
	}
}

func TestTrackerIgnoresStrayEvents(t *testing.T) {
	_, tr := newTestTracker(t, 0)

	if tr.Record(complete("z")) {
		t.Error("event from an unaddressed contributor was applied")
	}

	tr.Record(complete("a"))
	if tr.Record(failed("a")) {
		t.Error("second final event from the same contributor was applied")
	}

	if !tr.Record(EventFromReply("b", protocol.Pending("downloading"))) {
		t.Error("progress event was not applied")
	}

	tr.Record(complete("b"))
	tr.Record(complete("c"))

	out, _ := tr.Outcome()
	if out.Status != StatusComplete || len(out.Progress) != 1 {
		t.Errorf("outcome = %+v", out)
	}
}

func TestTrackerAwaitTimeout(t *testing.T) {
	r, tr := newTestTracker(t, 0)

	tr.Record(complete("a"))

	start := time.Now()
	out := tr.Await(context.Background(), 50*time.Millisecond)

	if out.Status != StatusTimedOut {
		t.Fatalf("status = %s, want TIMED_OUT", out.Status)
	}

	if time.Since(start) > 2*time.Second {
		t.Errorf("Await took %v", time.Since(start))
	}

	if len(out.Missing) != 2 {
		t.Errorf("missing = %v, want b and c", out.Missing)
	}

	ev, ok := out.Event("b")
	if !ok || ev.Reason != protocol.ReasonTimeout {
		t.Errorf("event for b = %+v, %v", ev, ok)
	}

	if r.Len() != 0 {
		t.Errorf("registry still holds %d operations", r.Len())
	}

	if r.Deliver(tr.Operation().ID, complete("b")) {
		t.Error("late reply was delivered")
	}
}

func TestTrackerAwaitContextCanceled(t *testing.T) {
	_, tr := newTestTracker(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if out := tr.Await(ctx, time.Minute); out.Status != StatusTimedOut {
		t.Errorf("status = %s, want TIMED_OUT", out.Status)
	}
}

func TestTrackerAwaitDecided(t *testing.T) {
	r, tr := newTestTracker(t, 0)

	go func() {
		for _, id := range []string{"a", "b", "c"} {
			r.Deliver(tr.Operation().ID, complete(id))
		}
	}()

	if out := tr.Await(context.Background(), 5*time.Second); out.Status != StatusComplete {
		t.Errorf("status = %s, want COMPLETE", out.Status)
	}
}

func TestTrackerConcurrentEvents(t *testing.T) {
	targets := make([]string, 64)
	for i := range targets {
		targets[i] = fmt.Sprintf("p%02d", i)
	}

	r := NewRegistry()

	tr, err := r.Open(Operation{Kind: protocol.KindPut, Targets: targets, MaxFailures: 3})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	var wg sync.WaitGroup
	for _, id := range targets {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.Deliver(tr.Operation().ID, complete(id))
			r.Deliver(tr.Operation().ID, complete(id))
		}(id)
	}
	wg.Wait()

	out, decided := tr.Outcome()
	if !decided || out.Status != StatusComplete || len(out.Events) != len(targets) {
		t.Errorf("decided=%v status=%s events=%d", decided, out.Status, len(out.Events))
	}
}

func TestCollectAllWaitsForFailures(t *testing.T) {
	r := NewRegistry()

	tr, err := r.Open(Operation{Kind: protocol.KindGetChecksums, Targets: []string{"a", "b", "c"}, Mode: ModeCollectAll})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	tr.Record(failed("a"))
	if _, decided := tr.Outcome(); decided {
		t.Fatal("collect-all decided on the first failure")
	}

	tr.Record(complete("b"))
	tr.Record(complete("c"))

	out, _ := tr.Outcome()
	if out.Status != StatusFailed || out.Rule != RuleAllReported || len(out.Events) != 3 {
		t.Errorf("outcome = %+v", out)
	}
}

func TestNewTrackerValidation(t *testing.T) {
	tests := []Operation{
		{Kind: protocol.KindPut},
		{Kind: protocol.KindPut, Targets: []string{"a", "a"}},
		{Kind: protocol.KindPut, Targets: []string{"a", "b"}, MaxFailures: 2},
		{Kind: protocol.KindPut, Targets: []string{"a"}, MaxFailures: -1},
	}

	for _, op := range tests {
		if _, err := NewTracker(op); !errors.Is(err, ErrInvalidOperation) {
			t.Errorf("NewTracker(%+v) error = %v, want ErrInvalidOperation", op, err)
		}
	}

	if _, err := NewTracker(Operation{Kind: protocol.KindGetChecksums, Targets: []string{"a"}, MaxFailures: 5, Mode: ModeCollectAll}); err != nil {
		t.Errorf("collect-all rejected: %v", err)
	}
}

func TestRegistryRejectsDuplicateID(t *testing.T) {
	r := NewRegistry()

	op := Operation{ID: "same", Kind: protocol.KindGet, Targets: []string{"a"}}
	if _, err := r.Open(op); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, err := r.Open(op); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("duplicate Open error = %v, want ErrInvalidOperation", err)
	}

	if _, ok := r.Lookup("same"); !ok {
		t.Error("Lookup did not find the open operation")
	}
}
