package batch

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"Bitvault/internal/conversation"
	"Bitvault/internal/exchange"
	"Bitvault/internal/protocol"
)

// newTestExchange serves an exchange from a temp dir.
func newTestExchange(t *testing.T) (*exchange.Client, func()) {
	t.Helper()

	ts := httptest.NewServer(exchange.NewServer("", t.TempDir()).Handler())

	return exchange.NewClient(ts.URL), ts.Close
}

// stage uploads data compressed with zstd, the way pillars publish job output.
func stage(t *testing.T, ex *exchange.Client, url string, data []byte) {
	t.Helper()

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	enc.Write(data)
	enc.Close()

	if err := ex.Put(context.Background(), url, &buf, int64(buf.Len())); err != nil {
		t.Fatalf("stage output: %v", err)
	}
}

// openBatch opens a batch tracker over pillars a and b.
func openBatch(t *testing.T, maxFailures int) (*conversation.Registry, *conversation.Tracker) {
	t.Helper()

	r := conversation.NewRegistry()

	tr, err := r.Open(conversation.Operation{
		Kind:        protocol.KindBatch,
		Collection:  "books",
		Targets:     []string{"a", "b"},
		MaxFailures: maxFailures,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	return r, tr
}

func summaryReply(processed int, url string, failures ...protocol.FileFailure) *protocol.Reply {
	r := protocol.Complete("job done")
	r.Batch = &protocol.BatchSummary{Processed: processed, Failures: failures, OutputURL: url}

	return r
}

func TestAggregatorMerges(t *testing.T) {
	agg := NewAggregator()

	agg.Add("b", &protocol.BatchSummary{Processed: 2, Failures: []protocol.FileFailure{{FileID: "f2", Message: "bad"}}})
	agg.Add("a", &protocol.BatchSummary{Processed: 3, Failures: []protocol.FileFailure{{FileID: "f1", Message: "bad"}}})

	if agg.Add("a", &protocol.BatchSummary{Processed: 100}) {
		t.Error("second summary from a pillar was merged")
	}

	if agg.Add("c", nil) {
		t.Error("nil summary was merged")
	}

	res := agg.Result()
	if res.FilesProcessed != 5 {
		t.Errorf("FilesProcessed = %d, want 5", res.FilesProcessed)
	}

	if len(res.Failures) != 2 || res.Failures[0].Pillar != "a" || res.Failures[1].FileID != "f2" {
		t.Errorf("Failures = %+v", res.Failures)
	}

	if got := res.FailedFiles(); len(got) != 2 || got[0] != "f1" {
		t.Errorf("FailedFiles = %v", got)
	}
}

func TestHandleConcatenatesInCollectionOrder(t *testing.T) {
	ex, cleanup := newTestExchange(t)
	defer cleanup()

	reg, tr := openBatch(t, 0)
	outputs := map[string]string{"a": ex.URL("out-a"), "b": ex.URL("out-b")}

	stage(t, ex, outputs["a"], []byte("from a\n"))
	stage(t, ex, outputs["b"], []byte("from b\n"))

	h := NewHandle(tr, Options{Exchange: ex, Timeout: 5 * time.Second, TempDir: t.TempDir(), Outputs: outputs})

	// b answers first; the output still follows collection order
	reg.Deliver(h.ID(), conversation.EventFromReply("b", summaryReply(1, outputs["b"])))
	reg.Deliver(h.ID(), conversation.EventFromReply("a", summaryReply(2, outputs["a"])))

	res, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	got, _ := os.ReadFile(res.OutputPath)
	if string(got) != "from a\nfrom b\n" || res.OutputSize != int64(len(got)) {
		t.Errorf("output = %q (%d bytes)", got, res.OutputSize)
	}

	if res.FilesProcessed != 3 {
		t.Errorf("FilesProcessed = %d, want 3", res.FilesProcessed)
	}

	if _, err := ex.Open(context.Background(), outputs["a"]); !errors.Is(err, exchange.ErrNotFound) {
		t.Error("pillar output left on the exchange")
	}

	again, _ := h.Wait(context.Background())
	if again != res {
		t.Error("second Wait returned a different result")
	}
}

func TestHandleReportsFailure(t *testing.T) {
	ex, cleanup := newTestExchange(t)
	defer cleanup()

	reg, tr := openBatch(t, 0)
	outputs := map[string]string{"a": ex.URL("out-a"), "b": ex.URL("out-b")}
	errFailed := errors.New("batch failed")

	h := NewHandle(tr, Options{
		Exchange: ex,
		Timeout:  5 * time.Second,
		TempDir:  t.TempDir(),
		Outputs:  outputs,
		Fail:     func(conversation.Outcome) error { return errFailed },
	})

	reg.Deliver(h.ID(), conversation.FailureEvent("a", protocol.ReasonDenied, "permission denied"))

	res, err := h.Wait(context.Background())
	if !errors.Is(err, errFailed) {
		t.Fatalf("Wait error = %v, want failure", err)
	}

	if res == nil || res.PillarErrors["a"] == "" {
		t.Errorf("partial result = %+v", res)
	}
}

func TestHandleTimeout(t *testing.T) {
	ex, cleanup := newTestExchange(t)
	defer cleanup()

	_, tr := openBatch(t, 1)

	var got conversation.Outcome
	h := NewHandle(tr, Options{
		Exchange: ex,
		Timeout:  50 * time.Millisecond,
		TempDir:  t.TempDir(),
		Fail: func(out conversation.Outcome) error {
			got = out
			return errors.New("timed out")
		},
	})

	if _, err := h.Wait(context.Background()); err == nil {
		t.Fatal("Wait succeeded without replies")
	}

	if got.Status != conversation.StatusTimedOut {
		t.Errorf("status = %s, want TIMED_OUT", got.Status)
	}
}

func TestHandleExpiresWithoutWait(t *testing.T) {
	ex, cleanup := newTestExchange(t)
	defer cleanup()

	reg, tr := openBatch(t, 0)
	h := NewHandle(tr, Options{Exchange: ex, Timeout: 50 * time.Millisecond, TempDir: t.TempDir()})

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job never expired")
	}

	out, _ := tr.Outcome()
	if out.Status != conversation.StatusTimedOut {
		t.Errorf("status = %s, want TIMED_OUT", out.Status)
	}

	if n := reg.Len(); n != 0 {
		t.Errorf("registry still holds %d operations", n)
	}
}

func TestHandleRejectsUnexpectedOutputLocation(t *testing.T) {
	ex, cleanup := newTestExchange(t)
	defer cleanup()

	reg, tr := openBatch(t, 0)
	outputs := map[string]string{"a": ex.URL("out-a"), "b": ex.URL("out-b")}

	h := NewHandle(tr, Options{Exchange: ex, Timeout: 5 * time.Second, TempDir: t.TempDir(), Outputs: outputs})

	reg.Deliver(h.ID(), conversation.EventFromReply("a", summaryReply(1, "http://elsewhere/x")))
	reg.Deliver(h.ID(), conversation.EventFromReply("b", summaryReply(1, "")))

	res, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	if res.OutputSize != 0 || res.PillarErrors["a"] == "" {
		t.Errorf("result = %+v", res)
	}
}
