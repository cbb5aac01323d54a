package batch

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"Bitvault/internal/conversation"
	"Bitvault/internal/exchange"
	"Bitvault/internal/logger"
	"Bitvault/internal/protocol"
)

// Options configures a Handle.
type Options struct {
	Exchange *exchange.Client                 // Exchange holds the per-pillar outputs
	Timeout  time.Duration                    // Timeout bounds the job, counted from NewHandle
	TempDir  string                           // TempDir receives the concatenated output
	Outputs  map[string]string                // Outputs maps pillar to the URL it was told to upload to
	Fail     func(conversation.Outcome) error // Fail converts an unsuccessful outcome to the caller's error
}

// Handle is a batch job in flight. Wait blocks for its merged result.
type Handle struct {
	tracker  *conversation.Tracker // tracker decides the job
	opts     Options               // opts configures result collection
	deadline time.Time             // deadline is when the job times out
	expiry   *time.Timer           // expiry times the job out without a Wait

	once   sync.Once // once guards collection
	result *Result   // result is set by the first Wait
	err    error     // err is set by the first Wait
}

// NewHandle wraps the tracker of a dispatched batch job and starts its timeout.
// A job nobody waits for is still released from the registry once it expires.
func NewHandle(tracker *conversation.Tracker, opts Options) *Handle {
	h := &Handle{tracker: tracker, opts: opts, deadline: time.Now().Add(opts.Timeout)}

	if opts.Timeout > 0 {
		h.expiry = time.AfterFunc(opts.Timeout, func() {
			tracker.Expire(fmt.Sprintf("no reply within %s", opts.Timeout))
		})
	}

	return h
}

// ID returns the correlation id of the job.
func (h *Handle) ID() string {
	return h.tracker.Operation().ID
}

// Done is closed once every pillar reported, one failed, or the job timed out.
func (h *Handle) Done() <-chan struct{} {
	return h.tracker.Done()
}

// Wait blocks until the job is decided, then merges the pillar summaries and
// concatenates their outputs in collection order. Later calls return the same result.
// On failure the partial result is returned with the error.
func (h *Handle) Wait(ctx context.Context) (*Result, error) {
	h.once.Do(func() {
		h.result, h.err = h.collect(ctx)
	})

	return h.result, h.err
}

// collect merges the outcome and cleans the exchange.
func (h *Handle) collect(ctx context.Context) (*Result, error) {
	start := h.tracker.Operation()
	out := h.tracker.Await(ctx, max(time.Until(h.deadline), time.Millisecond))
	if h.expiry != nil {
		h.expiry.Stop()
	}

	defer h.cleanup()

	agg := NewAggregator()
	for _, ev := range out.Events {
		if ev.Status == protocol.StatusComplete && ev.Reply != nil && ev.Reply.Batch != nil {
			agg.Add(ev.Contributor, ev.Reply.Batch)
			continue
		}

		agg.Fail(ev.Contributor, "%s: %s", ev.Reason, ev.Info)
	}

	path, size, err := h.concatenate(ctx, agg, start.Targets)

	res := agg.Result()
	if err != nil {
		return &res, err
	}

	res.OutputPath, res.OutputSize = path, size

	logger.Info("batch collected",
		"op", start.ID,
		"collection", start.Collection,
		"status", out.Status,
		"processed", res.FilesProcessed,
		"failed", len(res.Failures),
		"output", size,
	)

	if out.Status != conversation.StatusComplete && h.opts.Fail != nil {
		return &res, h.opts.Fail(out)
	}

	return &res, nil
}

// concatenate downloads each pillar's zstd output and appends it to one local file.
func (h *Handle) concatenate(ctx context.Context, agg *Aggregator, order []string) (string, int64, error) {
	f, err := os.CreateTemp(h.opts.TempDir, "bitvault-batch-*")
	if err != nil {
		return "", 0, fmt.Errorf("create batch output:\n%w", err)
	}

	var total int64

	for _, pillar := range order {
		s, ok := agg.Summary(pillar)
		if !ok || s.OutputURL == "" {
			continue
		}

		url, assigned := h.opts.Outputs[pillar]
		if !assigned || url != s.OutputURL {
			agg.Fail(pillar, "output uploaded to unexpected location %s", s.OutputURL)
			continue
		}

		n, err := h.appendOutput(ctx, f, url)
		if err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", 0, fmt.Errorf("collect output of %s:\n%w", pillar, err)
		}

		total += n
	}

	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", 0, fmt.Errorf("close batch output:\n%w", err)
	}

	return f.Name(), total, nil
}

// appendOutput decompresses one pillar's output into w.
func (h *Handle) appendOutput(ctx context.Context, w io.Writer, url string) (int64, error) {
	body, err := h.opts.Exchange.Open(ctx, url)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	dec, err := zstd.NewReader(body)
	if err != nil {
		return 0, fmt.Errorf("zstd reader:\n%w", err)
	}
	defer dec.Close()

	n, err := io.Copy(w, dec)
	if err != nil {
		return n, fmt.Errorf("decompress:\n%w", err)
	}

	return n, nil
}

// cleanup deletes every output location handed to the pillars.
func (h *Handle) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for pillar, url := range h.opts.Outputs {
		if err := h.opts.Exchange.Delete(ctx, url); err != nil {
			logger.Warn("batch output not removed", "pillar", pillar, "url", url, "error", err)
		}
	}
}
