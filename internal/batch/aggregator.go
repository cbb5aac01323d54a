package batch

import (
	"fmt"
	"sort"
	"sync"

	"Bitvault/internal/protocol"
)

// FileFailure is one file a job failed on, attributed to the pillar that ran it.
type FileFailure struct {
	Pillar  string // Pillar ran the job
	FileID  string // FileID names the file
	Message string // Message is the job's error text
}

// Result is the merged outcome of a batch job over a collection.
type Result struct {
	FilesProcessed int               // FilesProcessed sums the per-pillar counts
	Failures       []FileFailure     // Failures lists failed files sorted by pillar then file
	Pillars        []string          // Pillars lists the pillars whose summaries were merged, in merge order
	PillarErrors   map[string]string // PillarErrors holds diagnostics of pillars without a summary
	OutputPath     string            // OutputPath is the local file with the concatenated output
	OutputSize     int64             // OutputSize is the length of OutputPath
}

// FailedFiles returns the failed file ids, sorted and without duplicates.
func (r *Result) FailedFiles() []string {
	seen := make(map[string]bool, len(r.Failures))
	out := make([]string, 0, len(r.Failures))

	for _, f := range r.Failures {
		if !seen[f.FileID] {
			seen[f.FileID] = true
			out = append(out, f.FileID)
		}
	}
	sort.Strings(out)

	return out
}

// Aggregator merges per-pillar batch summaries as they arrive.
type Aggregator struct {
	mu      sync.Mutex                        // mu protects the fields below
	result  Result                            // result accumulates the merge
	outputs map[string]*protocol.BatchSummary // outputs maps pillar to its summary
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		result:  Result{PillarErrors: make(map[string]string)},
		outputs: make(map[string]*protocol.BatchSummary),
	}
}

// Add merges the summary of one pillar. A second summary from the same pillar is ignored.
func (a *Aggregator) Add(pillar string, s *protocol.BatchSummary) bool {
	if s == nil {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, seen := a.outputs[pillar]; seen {
		return false
	}

	a.outputs[pillar] = s
	a.result.Pillars = append(a.result.Pillars, pillar)
	a.result.FilesProcessed += s.Processed

	for _, f := range s.Failures {
		a.result.Failures = append(a.result.Failures, FileFailure{Pillar: pillar, FileID: f.FileID, Message: f.Message})
	}

	return true
}

// Fail records a pillar that produced no summary.
func (a *Aggregator) Fail(pillar, format string, args ...any) {
	a.mu.Lock()
	a.result.PillarErrors[pillar] = fmt.Sprintf(format, args...)
	a.mu.Unlock()
}

// Summary returns the summary merged for a pillar.
func (a *Aggregator) Summary(pillar string) (*protocol.BatchSummary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.outputs[pillar]

	return s, ok
}

// Result returns a copy of the merged result with failures sorted.
func (a *Aggregator) Result() Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := a.result
	r.Failures = append([]FileFailure(nil), a.result.Failures...)
	r.Pillars = append([]string(nil), a.result.Pillars...)
	r.PillarErrors = make(map[string]string, len(a.result.PillarErrors))
	for k, v := range a.result.PillarErrors {
		r.PillarErrors[k] = v
	}

	sort.Slice(r.Failures, func(i, j int) bool {
		if r.Failures[i].Pillar != r.Failures[j].Pillar {
			return r.Failures[i].Pillar < r.Failures[j].Pillar
		}
		return r.Failures[i].FileID < r.Failures[j].FileID
	})

	return r
}
