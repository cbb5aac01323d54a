package dispatch

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"Bitvault/internal/batch"
	"Bitvault/internal/checksum"
	"Bitvault/internal/conversation"
	"Bitvault/internal/logger"
	"Bitvault/internal/protocol"
)

// ChecksumResult is one pillar's answer to GetChecksums.
type ChecksumResult struct {
	Checksums map[string]string // Checksums maps file id to hex digest
	Err       error             // Err is the pillar's failure, nil on success
}

// PillarError is a single pillar's failure as reported in per-pillar results.
type PillarError struct {
	Pillar string          // Pillar is the reporting pillar
	Reason protocol.Reason // Reason classifies the failure
	Info   string          // Info is the pillar's diagnostic
}

// Error renders "pillar: reason: info".
func (e *PillarError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Pillar, e.Reason, e.Info)
}

// Put stores the local file at path as fileID on every target pillar of the collection.
// Nil targets address every pillar of the collection. The file is staged on the
// exchange for the duration of the call and removed on every exit path.
func (d *Dispatcher) Put(ctx context.Context, collection, fileID, path string, targets []string, maxFailures int) error {
	coll, err := d.topo.Collection(collection)
	if err != nil {
		return err
	}

	if fileID == "" {
		return fmt.Errorf("%w: empty file id", ErrInvalidArgument)
	}

	if targets == nil {
		targets = coll.Pillars
	}

	sum, size, err := checksum.File(coll.Checksum, path)
	if err != nil {
		return fmt.Errorf("%w: checksum %s:\n%w", ErrLocalIO, path, err)
	}

	url := d.exchange.NewURL("put")
	defer d.unstage(url)

	if _, err := d.exchange.UploadFile(ctx, url, path); err != nil {
		return fmt.Errorf("%w: stage %s:\n%w", ErrLocalIO, path, err)
	}

	op := conversation.Operation{
		Kind:        protocol.KindPut,
		Collection:  collection,
		FileID:      fileID,
		Targets:     targets,
		MaxFailures: maxFailures,
	}

	start := time.Now()

	_, err = d.run(ctx, op, func(string) (protocol.Message, error) {
		return &protocol.PutRequest{
			Header:   protocol.Header{Collection: collection},
			FileID:   fileID,
			URL:      url,
			Size:     size,
			Checksum: sum,
			Spec:     coll.Checksum,
		}, nil
	})
	if err != nil {
		return err
	}

	logger.Info("file stored", "collection", collection, "file", fileID, "bytes", size, "pillars", len(targets), logger.Timed(start))

	return nil
}

// Get asks one pillar to deliver a file, or a byte range of it, and downloads it
// into a temporary file whose path is returned. The caller removes the file.
func (d *Dispatcher) Get(ctx context.Context, collection, pillarID, fileID string, part *protocol.FilePart) (string, error) {
	if _, err := d.topo.PillarIn(collection, pillarID); err != nil {
		return "", err
	}

	if fileID == "" {
		return "", fmt.Errorf("%w: empty file id", ErrInvalidArgument)
	}

	if part != nil && (part.Offset < 0 || part.Length < 0) {
		return "", fmt.Errorf("%w: negative file part", ErrInvalidArgument)
	}

	url := d.exchange.NewURL("get")
	defer d.unstage(url)

	op := conversation.Operation{
		Kind:       protocol.KindGet,
		Collection: collection,
		FileID:     fileID,
		Targets:    []string{pillarID},
	}

	out, err := d.run(ctx, op, func(string) (protocol.Message, error) {
		return &protocol.GetRequest{
			Header: protocol.Header{Collection: collection},
			FileID: fileID,
			URL:    url,
			Part:   part,
		}, nil
	})
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp(d.tempDir, "bitvault-get-*")
	if err != nil {
		return "", fmt.Errorf("%w: create download file:\n%w", ErrLocalIO, err)
	}
	f.Close()

	n, err := d.exchange.DownloadToFile(ctx, url, f.Name())
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("%w: download %s from %s:\n%w", ErrLocalIO, fileID, pillarID, err)
	}

	if ev, ok := out.Event(pillarID); ok && ev.Reply != nil && ev.Reply.Size != n {
		os.Remove(f.Name())
		return "", fmt.Errorf("%w: %s delivered %d bytes, announced %d", ErrRetrievalFailed, pillarID, n, ev.Reply.Size)
	}

	return f.Name(), nil
}

// Exists reports whether the designated pillar of the collection holds fileID.
// The designated pillar is use_pillar when it belongs to the collection, else the first pillar.
func (d *Dispatcher) Exists(ctx context.Context, collection, fileID string) (bool, error) {
	pillar, err := d.DesignatedPillar(collection)
	if err != nil {
		return false, err
	}

	if fileID == "" {
		return false, fmt.Errorf("%w: empty file id", ErrInvalidArgument)
	}

	ids, err := d.pageFileIDs(ctx, collection, pillar, fileID)
	if err != nil {
		return false, err
	}

	for _, id := range ids {
		if id == fileID {
			return true, nil
		}
	}

	return false, nil
}

// ListFileIDs pages through every file id one pillar holds.
// A failed page fails the whole listing with a nil result.
func (d *Dispatcher) ListFileIDs(ctx context.Context, collection, pillarID string) ([]string, error) {
	if _, err := d.topo.PillarIn(collection, pillarID); err != nil {
		return nil, err
	}

	return d.pageFileIDs(ctx, collection, pillarID, "")
}

// pageFileIDs requests GetFileIDs pages until the pillar reports no more.
// Every page announcing more must end strictly after the previous cursor.
func (d *Dispatcher) pageFileIDs(ctx context.Context, collection, pillarID, filter string) ([]string, error) {
	var (
		ids   []string
		after string
	)

	for page := 1; ; page++ {
		op := conversation.Operation{
			Kind:       protocol.KindGetFileIDs,
			Collection: collection,
			FileID:     filter,
			Targets:    []string{pillarID},
		}

		cursor := after
		out, err := d.run(ctx, op, func(string) (protocol.Message, error) {
			return &protocol.GetFileIDsRequest{
				Header:     protocol.Header{Collection: collection},
				FileID:     filter,
				After:      cursor,
				MaxResults: d.policy.GetFileIDsMaxResults,
			}, nil
		})
		if err != nil {
			return nil, err
		}

		ev, _ := out.Event(pillarID)
		if ev.Reply == nil {
			return nil, fmt.Errorf("%w: %s answered page %d without ids", ErrRetrievalFailed, pillarID, page)
		}

		ids = append(ids, ev.Reply.FileIDs...)

		if !ev.Reply.More {
			return ids, nil
		}

		if len(ev.Reply.FileIDs) == 0 {
			return nil, fmt.Errorf("%w: %s announced more ids after an empty page", ErrRetrievalFailed, pillarID)
		}

		last := ev.Reply.FileIDs[len(ev.Reply.FileIDs)-1]
		if last <= after {
			return nil, fmt.Errorf("%w: %s page %d ends at %q, not after cursor %q", ErrRetrievalFailed, pillarID, page, last, after)
		}

		after = last
	}
}

// GetChecksums asks the target pillars, or every pillar of the collection when
// targets is nil, for digests under the collection's checksum spec, optionally
// filtered to one file. It waits for every pillar or the timeout and returns
// each pillar's answer; it does not collapse them into one outcome.
func (d *Dispatcher) GetChecksums(ctx context.Context, collection string, targets []string, fileID string) (map[string]ChecksumResult, error) {
	coll, err := d.topo.Collection(collection)
	if err != nil {
		return nil, err
	}

	if targets == nil {
		targets = coll.Pillars
	}

	op := conversation.Operation{
		Kind:       protocol.KindGetChecksums,
		Collection: collection,
		FileID:     fileID,
		Targets:    targets,
		Mode:       conversation.ModeCollectAll,
	}

	tr, err := d.Start(ctx, op, func(string) (protocol.Message, error) {
		return &protocol.GetChecksumsRequest{
			Header: protocol.Header{Collection: collection},
			FileID: fileID,
			Spec:   coll.Checksum,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	out := tr.Await(ctx, d.timeouts.Total())
	results := make(map[string]ChecksumResult, len(targets))

	for _, id := range targets {
		ev, ok := out.Event(id)
		if !ok {
			results[id] = ChecksumResult{Err: &PillarError{Pillar: id, Reason: protocol.ReasonTimeout, Info: "no reply"}}
			continue
		}

		if ev.Status != protocol.StatusComplete || ev.Reply == nil {
			results[id] = ChecksumResult{Err: &PillarError{Pillar: id, Reason: ev.Reason, Info: ev.Info}}
			continue
		}

		sums := make(map[string]string, len(ev.Reply.Checksums))
		for _, c := range ev.Reply.Checksums {
			sums[c.FileID] = c.Checksum
		}
		results[id] = ChecksumResult{Checksums: sums}
	}

	return results, nil
}

// RunBatch dispatches job to the target pillars and returns at once.
// The handle's Wait blocks for the merged result. The job times out one
// operation timeout after dispatch whether or not Wait is called.
func (d *Dispatcher) RunBatch(ctx context.Context, collection string, targets []string, job protocol.JobDescriptor, maxFailures int) (*batch.Handle, error) {
	coll, err := d.topo.Collection(collection)
	if err != nil {
		return nil, err
	}

	if len(job.Code) == 0 {
		return nil, fmt.Errorf("%w: batch job without code", ErrInvalidArgument)
	}

	if targets == nil {
		targets = coll.Pillars
	}

	outputs := make(map[string]string, len(targets))
	for _, id := range targets {
		outputs[id] = d.exchange.NewURL("batch-" + id)
	}

	op := conversation.Operation{
		Kind:        protocol.KindBatch,
		Collection:  collection,
		Targets:     targets,
		MaxFailures: maxFailures,
	}

	tr, err := d.Start(ctx, op, func(pillarID string) (protocol.Message, error) {
		return &protocol.BatchRequest{
			Header:    protocol.Header{Collection: collection},
			Job:       job,
			ResultURL: outputs[pillarID],
		}, nil
	})
	if err != nil {
		return nil, err
	}

	started := tr.Operation()

	return batch.NewHandle(tr, batch.Options{
		Exchange: d.exchange,
		Timeout:  d.timeouts.Total(),
		TempDir:  d.tempDir,
		Outputs:  outputs,
		Fail: func(out conversation.Outcome) error {
			return newOperationError(started, out)
		},
	}), nil
}

// Correct replaces fileID on one pillar with the local file at path. The pillar
// accepts only while it still holds badChecksum.
func (d *Dispatcher) Correct(ctx context.Context, collection, pillarID, fileID, badChecksum, path string) error {
	coll, err := d.topo.Collection(collection)
	if err != nil {
		return err
	}

	if _, err := d.topo.PillarIn(collection, pillarID); err != nil {
		return err
	}

	if fileID == "" || badChecksum == "" {
		return fmt.Errorf("%w: correct needs a file id and the bad checksum", ErrInvalidArgument)
	}

	sum, size, err := checksum.File(coll.Checksum, path)
	if err != nil {
		return fmt.Errorf("%w: checksum %s:\n%w", ErrLocalIO, path, err)
	}

	url := d.exchange.NewURL("correct")
	defer d.unstage(url)

	if _, err := d.exchange.UploadFile(ctx, url, path); err != nil {
		return fmt.Errorf("%w: stage %s:\n%w", ErrLocalIO, path, err)
	}

	op := conversation.Operation{
		Kind:       protocol.KindCorrect,
		Collection: collection,
		FileID:     fileID,
		Targets:    []string{pillarID},
	}

	_, err = d.run(ctx, op, func(string) (protocol.Message, error) {
		return &protocol.CorrectRequest{
			Header:      protocol.Header{Collection: collection},
			FileID:      fileID,
			URL:         url,
			Size:        size,
			BadChecksum: badChecksum,
			NewChecksum: sum,
			Spec:        coll.Checksum,
		}, nil
	})

	return err
}

// DesignatedPillar returns the pillar single-pillar reads default to.
func (d *Dispatcher) DesignatedPillar(collection string) (string, error) {
	coll, err := d.topo.Collection(collection)
	if err != nil {
		return "", err
	}

	if d.usePillar != "" {
		if _, err := d.topo.PillarIn(collection, d.usePillar); err == nil {
			return d.usePillar, nil
		}
	}

	return coll.Pillars[0], nil
}

// ClampFailures bounds a configured tolerance to what targets pillars allow.
func ClampFailures(maxFailures, targets int) int {
	if maxFailures >= targets {
		return max(targets-1, 0)
	}

	return max(maxFailures, 0)
}

// SortedPillars returns the keys of a per-pillar result map in order.
func SortedPillars(results map[string]ChecksumResult) []string {
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// unstage removes a staged file, logging failures.
func (d *Dispatcher) unstage(url string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.exchange.Delete(ctx, url); err != nil {
		logger.Warn("staged file not removed", "url", url, "error", err)
	}
}
