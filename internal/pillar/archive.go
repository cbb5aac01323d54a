package pillar

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"Bitvault/internal/checksum"
	"Bitvault/internal/exchange"
	"Bitvault/internal/jobvm"
	"Bitvault/internal/logger"
	"Bitvault/internal/protocol"
	"Bitvault/internal/storage"
	"Bitvault/internal/topology"
)

// Archive is the bitarchive pillar role: it keeps file bytes on disk, indexes
// them in pebble and runs batch jobs over them.
type Archive struct {
	ledger

	dir  string         // dir holds the stored files
	jobs *jobvm.Runtime // jobs runs batch job modules
}

// NewArchive creates a bitarchive handler storing files under dir.
func NewArchive(dir string, store Index, ex *exchange.Client, jobs *jobvm.Runtime) (*Archive, error) {
	for _, sub := range []string{"files", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create %s directory:\n%w", sub, err)
		}
	}

	return &Archive{
		ledger: ledger{store: store, exchange: ex, tmp: filepath.Join(dir, "tmp")},
		dir:    dir,
		jobs:   jobs,
	}, nil
}

// path returns where a stored file lives. Names are hashed so any file id is a safe file name.
func (a *Archive) path(collection, fileID string) string {
	sum := blake3.Sum256([]byte(collection + "\x00" + fileID))
	return filepath.Join(a.dir, "files", hex.EncodeToString(sum[:]))
}

// digest returns the indexed digest or recomputes it from the stored bytes.
func (a *Archive) digest(collection string, rec storage.Record, spec topology.ChecksumSpec) (string, error) {
	if sum, ok := stored(rec, spec); ok {
		return sum, nil
	}

	sum, _, err := checksum.File(spec, a.path(collection, rec.FileID))

	return sum, err
}

// HandlePut fetches the staged file, verifies it and stores it.
// Storing identical content again completes; different content under a stored id is refused.
func (a *Archive) HandlePut(ctx context.Context, req *protocol.PutRequest) *protocol.Reply {
	if req.FileID == "" {
		return protocol.Failed(protocol.ReasonNegative, "missing file id")
	}

	if r := checkSpec(req.Spec); r != nil {
		return r
	}

	if r, done := a.existing(req); done {
		return r
	}

	protocol.ReportProgress(ctx, "fetching "+req.FileID)

	tmp, r := a.fetch(ctx, req.URL, req.Size, req.Spec, req.Checksum)
	if r != nil {
		return r
	}
	defer os.Remove(tmp)

	a.mu.Lock()
	defer a.mu.Unlock()

	// a concurrent Put may have stored the id while we fetched
	if r, done := a.existing(req); done {
		return r
	}

	dst := a.path(req.Collection, req.FileID)
	if err := os.Rename(tmp, dst); err != nil {
		return protocol.Failed(protocol.ReasonNegative, "store file: %v", err)
	}

	// no file on disk without an index record
	if err := a.store.Put(req.Collection, record(req.FileID, req.Size, req.Spec, req.Checksum)); err != nil {
		os.Remove(dst)
		return protocol.Failed(protocol.ReasonNegative, "index: %v", err)
	}

	logger.Info("file stored", "collection", req.Collection, "file", req.FileID, "bytes", req.Size)

	return protocol.Complete("stored")
}

// existing answers a Put for an id the archive already holds.
func (a *Archive) existing(req *protocol.PutRequest) (*protocol.Reply, bool) {
	rec, ok, err := a.store.Get(req.Collection, req.FileID)
	if err != nil {
		return protocol.Failed(protocol.ReasonNegative, "index: %v", err), true
	}

	if !ok {
		return nil, false
	}

	sum, err := a.digest(req.Collection, rec, req.Spec)
	if err != nil {
		return protocol.Failed(protocol.ReasonNegative, "checksum of stored file: %v", err), true
	}

	if rec.Size == req.Size && checksum.Equal(sum, req.Checksum) {
		return protocol.Complete("already stored"), true
	}

	return protocol.Failed(protocol.ReasonNegative, "file %s already stored with different content", req.FileID), true
}

// HandleGet uploads a stored file, or a byte range of it, to the delivery location.
func (a *Archive) HandleGet(ctx context.Context, req *protocol.GetRequest) *protocol.Reply {
	rec, ok, err := a.store.Get(req.Collection, req.FileID)
	if err != nil {
		return protocol.Failed(protocol.ReasonNegative, "index: %v", err)
	}

	if !ok {
		return protocol.Failed(protocol.ReasonNegative, "file %s not found", req.FileID)
	}

	f, err := os.Open(a.path(req.Collection, req.FileID))
	if err != nil {
		return protocol.Failed(protocol.ReasonNegative, "open stored file: %v", err)
	}
	defer f.Close()

	var r io.Reader = f
	size := rec.Size

	if p := req.Part; p != nil {
		if p.Offset < 0 || p.Length < 0 || p.Offset > rec.Size {
			return protocol.Failed(protocol.ReasonNegative, "part %d+%d outside %d bytes", p.Offset, p.Length, rec.Size)
		}

		size = rec.Size - p.Offset
		if p.Length > 0 && p.Length < size {
			size = p.Length
		}

		r = io.NewSectionReader(f, p.Offset, size)
	}

	if err := a.exchange.Put(ctx, req.URL, r, size); err != nil {
		return protocol.Failed(protocol.ReasonNegative, "deliver: %v", err)
	}

	reply := protocol.Complete("delivered")
	reply.Size = size

	return reply
}

// HandleGetFileIDs answers one page of stored ids.
func (a *Archive) HandleGetFileIDs(_ context.Context, req *protocol.GetFileIDsRequest) *protocol.Reply {
	return a.fileIDs(req)
}

// HandleGetChecksums reports digests under the requested spec, recomputing when the index holds another.
func (a *Archive) HandleGetChecksums(_ context.Context, req *protocol.GetChecksumsRequest) *protocol.Reply {
	return a.checksums(req, a.digest)
}

// HandleBatch runs the job on every stored file matching its pattern and
// uploads the zstd-compressed concatenated output to the result location.
func (a *Archive) HandleBatch(ctx context.Context, req *protocol.BatchRequest) *protocol.Reply {
	pattern, err := regexp.Compile(req.Job.FilePattern)
	if err != nil {
		return protocol.Failed(protocol.ReasonNegative, "file pattern: %v", err)
	}

	id, err := a.jobs.Load(req.Job.Code)
	if err != nil {
		return protocol.Failed(protocol.ReasonNegative, "load job %s: %v", req.Job.Name, err)
	}

	var ids []string
	err = a.store.Each(req.Collection, func(rec storage.Record) error {
		if pattern.MatchString(rec.FileID) {
			ids = append(ids, rec.FileID)
		}
		return nil
	})
	if err != nil {
		return protocol.Failed(protocol.ReasonNegative, "index: %v", err)
	}

	protocol.ReportProgress(ctx, fmt.Sprintf("running %s on %d files", req.Job.Name, len(ids)))

	summary := &protocol.BatchSummary{}
	var output bytes.Buffer

	for _, fileID := range ids {
		if ctx.Err() != nil {
			return protocol.Failed(protocol.ReasonNegative, "job %s interrupted: %v", req.Job.Name, ctx.Err())
		}

		summary.Processed++

		data, err := os.ReadFile(a.path(req.Collection, fileID))
		if err != nil {
			summary.Failures = append(summary.Failures, protocol.FileFailure{FileID: fileID, Message: err.Error()})
			continue
		}

		res, err := a.jobs.Run(ctx, id, jobvm.Input{Name: fileID, Data: data, Args: req.Job.Args})
		if err != nil {
			summary.Failures = append(summary.Failures, protocol.FileFailure{FileID: fileID, Message: err.Error()})
			continue
		}

		output.Write(res.Output)
	}

	summary.OutputSize = int64(output.Len())

	if req.ResultURL != "" {
		if err := a.publish(ctx, req.ResultURL, output.Bytes()); err != nil {
			return protocol.Failed(protocol.ReasonNegative, "upload output: %v", err)
		}
		summary.OutputURL = req.ResultURL
	}

	logger.Info("batch job finished",
		"job", req.Job.Name,
		"collection", req.Collection,
		"processed", summary.Processed,
		"failed", len(summary.Failures),
		"output", summary.OutputSize,
	)

	reply := protocol.Complete("job " + req.Job.Name + " finished")
	reply.Batch = summary

	return reply
}

// publish uploads data compressed with zstd. Empty output is still a full frame.
func (a *Archive) publish(ctx context.Context, url string, data []byte) error {
	enc, err := zstd.NewWriter(nil, zstd.WithZeroFrames(true))
	if err != nil {
		return fmt.Errorf("zstd writer:\n%w", err)
	}
	defer enc.Close()

	compressed := enc.EncodeAll(data, nil)

	return a.exchange.Put(ctx, url, bytes.NewReader(compressed), int64(len(compressed)))
}

// HandleCorrect replaces a stored file whose digest equals the reported bad checksum.
func (a *Archive) HandleCorrect(ctx context.Context, req *protocol.CorrectRequest) *protocol.Reply {
	if r := checkSpec(req.Spec); r != nil {
		return r
	}

	if r := a.checkDamaged(req, a.digest); r != nil {
		return r
	}

	tmp, r := a.fetch(ctx, req.URL, req.Size, req.Spec, req.NewChecksum)
	if r != nil {
		return r
	}
	defer os.Remove(tmp)

	a.mu.Lock()
	defer a.mu.Unlock()

	if r := a.checkDamaged(req, a.digest); r != nil {
		return r
	}

	if err := os.Rename(tmp, a.path(req.Collection, req.FileID)); err != nil {
		return protocol.Failed(protocol.ReasonNegative, "replace file: %v", err)
	}

	if err := a.store.Put(req.Collection, record(req.FileID, req.Size, req.Spec, req.NewChecksum)); err != nil {
		return protocol.Failed(protocol.ReasonNegative, "index: %v", err)
	}

	logger.Info("file corrected", "collection", req.Collection, "file", req.FileID)

	return protocol.Complete("corrected")
}
