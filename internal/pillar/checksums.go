package pillar

import (
	"context"
	"fmt"
	"os"

	"Bitvault/internal/checksum"
	"Bitvault/internal/exchange"
	"Bitvault/internal/logger"
	"Bitvault/internal/protocol"
	"Bitvault/internal/storage"
	"Bitvault/internal/topology"
)

// Checksums is the checksum pillar role: it keeps one authoritative digest per
// file and no bytes. Get and Batch are not overridden and are denied.
type Checksums struct {
	protocol.Unsupported
	ledger
}

// NewChecksums creates a checksum pillar handler using tmp for verification downloads.
func NewChecksums(tmp string, store Index, ex *exchange.Client) (*Checksums, error) {
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return nil, fmt.Errorf("create temp directory:\n%w", err)
	}

	return &Checksums{
		Unsupported: protocol.Unsupported{Role: "checksum pillar"},
		ledger:      ledger{store: store, exchange: ex, tmp: tmp},
	}, nil
}

// digest returns the kept digest. A checksum pillar cannot recompute under another spec.
func (c *Checksums) digest(_ string, rec storage.Record, spec topology.ChecksumSpec) (string, error) {
	if sum, ok := stored(rec, spec); ok {
		return sum, nil
	}

	return "", fmt.Errorf("digest kept under %s, not %s", rec.Algorithm, specKey(spec))
}

// HandlePut verifies the staged file and keeps its digest.
func (c *Checksums) HandlePut(ctx context.Context, req *protocol.PutRequest) *protocol.Reply {
	if req.FileID == "" {
		return protocol.Failed(protocol.ReasonNegative, "missing file id")
	}

	if r := checkSpec(req.Spec); r != nil {
		return r
	}

	if r, done := c.existing(req); done {
		return r
	}

	protocol.ReportProgress(ctx, "verifying "+req.FileID)

	tmp, r := c.fetch(ctx, req.URL, req.Size, req.Spec, req.Checksum)
	if r != nil {
		return r
	}
	os.Remove(tmp)

	c.mu.Lock()
	defer c.mu.Unlock()

	if r, done := c.existing(req); done {
		return r
	}

	if err := c.store.Put(req.Collection, record(req.FileID, req.Size, req.Spec, req.Checksum)); err != nil {
		return protocol.Failed(protocol.ReasonNegative, "index: %v", err)
	}

	logger.Info("checksum recorded", "collection", req.Collection, "file", req.FileID)

	return protocol.Complete("checksum recorded")
}

// existing answers a Put for an id whose digest is already kept.
func (c *Checksums) existing(req *protocol.PutRequest) (*protocol.Reply, bool) {
	rec, ok, err := c.store.Get(req.Collection, req.FileID)
	if err != nil {
		return protocol.Failed(protocol.ReasonNegative, "index: %v", err), true
	}

	if !ok {
		return nil, false
	}

	if sum, same := stored(rec, req.Spec); same && rec.Size == req.Size && checksum.Equal(sum, req.Checksum) {
		return protocol.Complete("already recorded"), true
	}

	return protocol.Failed(protocol.ReasonNegative, "file %s already recorded with a different checksum", req.FileID), true
}

// HandleGetFileIDs answers one page of ids with a kept digest.
func (c *Checksums) HandleGetFileIDs(_ context.Context, req *protocol.GetFileIDsRequest) *protocol.Reply {
	return c.fileIDs(req)
}

// HandleGetChecksums reports the kept digests.
func (c *Checksums) HandleGetChecksums(_ context.Context, req *protocol.GetChecksumsRequest) *protocol.Reply {
	return c.checksums(req, c.digest)
}

// HandleCorrect replaces a kept digest equal to the reported bad checksum after verifying the replacement.
func (c *Checksums) HandleCorrect(ctx context.Context, req *protocol.CorrectRequest) *protocol.Reply {
	if r := checkSpec(req.Spec); r != nil {
		return r
	}

	if r := c.checkDamaged(req, c.digest); r != nil {
		return r
	}

	tmp, r := c.fetch(ctx, req.URL, req.Size, req.Spec, req.NewChecksum)
	if r != nil {
		return r
	}
	os.Remove(tmp)

	c.mu.Lock()
	defer c.mu.Unlock()

	if r := c.checkDamaged(req, c.digest); r != nil {
		return r
	}

	if err := c.store.Put(req.Collection, record(req.FileID, req.Size, req.Spec, req.NewChecksum)); err != nil {
		return protocol.Failed(protocol.ReasonNegative, "index: %v", err)
	}

	logger.Info("checksum corrected", "collection", req.Collection, "file", req.FileID)

	return protocol.Complete("corrected")
}
