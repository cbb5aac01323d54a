package pillar

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"Bitvault/internal/checksum"
	"Bitvault/internal/exchange"
	"Bitvault/internal/protocol"
	"Bitvault/internal/storage"
	"Bitvault/internal/topology"
)

// Index is the file index a pillar role keeps. *storage.Store implements it.
type Index interface {
	Put(collection string, r storage.Record) error
	Get(collection, fileID string) (storage.Record, bool, error)
	FileIDs(collection, after string, limit int) ([]string, bool, error)
	Each(collection string, fn func(storage.Record) error) error
}

// defaultPageSize bounds GetFileIDs pages when the request sets no limit.
const defaultPageSize = 10000

// ledger is the part shared by both pillar roles: the pebble file index,
// staging transfers and the reply logic for listings.
type ledger struct {
	store    Index            // store indexes stored files per collection
	exchange *exchange.Client // exchange fetches staged files and delivers outputs
	tmp      string           // tmp receives downloads before they are verified

	mu sync.Mutex // mu serializes index updates
}

// specKey identifies a checksum spec in index records. Salts are reduced to a
// short blake3 fingerprint so the key never reveals them.
func specKey(spec topology.ChecksumSpec) string {
	name := checksum.Canonical(spec.Algorithm)
	if !spec.Salted() {
		return name
	}

	sum := blake3.Sum256(spec.Salt)

	return name + "/" + hex.EncodeToString(sum[:8])
}

// fetch downloads a staged file and checks its size and digest.
// On success the caller owns the returned temporary file.
func (l *ledger) fetch(ctx context.Context, url string, size int64, spec topology.ChecksumSpec, want string) (string, *protocol.Reply) {
	f, err := os.CreateTemp(l.tmp, "fetch-*")
	if err != nil {
		return "", protocol.Failed(protocol.ReasonNegative, "create temp file: %v", err)
	}
	f.Close()

	n, err := l.exchange.DownloadToFile(ctx, url, f.Name())
	if err != nil {
		os.Remove(f.Name())
		return "", protocol.Failed(protocol.ReasonNegative, "fetch %s: %v", url, err)
	}

	if n != size {
		os.Remove(f.Name())
		return "", protocol.Failed(protocol.ReasonChecksumMismatch, "received %d bytes, expected %d", n, size)
	}

	got, _, err := checksum.File(spec, f.Name())
	if err != nil {
		os.Remove(f.Name())
		return "", protocol.Failed(protocol.ReasonNegative, "checksum: %v", err)
	}

	if !checksum.Equal(got, want) {
		os.Remove(f.Name())
		return "", protocol.Failed(protocol.ReasonChecksumMismatch, "received checksum %s, expected %s", got, want)
	}

	return f.Name(), nil
}

// record builds the index record of verified content.
func record(fileID string, size int64, spec topology.ChecksumSpec, sum string) storage.Record {
	return storage.Record{FileID: fileID, Size: size, Algorithm: specKey(spec), Checksum: sum, Stored: time.Now()}
}

// checkSpec refuses digest algorithms the pillar cannot compute.
func checkSpec(spec topology.ChecksumSpec) *protocol.Reply {
	if !checksum.Supported(spec.Algorithm) {
		return protocol.Failed(protocol.ReasonNegative, "unsupported checksum algorithm %q", spec.Algorithm)
	}

	return nil
}

// fileIDs answers one GetFileIDs page.
func (l *ledger) fileIDs(req *protocol.GetFileIDsRequest) *protocol.Reply {
	if req.FileID != "" {
		_, ok, err := l.store.Get(req.Collection, req.FileID)
		if err != nil {
			return protocol.Failed(protocol.ReasonNegative, "index: %v", err)
		}

		r := protocol.Complete("listed")
		if ok {
			r.FileIDs = []string{req.FileID}
		}

		return r
	}

	limit := req.MaxResults
	if limit <= 0 {
		limit = defaultPageSize
	}

	ids, more, err := l.store.FileIDs(req.Collection, req.After, limit)
	if err != nil {
		return protocol.Failed(protocol.ReasonNegative, "index: %v", err)
	}

	r := protocol.Complete(fmt.Sprintf("%d ids", len(ids)))
	r.FileIDs, r.More = ids, more

	return r
}

// digestFunc returns the digest of a stored file under spec.
type digestFunc func(collection string, rec storage.Record, spec topology.ChecksumSpec) (string, error)

// checksums answers GetChecksums. A filtered request for a file the pillar
// does not hold completes with no entries.
func (l *ledger) checksums(req *protocol.GetChecksumsRequest, digest digestFunc) *protocol.Reply {
	if r := checkSpec(req.Spec); r != nil {
		return r
	}

	var recs []storage.Record

	if req.FileID != "" {
		rec, ok, err := l.store.Get(req.Collection, req.FileID)
		if err != nil {
			return protocol.Failed(protocol.ReasonNegative, "index: %v", err)
		}
		if ok {
			recs = append(recs, rec)
		}
	} else {
		err := l.store.Each(req.Collection, func(rec storage.Record) error {
			recs = append(recs, rec)
			return nil
		})
		if err != nil {
			return protocol.Failed(protocol.ReasonNegative, "index: %v", err)
		}
	}

	r := protocol.Complete(fmt.Sprintf("%d checksums", len(recs)))

	for _, rec := range recs {
		sum, err := digest(req.Collection, rec, req.Spec)
		if err != nil {
			return protocol.Failed(protocol.ReasonNegative, "checksum of %s: %v", rec.FileID, err)
		}
		r.Checksums = append(r.Checksums, protocol.ChecksumEntry{FileID: rec.FileID, Checksum: sum})
	}

	return r
}

// stored returns the indexed digest when it was computed under spec.
func stored(rec storage.Record, spec topology.ChecksumSpec) (string, bool) {
	if rec.Algorithm != specKey(spec) {
		return "", false
	}

	return rec.Checksum, true
}

// checkDamaged refuses a correction unless the pillar holds the file with the bad checksum.
func (l *ledger) checkDamaged(req *protocol.CorrectRequest, digest digestFunc) *protocol.Reply {
	rec, ok, err := l.store.Get(req.Collection, req.FileID)
	if err != nil {
		return protocol.Failed(protocol.ReasonNegative, "index: %v", err)
	}

	if !ok {
		return protocol.Failed(protocol.ReasonNegative, "file %s not found", req.FileID)
	}

	sum, err := digest(req.Collection, rec, req.Spec)
	if err != nil {
		return protocol.Failed(protocol.ReasonNegative, "checksum of stored file: %v", err)
	}

	if !checksum.Equal(sum, req.BadChecksum) {
		return protocol.Failed(protocol.ReasonNegative, "stored checksum %s differs from reported bad checksum %s", sum, req.BadChecksum)
	}

	return nil
}
