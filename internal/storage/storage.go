package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond

	// recordPrefix starts every file record key.
	recordPrefix = "file/"

	// recordVersion is the first byte of an encoded record.
	recordVersion = 1
)

// ErrCorrupt is returned for index entries that cannot be decoded.
var ErrCorrupt = errors.New("corrupt index record")

// Record is the index entry of one stored file.
type Record struct {
	FileID    string    // FileID names the file in its collection
	Size      int64     // Size is the file length in bytes
	Algorithm string    // Algorithm is the digest algorithm of Checksum
	Checksum  string    // Checksum is the hex digest of the stored bytes
	Stored    time.Time // Stored is when the file was last written
}

// Store is the pillar's file index backed by Pebble.
// Writes are non-blocking (NoSync) and a background goroutine
// periodically syncs the WAL to disk for durability.
type Store struct {
	db       *pebble.DB    // db is the underlying Pebble database
	stopSync chan struct{} // stopSync signals the sync goroutine to stop
	wg       sync.WaitGroup
}

// Open opens or creates the index at the given path.
func Open(path string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20), // 32 MB cache
		MemTableSize:                16 << 20,                  // 16 MB memtable
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s:\n%w", path, err)
	}

	s := &Store{
		db:       db,
		stopSync: make(chan struct{}),
	}

	s.startSyncLoop()

	return s, nil
}

// Put writes or replaces the record of r.FileID in collection.
func (s *Store) Put(collection string, r Record) error {
	if r.FileID == "" {
		return fmt.Errorf("record without file id")
	}

	return s.db.Set(recordKey(collection, r.FileID), encodeRecord(r), pebble.NoSync)
}

// Get returns the record of a file and whether it exists.
func (s *Store) Get(collection, fileID string) (Record, bool, error) {
	value, closer, err := s.db.Get(recordKey(collection, fileID))
	if errors.Is(err, pebble.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	defer closer.Close()

	r, err := decodeRecord(fileID, value)
	if err != nil {
		return Record{}, false, err
	}

	return r, true, nil
}

// Delete removes the record of a file.
func (s *Store) Delete(collection, fileID string) error {
	return s.db.Delete(recordKey(collection, fileID), pebble.NoSync)
}

// FileIDs returns up to limit ids greater than after, in order, and whether more follow.
func (s *Store) FileIDs(collection, after string, limit int) ([]string, bool, error) {
	if limit <= 0 {
		return nil, false, fmt.Errorf("limit must be positive, got %d", limit)
	}

	prefix := collectionPrefix(collection)
	lower := prefix
	if after != "" {
		// Smallest key strictly greater than the cursor
		lower = append(recordKey(collection, after), 0)
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, false, err
	}
	defer iter.Close()

	ids := make([]string, 0, min(limit, 1024))
	more := false

	for iter.First(); iter.Valid(); iter.Next() {
		if len(ids) == limit {
			more = true
			break
		}

		ids = append(ids, string(iter.Key()[len(prefix):]))
	}

	return ids, more, iter.Error()
}

// Each calls fn for every record of collection in file id order.
// If fn returns an error, iteration stops and the error is returned.
func (s *Store) Each(collection string, fn func(Record) error) error {
	prefix := collectionPrefix(collection)

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		r, err := decodeRecord(string(iter.Key()[len(prefix):]), value)
		if err != nil {
			return err
		}

		if err := fn(r); err != nil {
			return err
		}
	}

	return iter.Error()
}

// Close stops the sync goroutine and closes the database.
// It performs a final sync before closing to ensure durability.
func (s *Store) Close() error {
	close(s.stopSync)
	s.wg.Wait()

	if err := s.sync(); err != nil {
		return err
	}

	return s.db.Close()
}

// collectionPrefix is the key prefix of every record in collection.
func collectionPrefix(collection string) []byte {
	return []byte(recordPrefix + collection + "\x00")
}

// recordKey is "file/<collection>\x00<fileID>".
func recordKey(collection, fileID string) []byte {
	return append(collectionPrefix(collection), fileID...)
}

// encodeRecord serializes the record value; the file id lives in the key.
func encodeRecord(r Record) []byte {
	buf := make([]byte, 0, 32+len(r.Algorithm)+len(r.Checksum))
	buf = append(buf, recordVersion)
	buf = binary.AppendVarint(buf, r.Size)
	buf = binary.AppendVarint(buf, r.Stored.UnixNano())
	buf = binary.AppendUvarint(buf, uint64(len(r.Algorithm)))
	buf = append(buf, r.Algorithm...)
	buf = binary.AppendUvarint(buf, uint64(len(r.Checksum)))
	buf = append(buf, r.Checksum...)

	return buf
}

// decodeRecord parses a record value. The returned strings do not alias data.
func decodeRecord(fileID string, data []byte) (Record, error) {
	if len(data) == 0 || data[0] != recordVersion {
		return Record{}, fmt.Errorf("%w: %s: bad version", ErrCorrupt, fileID)
	}

	r := Record{FileID: fileID}
	rest := data[1:]

	var (
		n     int
		nanos int64
	)

	if r.Size, n = binary.Varint(rest); n <= 0 {
		return Record{}, fmt.Errorf("%w: %s: size", ErrCorrupt, fileID)
	}
	rest = rest[n:]

	if nanos, n = binary.Varint(rest); n <= 0 {
		return Record{}, fmt.Errorf("%w: %s: timestamp", ErrCorrupt, fileID)
	}
	rest = rest[n:]
	r.Stored = time.Unix(0, nanos)

	for _, field := range []*string{&r.Algorithm, &r.Checksum} {
		l, n := binary.Uvarint(rest)
		if n <= 0 || uint64(len(rest)-n) < l {
			return Record{}, fmt.Errorf("%w: %s: truncated", ErrCorrupt, fileID)
		}

		*field = string(rest[n : n+int(l)])
		rest = rest[n+int(l):]
	}

	return r, nil
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Increments the last byte; returns nil if prefix is all 0xFF (full range).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil
}

// startSyncLoop starts the background goroutine that periodically syncs the WAL.
func (s *Store) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(defaultSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (s *Store) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}
