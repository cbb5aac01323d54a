package protocol

import (
	"fmt"

	"Bitvault/internal/topology"
)

// Message is the sum type of all requests. Only types in this package implement it.
type Message interface {
	Kind() Kind
	Target() string
	isMessage()
}

// Header carries the fields every request shares. They travel in the envelope, not the body.
type Header struct {
	Collection string // Collection is the collection the request addresses
}

// Target returns the addressed collection.
func (h Header) Target() string { return h.Collection }

func (Header) isMessage() {}

// FilePart is a byte range of a stored file.
type FilePart struct {
	Offset int64 // Offset is the first byte delivered
	Length int64 // Length is the number of bytes delivered, 0 meaning to the end
}

// PutRequest asks a pillar to fetch a staged file and store it.
type PutRequest struct {
	Header
	FileID   string                // FileID names the file in the collection
	URL      string                // URL is where the staged file can be fetched
	Size     int64                 // Size is the expected size in bytes
	Checksum string                // Checksum is the expected hex digest
	Spec     topology.ChecksumSpec // Spec describes how Checksum was computed
}

// GetRequest asks a pillar to upload a stored file to a delivery location.
type GetRequest struct {
	Header
	FileID string    // FileID names the requested file
	URL    string    // URL is the delivery location
	Part   *FilePart // Part restricts delivery to a byte range when set
}

// GetFileIDsRequest asks a pillar for one page of stored file ids.
type GetFileIDsRequest struct {
	Header
	FileID     string // FileID filters the listing to one id when set
	After      string // After is the paging cursor, ids greater than it are returned
	MaxResults int    // MaxResults bounds the page size
}

// GetChecksumsRequest asks a pillar for digests of its stored files.
type GetChecksumsRequest struct {
	Header
	FileID string                // FileID filters to one file when set
	Spec   topology.ChecksumSpec // Spec is the requested digest
}

// JobDescriptor describes a batch job: a WASM module run against matching files.
type JobDescriptor struct {
	Name        string   // Name identifies the job in logs and results
	Code        []byte   // Code is the WASM module
	FilePattern string   // FilePattern is a regular expression over file ids, empty for all
	Args        []string // Args are passed to the job unchanged
}

// BatchRequest asks a pillar to run a job over its stored files.
type BatchRequest struct {
	Header
	Job       JobDescriptor // Job is the job to run
	ResultURL string        // ResultURL is where the concatenated output is uploaded
}

// CorrectRequest asks a pillar to replace a damaged file.
type CorrectRequest struct {
	Header
	FileID      string                // FileID names the damaged file
	URL         string                // URL is where the replacement is staged
	Size        int64                 // Size is the replacement size
	BadChecksum string                // BadChecksum is the digest the pillar must currently hold
	NewChecksum string                // NewChecksum is the digest of the replacement
	Spec        topology.ChecksumSpec // Spec describes both digests
}

// Kind returns KindPut.
func (*PutRequest) Kind() Kind { return KindPut }

// Kind returns KindGet.
func (*GetRequest) Kind() Kind { return KindGet }

// Kind returns KindGetFileIDs.
func (*GetFileIDsRequest) Kind() Kind { return KindGetFileIDs }

// Kind returns KindGetChecksums.
func (*GetChecksumsRequest) Kind() Kind { return KindGetChecksums }

// Kind returns KindBatch.
func (*BatchRequest) Kind() Kind { return KindBatch }

// Kind returns KindCorrect.
func (*CorrectRequest) Kind() Kind { return KindCorrect }

// ChecksumEntry is the digest of one stored file.
type ChecksumEntry struct {
	FileID   string // FileID names the file
	Checksum string // Checksum is the hex digest
}

// FileFailure records a file a batch job failed on.
type FileFailure struct {
	FileID  string // FileID names the file
	Message string // Message is the job's error text
}

// BatchSummary is one pillar's result of a batch job.
type BatchSummary struct {
	Processed  int           // Processed counts the files the job ran on
	Failures   []FileFailure // Failures lists files the job failed on
	OutputURL  string        // OutputURL is where the compressed output was uploaded
	OutputSize int64         // OutputSize is the uncompressed output size
}

// Reply is a contributor's answer to a request. Payload fields are set per request kind.
type Reply struct {
	Status Status // Status is PENDING, COMPLETE or FAILED
	Reason Reason // Reason classifies a failure
	Info   string // Info is human-readable diagnostic text

	Size      int64           // Size is the number of bytes delivered by a Get
	FileIDs   []string        // FileIDs is one GetFileIDs page
	More      bool            // More reports further GetFileIDs pages
	Checksums []ChecksumEntry // Checksums answers GetChecksums
	Batch     *BatchSummary   // Batch answers a batch job
}

// Complete returns a COMPLETE reply.
func Complete(info string) *Reply {
	return &Reply{Status: StatusComplete, Info: info}
}

// Pending returns a PENDING progress reply.
func Pending(info string) *Reply {
	return &Reply{Status: StatusPending, Info: info}
}

// Failed returns a FAILED reply with a formatted diagnostic.
func Failed(reason Reason, format string, args ...any) *Reply {
	return &Reply{Status: StatusFailed, Reason: reason, Info: fmt.Sprintf(format, args...)}
}

// Denied returns the reply sent for a request kind a role does not handle.
func Denied(kind Kind, role string) *Reply {
	return Failed(ReasonDenied, "permission denied: %s is not supported by %s", kind, role)
}
