package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"Bitvault/internal/topology"
)

const (
	// maxFieldSize bounds a single length-prefixed field.
	maxFieldSize = 16 << 20

	// maxListSize bounds the number of elements in a list field.
	maxListSize = 1 << 20
)

// ErrMalformed is returned when a body cannot be decoded.
var ErrMalformed = errors.New("malformed message")

// encoder appends varint-framed fields to a buffer.
type encoder struct {
	buf []byte // buf is the encoded body
}

// uint appends an unsigned varint.
func (e *encoder) uint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

// int appends a signed varint.
func (e *encoder) int(v int64) {
	e.buf = binary.AppendVarint(e.buf, v)
}

// bool appends one byte.
func (e *encoder) bool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

// bytes appends a length-prefixed byte string.
func (e *encoder) bytes(b []byte) {
	e.uint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// string appends a length-prefixed string.
func (e *encoder) string(s string) {
	e.uint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// strings appends a counted list of strings.
func (e *encoder) strings(list []string) {
	e.uint(uint64(len(list)))
	for _, s := range list {
		e.string(s)
	}
}

// spec appends a checksum spec.
func (e *encoder) spec(s topology.ChecksumSpec) {
	e.string(s.Algorithm)
	e.bytes(s.Salt)
}

// decoder reads fields written by encoder. The first error sticks.
type decoder struct {
	buf []byte // buf is the unread remainder
	err error  // err is the first decoding error
}

// fail records the first error.
func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
	}
}

// uint reads an unsigned varint.
func (d *decoder) uint() uint64 {
	if d.err != nil {
		return 0
	}

	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.fail("bad uvarint")
		return 0
	}

	d.buf = d.buf[n:]

	return v
}

// int reads a signed varint.
func (d *decoder) int() int64 {
	if d.err != nil {
		return 0
	}

	v, n := binary.Varint(d.buf)
	if n <= 0 {
		d.fail("bad varint")
		return 0
	}

	d.buf = d.buf[n:]

	return v
}

// bool reads one byte.
func (d *decoder) bool() bool {
	if d.err != nil {
		return false
	}

	if len(d.buf) < 1 {
		d.fail("truncated bool")
		return false
	}

	v := d.buf[0]
	d.buf = d.buf[1:]

	return v != 0
}

// bytes reads a length-prefixed byte string into a fresh slice.
func (d *decoder) bytes() []byte {
	n := d.uint()
	if d.err != nil {
		return nil
	}

	if n > maxFieldSize || n > uint64(len(d.buf)) {
		d.fail("field length %d exceeds remaining %d", n, len(d.buf))
		return nil
	}

	if n == 0 {
		return nil
	}

	out := make([]byte, n)
	copy(out, d.buf[:n])
	d.buf = d.buf[n:]

	return out
}

// string reads a length-prefixed string.
func (d *decoder) string() string {
	return string(d.bytes())
}

// count reads a list length.
func (d *decoder) count() int {
	n := d.uint()
	if n > maxListSize || n > uint64(len(d.buf)) {
		d.fail("list length %d too large", n)
		return 0
	}

	return int(n)
}

// strings reads a counted list of strings.
func (d *decoder) strings() []string {
	n := d.count()
	if n == 0 {
		return nil
	}

	out := make([]string, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.string())
	}

	return out
}

// spec reads a checksum spec.
func (d *decoder) spec() topology.ChecksumSpec {
	return topology.ChecksumSpec{Algorithm: d.string(), Salt: d.bytes()}
}

// finish reports trailing bytes or a sticky error.
func (d *decoder) finish() error {
	if d.err == nil && len(d.buf) != 0 {
		d.fail("%d trailing bytes", len(d.buf))
	}

	return d.err
}

// EncodeRequest encodes the body of a request. The collection travels in the envelope.
func EncodeRequest(msg Message) ([]byte, error) {
	var e encoder

	switch m := msg.(type) {
	case *PutRequest:
		e.string(m.FileID)
		e.string(m.URL)
		e.int(m.Size)
		e.string(m.Checksum)
		e.spec(m.Spec)
	case *GetRequest:
		e.string(m.FileID)
		e.string(m.URL)
		e.bool(m.Part != nil)
		if m.Part != nil {
			e.int(m.Part.Offset)
			e.int(m.Part.Length)
		}
	case *GetFileIDsRequest:
		e.string(m.FileID)
		e.string(m.After)
		e.int(int64(m.MaxResults))
	case *GetChecksumsRequest:
		e.string(m.FileID)
		e.spec(m.Spec)
	case *BatchRequest:
		e.string(m.Job.Name)
		e.bytes(m.Job.Code)
		e.string(m.Job.FilePattern)
		e.strings(m.Job.Args)
		e.string(m.ResultURL)
	case *CorrectRequest:
		e.string(m.FileID)
		e.string(m.URL)
		e.int(m.Size)
		e.string(m.BadChecksum)
		e.string(m.NewChecksum)
		e.spec(m.Spec)
	default:
		return nil, fmt.Errorf("encode request: unsupported message %T", msg)
	}

	return e.buf, nil
}

// DecodeRequest decodes a request body of the given kind.
func DecodeRequest(kind Kind, collection string, body []byte) (Message, error) {
	d := &decoder{buf: body}
	h := Header{Collection: collection}

	var msg Message

	switch kind {
	case KindPut:
		msg = &PutRequest{Header: h, FileID: d.string(), URL: d.string(), Size: d.int(), Checksum: d.string(), Spec: d.spec()}
	case KindGet:
		m := &GetRequest{Header: h, FileID: d.string(), URL: d.string()}
		if d.bool() {
			m.Part = &FilePart{Offset: d.int(), Length: d.int()}
		}
		msg = m
	case KindGetFileIDs:
		msg = &GetFileIDsRequest{Header: h, FileID: d.string(), After: d.string(), MaxResults: int(d.int())}
	case KindGetChecksums:
		msg = &GetChecksumsRequest{Header: h, FileID: d.string(), Spec: d.spec()}
	case KindBatch:
		m := &BatchRequest{Header: h}
		m.Job.Name = d.string()
		m.Job.Code = d.bytes()
		m.Job.FilePattern = d.string()
		m.Job.Args = d.strings()
		m.ResultURL = d.string()
		msg = m
	case KindCorrect:
		msg = &CorrectRequest{
			Header:      h,
			FileID:      d.string(),
			URL:         d.string(),
			Size:        d.int(),
			BadChecksum: d.string(),
			NewChecksum: d.string(),
			Spec:        d.spec(),
		}
	default:
		return nil, fmt.Errorf("%w: unknown request kind 0x%02x", ErrMalformed, uint8(kind))
	}

	if err := d.finish(); err != nil {
		return nil, fmt.Errorf("decode %s request:\n%w", kind, err)
	}

	return msg, nil
}

// EncodeReply encodes a reply to a request of the given kind.
func EncodeReply(kind Kind, r *Reply) []byte {
	var e encoder

	e.buf = append(e.buf, byte(r.Status), byte(r.Reason))
	e.string(r.Info)

	switch kind.Request() {
	case KindGet:
		e.int(r.Size)
	case KindGetFileIDs:
		e.strings(r.FileIDs)
		e.bool(r.More)
	case KindGetChecksums:
		e.uint(uint64(len(r.Checksums)))
		for _, c := range r.Checksums {
			e.string(c.FileID)
			e.string(c.Checksum)
		}
	case KindBatch:
		e.bool(r.Batch != nil)
		if r.Batch != nil {
			e.int(int64(r.Batch.Processed))
			e.uint(uint64(len(r.Batch.Failures)))
			for _, f := range r.Batch.Failures {
				e.string(f.FileID)
				e.string(f.Message)
			}
			e.string(r.Batch.OutputURL)
			e.int(r.Batch.OutputSize)
		}
	}

	return e.buf
}

// DecodeReply decodes a reply to a request of the given kind.
func DecodeReply(kind Kind, body []byte) (*Reply, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("%w: reply too short: %d < 2", ErrMalformed, len(body))
	}

	r := &Reply{Status: Status(body[0]), Reason: Reason(body[1])}
	if r.Status < StatusPending || r.Status > StatusFailed {
		return nil, fmt.Errorf("%w: invalid status 0x%02x", ErrMalformed, body[0])
	}

	d := &decoder{buf: body[2:]}
	r.Info = d.string()

	switch kind.Request() {
	case KindGet:
		r.Size = d.int()
	case KindGetFileIDs:
		r.FileIDs = d.strings()
		r.More = d.bool()
	case KindGetChecksums:
		n := d.count()
		for i := 0; i < n && d.err == nil; i++ {
			r.Checksums = append(r.Checksums, ChecksumEntry{FileID: d.string(), Checksum: d.string()})
		}
	case KindBatch:
		if d.bool() {
			b := &BatchSummary{Processed: int(d.int())}
			n := d.count()
			for i := 0; i < n && d.err == nil; i++ {
				b.Failures = append(b.Failures, FileFailure{FileID: d.string(), Message: d.string()})
			}
			b.OutputURL = d.string()
			b.OutputSize = d.int()
			r.Batch = b
		}
	}

	if err := d.finish(); err != nil {
		return nil, fmt.Errorf("decode %s reply:\n%w", kind.Request(), err)
	}

	return r, nil
}
