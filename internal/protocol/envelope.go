package protocol

import (
	"encoding/binary"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/zeebo/blake3"

	"Bitvault/internal/types"
)

// signingDomain separates envelope digests from other blake3 uses.
const signingDomain = "bitvault-envelope-v1"

// Envelope is the addressed frame carrying one request or reply.
type Envelope struct {
	Kind          Kind   // Kind is the request kind, with the reply flag on replies
	CorrelationID string // CorrelationID ties replies to the operation that sent the request
	Collection    string // Collection is the addressed collection
	From          string // From is the sender component or pillar id
	To            string // To is the recipient component or pillar id
	Body          []byte // Body is the encoded request or reply
	Signature     []byte // Signature is the sender's signature over Digest, optional
}

// NewRequestEnvelope wraps a request for delivery to a pillar.
func NewRequestEnvelope(correlationID, from, to string, msg Message) (*Envelope, error) {
	body, err := EncodeRequest(msg)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Kind:          msg.Kind(),
		CorrelationID: correlationID,
		Collection:    msg.Target(),
		From:          from,
		To:            to,
		Body:          body,
	}, nil
}

// NewReplyEnvelope answers req with r, sent by from.
func NewReplyEnvelope(req *Envelope, from string, r *Reply) *Envelope {
	return &Envelope{
		Kind:          req.Kind.Reply(),
		CorrelationID: req.CorrelationID,
		Collection:    req.Collection,
		From:          from,
		To:            req.From,
		Body:          EncodeReply(req.Kind, r),
	}
}

// Request decodes the request carried by the envelope.
func (e *Envelope) Request() (Message, error) {
	if e.Kind.IsReply() {
		return nil, fmt.Errorf("%w: envelope carries a %s reply", ErrMalformed, e.Kind)
	}

	return DecodeRequest(e.Kind, e.Collection, e.Body)
}

// Reply decodes the reply carried by the envelope.
func (e *Envelope) Reply() (*Reply, error) {
	if !e.Kind.IsReply() {
		return nil, fmt.Errorf("%w: envelope carries a %s request", ErrMalformed, e.Kind)
	}

	return DecodeReply(e.Kind, e.Body)
}

// Digest returns the blake3 hash the sender signs: every field except the signature.
func (e *Envelope) Digest() [32]byte {
	h := blake3.New()
	h.Write([]byte(signingDomain))
	h.Write([]byte{byte(e.Kind)})

	for _, field := range [][]byte{[]byte(e.CorrelationID), []byte(e.Collection), []byte(e.From), []byte(e.To), e.Body} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		h.Write(n[:])
		h.Write(field)
	}

	var out [32]byte
	h.Sum(out[:0])

	return out
}

// Marshal encodes the envelope as a FlatBuffers table.
func (e *Envelope) Marshal() []byte {
	b := flatbuffers.NewBuilder(256 + len(e.Body) + len(e.Signature))

	corr := b.CreateString(e.CorrelationID)
	coll := b.CreateString(e.Collection)
	from := b.CreateString(e.From)
	to := b.CreateString(e.To)
	body := b.CreateByteVector(e.Body)

	var sig flatbuffers.UOffsetT
	if len(e.Signature) > 0 {
		sig = b.CreateByteVector(e.Signature)
	}

	types.EnvelopeStart(b)
	types.EnvelopeAddKind(b, byte(e.Kind))
	types.EnvelopeAddCorrelationId(b, corr)
	types.EnvelopeAddCollection(b, coll)
	types.EnvelopeAddFrom(b, from)
	types.EnvelopeAddTo(b, to)
	types.EnvelopeAddBody(b, body)
	if sig != 0 {
		types.EnvelopeAddSignature(b, sig)
	}
	types.FinishEnvelopeBuffer(b, types.EnvelopeEnd(b))

	return b.FinishedBytes()
}

// Unmarshal decodes a FlatBuffers envelope. Malformed input yields an error, never a panic.
func Unmarshal(data []byte) (env *Envelope, retErr error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: envelope too short: %d bytes", ErrMalformed, len(data))
	}

	// FlatBuffers accessors panic on out-of-bounds offsets
	defer func() {
		if r := recover(); r != nil {
			env = nil
			retErr = fmt.Errorf("%w: envelope: %v", ErrMalformed, r)
		}
	}()

	fb := types.GetRootAsEnvelope(data, 0)

	env = &Envelope{
		Kind:          Kind(fb.Kind()),
		CorrelationID: string(fb.CorrelationId()),
		Collection:    string(fb.Collection()),
		From:          string(fb.From()),
		To:            string(fb.To()),
		Body:          cloneBytes(fb.BodyBytes()),
		Signature:     cloneBytes(fb.SignatureBytes()),
	}

	if env.Kind.Request() < KindPut || env.Kind.Request() > KindCorrect {
		return nil, fmt.Errorf("%w: unknown kind 0x%02x", ErrMalformed, uint8(env.Kind))
	}

	if env.CorrelationID == "" {
		return nil, fmt.Errorf("%w: missing correlation id", ErrMalformed)
	}

	return env, nil
}

// cloneBytes copies b so the envelope does not alias the receive buffer.
func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out
}
