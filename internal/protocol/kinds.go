package protocol

import "fmt"

// Kind identifies a request type on the wire.
type Kind uint8

// Request kinds. A reply to kind k travels with kind k|replyFlag.
const (
	KindPut          Kind = 0x01 // Store a file staged on the exchange
	KindGet          Kind = 0x02 // Deliver a stored file to the exchange
	KindGetFileIDs   Kind = 0x03 // List stored file ids, paged
	KindGetChecksums Kind = 0x04 // Report digests of stored files
	KindBatch        Kind = 0x05 // Run a job over stored files
	KindCorrect      Kind = 0x06 // Replace a damaged file

	replyFlag Kind = 0x80
)

// String returns the operation name of the kind.
func (k Kind) String() string {
	switch k &^ replyFlag {
	case KindPut:
		return "PUT"
	case KindGet:
		return "GET"
	case KindGetFileIDs:
		return "GET_FILE_IDS"
	case KindGetChecksums:
		return "GET_CHECKSUMS"
	case KindBatch:
		return "BATCH"
	case KindCorrect:
		return "CORRECT"
	default:
		return fmt.Sprintf("KIND(0x%02x)", uint8(k))
	}
}

// IsReply reports whether the kind marks a reply.
func (k Kind) IsReply() bool {
	return k&replyFlag != 0
}

// Request returns the request kind a reply kind answers.
func (k Kind) Request() Kind {
	return k &^ replyFlag
}

// Reply returns the reply kind for a request kind.
func (k Kind) Reply() Kind {
	return k | replyFlag
}

// Status is the state a contributor reports for an operation.
type Status uint8

const (
	StatusPending  Status = 0x01 // Work accepted, no result yet
	StatusComplete Status = 0x02 // Contributor finished successfully
	StatusFailed   Status = 0x03 // Contributor failed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusComplete:
		return "COMPLETE"
	case StatusFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("STATUS(0x%02x)", uint8(s))
	}
}

// Reason classifies a failed contributor event.
type Reason uint8

const (
	ReasonNone             Reason = 0x00 // No failure
	ReasonTransport        Reason = 0x01 // Request could not be delivered or no reply arrived
	ReasonNegative         Reason = 0x02 // Contributor rejected the request
	ReasonChecksumMismatch Reason = 0x03 // Contributor's validation of the file failed
	ReasonDenied           Reason = 0x04 // Contributor has no handler for the request kind
	ReasonBadSignature     Reason = 0x05 // Reply signature did not verify
	ReasonTimeout          Reason = 0x06 // Contributor did not reply in time
)

// String returns a short name for the reason.
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonTransport:
		return "transport"
	case ReasonNegative:
		return "negative"
	case ReasonChecksumMismatch:
		return "checksum-mismatch"
	case ReasonDenied:
		return "denied"
	case ReasonBadSignature:
		return "bad-signature"
	case ReasonTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("reason(0x%02x)", uint8(r))
	}
}
