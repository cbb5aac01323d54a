package signing

import (
	"errors"

	"Bitvault/internal/protocol"
)

var (
	// ErrMissingSignature is returned when a key is configured but the envelope is unsigned.
	ErrMissingSignature = errors.New("envelope is not signed")

	// ErrBadSignature is returned when an envelope signature does not verify.
	ErrBadSignature = errors.New("envelope signature does not verify")
)

// SignEnvelope sets env.Signature. A nil key pair leaves the envelope unsigned.
func (k *KeyPair) SignEnvelope(env *protocol.Envelope) {
	if k == nil {
		return
	}

	digest := env.Digest()
	env.Signature = k.Sign(digest[:])
}

// VerifyEnvelope checks env against publicKey. An empty key accepts any envelope.
func VerifyEnvelope(env *protocol.Envelope, publicKey []byte) error {
	if len(publicKey) == 0 {
		return nil
	}

	if len(env.Signature) == 0 {
		return ErrMissingSignature
	}

	digest := env.Digest()
	if !Verify(env.Signature, digest[:], publicKey) {
		return ErrBadSignature
	}

	return nil
}
