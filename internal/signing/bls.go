package signing

import (
	"crypto/rand"
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// PublicKeySize is the size of a compressed BLS public key in bytes.
	PublicKeySize = 48

	// SignatureSize is the size of a compressed BLS signature in bytes.
	SignatureSize = 96

	// seedSize is the size of the key file seed in bytes.
	seedSize = 32
)

// ErrBadKeyFile is returned when a key file does not hold a usable seed.
var ErrBadKeyFile = errors.New("bad key file")

// blsDST is the ciphersuite tag of minimal-pubkey-size BLS signatures.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// KeyPair holds a BLS private/public key pair used to sign envelopes.
type KeyPair struct {
	secret *blst.SecretKey // secret is the private key
	public *blst.P1Affine  // public is the public key
}

// FromSeed derives a key pair from a seed of at least 32 bytes.
// The seed is hashed with a fixed label so the same file can serve other purposes.
func FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) < seedSize {
		return nil, fmt.Errorf("seed must be at least %d bytes", seedSize)
	}

	h := blake3.New()
	h.Write([]byte("bitvault-bls-keygen"))
	h.Write(seed)

	var ikm [32]byte
	h.Sum(ikm[:0])

	secret := blst.KeyGen(ikm[:])
	if secret == nil {
		return nil, fmt.Errorf("derive BLS secret key")
	}

	return &KeyPair{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// Generate creates a key pair from a random seed.
func Generate() (*KeyPair, error) {
	var seed [seedSize]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return FromSeed(seed[:])
}

// LoadOrCreate reads the seed file at path, creating it when missing, and
// derives the reply signing key. An empty path yields nil: replies go unsigned.
func LoadOrCreate(path string) (*KeyPair, error) {
	if path == "" {
		return nil, nil
	}

	seed, err := loadOrCreateSeed(path)
	if err != nil {
		return nil, err
	}

	kp, err := FromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadKeyFile, path, err)
	}

	return kp, nil
}

// Sign signs message; the result is SignatureSize bytes.
func (k *KeyPair) Sign(message []byte) []byte {
	sig := new(blst.P2Affine).Sign(k.secret, message, blsDST)
	return sig.Compress()
}

// PublicKeyBytes returns the key pillars list in the client configuration.
func (k *KeyPair) PublicKeyBytes() []byte {
	return k.public.Compress()
}

// Verify reports whether signature is publicKey's signature of message.
// Malformed inputs verify false.
func Verify(signature, message, publicKey []byte) bool {
	if len(signature) != SignatureSize || len(publicKey) != PublicKeySize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, message, blsDST)
}
