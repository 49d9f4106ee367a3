package webpush

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// CryptoProvider supplies the primitives used to encrypt and sign push
// messages. Implementations must be safe for concurrent use.
type CryptoProvider interface {
	// GenerateECKeyPair returns a fresh P-256 key pair for ECDH.
	GenerateECKeyPair() (*ecdh.PrivateKey, error)
	// DeriveBits performs ECDH between priv and the uncompressed point peer.
	DeriveBits(priv *ecdh.PrivateKey, peer []byte) ([]byte, error)
	// HKDF derives length bytes with HKDF-SHA-256.
	HKDF(secret, salt, info []byte, length int) ([]byte, error)
	// AESGCMEncrypt seals plaintext with AES-GCM and no additional data.
	// The returned slice is the ciphertext followed by the tag.
	AESGCMEncrypt(key, nonce, plaintext []byte) ([]byte, error)
	// ECDSASign signs digest and returns the 64-byte r||s encoding.
	ECDSASign(key *ecdsa.PrivateKey, digest []byte) ([]byte, error)
	// RandomBytes returns n bytes from a cryptographically secure source.
	RandomBytes(n int) ([]byte, error)
}

// DefaultCrypto is the CryptoProvider backed by the Go standard library.
var DefaultCrypto CryptoProvider = stdCrypto{}

type stdCrypto struct{}

func (stdCrypto) GenerateECKeyPair() (*ecdh.PrivateKey, error) {
	return ecdh.P256().GenerateKey(rand.Reader)
}

func (stdCrypto) DeriveBits(priv *ecdh.PrivateKey, peer []byte) ([]byte, error) {
	pub, err := ecdh.P256().NewPublicKey(peer)
	if err != nil {
		return nil, fmt.Errorf("parsing peer public key: %w", err)
	}
	return priv.ECDH(pub)
}

func (stdCrypto) HKDF(secret, salt, info []byte, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

func (stdCrypto) AESGCMEncrypt(key, nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("nonce length %d, want %d", len(nonce), gcm.NonceSize())
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

// ECDSASign never returns ASN.1 DER. Each half of the signature is left
// padded to the curve size so the result is always 64 bytes for P-256.
func (stdCrypto) ECDSASign(key *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	r, s, err := ecdsa.Sign(rand.Reader, key, digest)
	if err != nil {
		return nil, err
	}
	size := (key.Curve.Params().BitSize + 7) / 8
	sig := make([]byte, 2*size)
	r.FillBytes(sig[:size])
	s.FillBytes(sig[size:])
	return sig, nil
}

func (stdCrypto) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
