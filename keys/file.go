// Package keys loads and generates VAPID signing keys.
package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/wafflemaker/webpush"
	"github.com/wafflemaker/webpush/codec"
	"github.com/wafflemaker/webpush/vapid"
)

// ErrKeyMismatch is returned when a configured public key does not belong
// to the configured private key.
var ErrKeyMismatch = errors.New("keys: public key does not match private key")

// LocalSigner signs with a P-256 private key held in process memory.
type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	publicKey  []byte // uncompressed format
	crypto     webpush.CryptoProvider
}

var _ vapid.Signer = (*LocalSigner)(nil)

// NewLocalSigner wraps an existing P-256 private key.
func NewLocalSigner(key *ecdsa.PrivateKey) (*LocalSigner, error) {
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("key must be P-256 curve")
	}
	pub, err := key.PublicKey.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	return &LocalSigner{
		privateKey: key,
		publicKey:  pub,
		crypto:     webpush.DefaultCrypto,
	}, nil
}

// WithCrypto sets the provider used for signing.
func (s *LocalSigner) WithCrypto(p webpush.CryptoProvider) *LocalSigner {
	s.crypto = p
	return s
}

// NewFileSigner loads VAPID keys from a PEM file holding a SEC 1 or
// PKCS #8 private key.
func NewFileSigner(privateKeyPath string) (*LocalSigner, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	var privKey *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		privKey, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		var k any
		k, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err == nil {
			var ok bool
			if privKey, ok = k.(*ecdsa.PrivateKey); !ok {
				err = fmt.Errorf("PKCS #8 key is %T, not ECDSA", k)
			}
		}
	default:
		err = fmt.Errorf("unsupported PEM block %q", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing EC private key: %w", err)
	}
	return NewLocalSigner(privKey)
}

// NewSignerFromBase64 creates a signer from the base64url encoded 32 byte
// private scalar.
func NewSignerFromBase64(privateKeyB64 string) (*LocalSigner, error) {
	raw, err := codec.DecodeBase64URL(privateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}
	privKey, err := ecdsa.ParseRawPrivateKey(elliptic.P256(), raw)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return NewLocalSigner(privKey)
}

// ParsePrivateKey accepts either a private JWK or a raw base64url scalar.
func ParsePrivateKey(s string) (*LocalSigner, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		return NewSignerFromJWK([]byte(s))
	}
	return NewSignerFromBase64(s)
}

// Sign signs a digest and returns the signature in r||s format.
func (s *LocalSigner) Sign(_ context.Context, digest []byte) ([]byte, error) {
	sig, err := s.crypto.ECDSASign(s.privateKey, digest)
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	return sig, nil
}

// PublicKey returns the ECDSA public key in uncompressed format.
func (s *LocalSigner) PublicKey() []byte {
	return s.publicKey
}

// PublicKeyBase64 returns the public key as a base64 URL-encoded string.
func (s *LocalSigner) PublicKeyBase64() string {
	return codec.EncodeBase64URL(s.publicKey)
}

// PrivateKey returns the underlying key.
func (s *LocalSigner) PrivateKey() *ecdsa.PrivateKey {
	return s.privateKey
}

// GenerateKey generates a new ECDSA P-256 key pair and saves it to a PEM file.
func GenerateKey(path string) (*LocalSigner, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	privKeyBytes, err := x509.MarshalECPrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}

	block := &pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privKeyBytes,
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}
	return NewLocalSigner(privKey)
}

// MatchPublicKey verifies that publicKeyB64 is the public half of the
// key signer signs with. Browsers reject tokens whose k= differs from the
// key the subscription was created against.
func MatchPublicKey(signer vapid.Signer, publicKeyB64 string) error {
	want, err := vapid.DecodeApplicationServerKey(publicKeyB64)
	if err != nil {
		return fmt.Errorf("decoding public key: %w", err)
	}
	if string(want) != string(signer.PublicKey()) {
		return ErrKeyMismatch
	}
	return nil
}
