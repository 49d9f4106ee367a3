package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/wafflemaker/webpush/codec"
)

// KeyPair is a freshly generated VAPID identity in the formats the
// service reads from its environment.
type KeyPair struct {
	// PublicKey is the base64url uncompressed point 0x04||X||Y.
	PublicKey string
	// PrivateJWK is the private key as a JSON Web Key.
	PrivateJWK string
	// PrivateKey is the base64url 32 byte private scalar.
	PrivateKey string
}

// GenerateKeyPair creates a new P-256 VAPID key pair.
func GenerateKeyPair() (*KeyPair, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	pub, err := privKey.PublicKey.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	scalar, err := privKey.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding private key: %w", err)
	}
	jwk, err := MarshalJWK(privKey)
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		PublicKey:  codec.EncodeBase64URL(pub),
		PrivateJWK: string(jwk),
		PrivateKey: codec.EncodeBase64URL(scalar),
	}, nil
}

// MarshalJWK encodes a private key as a JWK with kty, crv, x, y and d.
func MarshalJWK(key *ecdsa.PrivateKey) ([]byte, error) {
	b, err := json.Marshal(jose.JSONWebKey{Key: key})
	if err != nil {
		return nil, fmt.Errorf("marshaling JWK: %w", err)
	}
	return b, nil
}

// NewSignerFromJWK creates a signer from an EC P-256 private JWK, as
// exported by WebCrypto's exportKey("jwk", ...).
func NewSignerFromJWK(data []byte) (*LocalSigner, error) {
	var jwk jose.JSONWebKey
	if err := json.Unmarshal(data, &jwk); err != nil {
		return nil, fmt.Errorf("parsing JWK: %w", err)
	}
	privKey, ok := jwk.Key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("JWK holds %T, want an EC private key", jwk.Key)
	}
	return NewLocalSigner(privKey)
}
