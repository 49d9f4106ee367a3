package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"

	"github.com/wafflemaker/webpush/vapid"
)

// kmsClient is the subset of the KMS API the signer calls.
type kmsClient interface {
	GetPublicKey(context.Context, *kmspb.GetPublicKeyRequest, ...gax.CallOption) (*kmspb.PublicKey, error)
	AsymmetricSign(context.Context, *kmspb.AsymmetricSignRequest, ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error)
	Close() error
}

// KMSSigner signs VAPID tokens with an EC_SIGN_P256_SHA256 key held in
// Google Cloud KMS.
type KMSSigner struct {
	client    kmsClient
	keyName   string
	publicKey []byte // uncompressed format
}

var _ vapid.Signer = (*KMSSigner)(nil)

// NewKMSSigner creates a new KMS-backed signer.
// keyName should be in the format:
// projects/{project}/locations/{location}/keyRings/{keyRing}/cryptoKeys/{key}/cryptoKeyVersions/{version}
func NewKMSSigner(ctx context.Context, keyName string) (*KMSSigner, error) {
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}
	s, err := newKMSSigner(ctx, client, keyName)
	if err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func newKMSSigner(ctx context.Context, client kmsClient, keyName string) (*KMSSigner, error) {
	resp, err := client.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{
		Name: keyName,
	})
	if err != nil {
		return nil, fmt.Errorf("getting public key: %w", err)
	}

	block, _ := pem.Decode([]byte(resp.Pem))
	if block == nil {
		return nil, fmt.Errorf("failed to parse public key PEM")
	}

	pubKeyInterface, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}

	ecdsaPubKey, ok := pubKeyInterface.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is not ECDSA")
	}
	if ecdsaPubKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("key must be P-256 curve")
	}

	pubKey, err := ecdsaPubKey.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}

	return &KMSSigner{
		client:    client,
		keyName:   keyName,
		publicKey: pubKey,
	}, nil
}

// Sign signs a SHA-256 digest using KMS and returns the signature in r||s format.
func (s *KMSSigner) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	resp, err := s.client.AsymmetricSign(ctx, &kmspb.AsymmetricSignRequest{
		Name: s.keyName,
		Digest: &kmspb.Digest{
			Digest: &kmspb.Digest_Sha256{
				Sha256: digest,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("signing with KMS: %w", err)
	}

	// KMS always answers in DER.
	return vapid.RawSignature(resp.Signature)
}

// PublicKey returns the ECDSA public key in uncompressed format.
func (s *KMSSigner) PublicKey() []byte {
	return s.publicKey
}

// Close closes the underlying KMS client.
func (s *KMSSigner) Close() error {
	return s.client.Close()
}
