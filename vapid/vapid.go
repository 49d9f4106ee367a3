// Package vapid provides VAPID (Voluntary Application Server Identification)
// utilities for Web Push.
package vapid

import (
	"context"
	"crypto/sha256"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wafflemaker/webpush/codec"
)

const (
	// DefaultExpiration is how long issued tokens stay valid.
	DefaultExpiration = 12 * time.Hour
	// MaxExpiration is the longest lifetime push services accept.
	MaxExpiration = 24 * time.Hour

	signatureLen = 64
)

var (
	// ErrInvalidEndpoint is returned when an endpoint has no scheme or host.
	ErrInvalidEndpoint = errors.New("vapid: invalid endpoint")
	// ErrInvalidSubject is returned when the subject is not a mailto: or https: URI.
	ErrInvalidSubject = errors.New("vapid: invalid subject")
)

// Signer provides VAPID signing functionality.
type Signer interface {
	// Sign signs a SHA-256 digest and returns the signature, either as the
	// raw 64 byte r||s encoding or as ASN.1 DER.
	Sign(ctx context.Context, digest []byte) ([]byte, error)
	// PublicKey returns the ECDSA public key in uncompressed format.
	PublicKey() []byte
}

// ApplicationServerKey returns the VAPID public key formatted for use with
// the JavaScript PushManager.subscribe() method.
func ApplicationServerKey(publicKey []byte) string {
	return codec.EncodeBase64URL(publicKey)
}

// DecodeApplicationServerKey decodes a base64 URL-encoded application server key.
func DecodeApplicationServerKey(key string) ([]byte, error) {
	return codec.DecodeBase64URL(key)
}

// Audience returns the origin of a push endpoint: scheme://host[:port].
// An explicit port is kept as written and a default port is never added.
func Audience(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidEndpoint, endpoint)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Authenticator builds VAPID Authorization headers for one application
// server identity.
type Authenticator struct {
	signer     Signer
	subject    string
	expiration time.Duration
	now        func() time.Time
	publicKey  string
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithExpiration sets the token lifetime. It must not exceed MaxExpiration.
func WithExpiration(d time.Duration) Option {
	return func(a *Authenticator) { a.expiration = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// NewAuthenticator returns an Authenticator signing with signer and
// identifying the sender with subject.
func NewAuthenticator(signer Signer, subject string, opts ...Option) (*Authenticator, error) {
	// Google and Mozilla tolerate an empty subject, Apple does not.
	if !strings.HasPrefix(subject, "mailto:") && !strings.HasPrefix(subject, "https:") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSubject, subject)
	}
	a := &Authenticator{
		signer:     signer,
		subject:    subject,
		expiration: DefaultExpiration,
		now:        time.Now,
		publicKey:  codec.EncodeBase64URL(signer.PublicKey()),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.expiration <= 0 || a.expiration > MaxExpiration {
		return nil, fmt.Errorf("vapid: expiration %v must be in (0, %v]", a.expiration, MaxExpiration)
	}
	return a, nil
}

// Subject returns the configured contact URI.
func (a *Authenticator) Subject() string { return a.subject }

// PublicKey returns the base64url application server key sent as k=.
func (a *Authenticator) PublicKey() string { return a.publicKey }

// Token returns a signed ES256 JWT scoped to the origin of endpoint.
func (a *Authenticator) Token(ctx context.Context, endpoint string) (string, error) {
	aud, err := Audience(endpoint)
	if err != nil {
		return "", err
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"aud": aud,
		"exp": a.now().Add(a.expiration).Unix(),
		"sub": a.subject,
	})
	signingInput, err := token.SigningString()
	if err != nil {
		return "", fmt.Errorf("encoding JWT: %w", err)
	}

	digest := sha256.Sum256([]byte(signingInput))
	sig, err := a.signer.Sign(ctx, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing JWT: %w", err)
	}
	sig, err = RawSignature(sig)
	if err != nil {
		return "", fmt.Errorf("signing JWT: %w", err)
	}
	return signingInput + "." + codec.EncodeBase64URL(sig), nil
}

// Header returns the Authorization header value for a request to endpoint.
func (a *Authenticator) Header(ctx context.Context, endpoint string) (string, error) {
	t, err := a.Token(ctx, endpoint)
	if err != nil {
		return "", err
	}
	return "vapid t=" + t + ", k=" + a.publicKey, nil
}

// RawSignature returns sig in the 64 byte r||s form JWS requires. ASN.1
// DER input is converted and raw input is returned unchanged.
func RawSignature(sig []byte) ([]byte, error) {
	if len(sig) > 0 && sig[0] == 0x30 {
		if raw, err := derToRaw(sig); err == nil {
			return raw, nil
		}
	}
	if len(sig) != signatureLen {
		return nil, fmt.Errorf("vapid: signature is %d bytes, want %d or DER", len(sig), signatureLen)
	}
	return sig, nil
}

func derToRaw(sig []byte) ([]byte, error) {
	var der struct {
		R, S *big.Int
	}
	rest, err := asn1.Unmarshal(sig, &der)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errors.New("trailing data after DER signature")
	}
	if der.R.Sign() <= 0 || der.S.Sign() <= 0 || der.R.BitLen() > 256 || der.S.BitLen() > 256 {
		return nil, errors.New("DER signature values out of range")
	}
	out := make([]byte, signatureLen)
	der.R.FillBytes(out[:32])
	der.S.FillBytes(out[32:])
	return out, nil
}
