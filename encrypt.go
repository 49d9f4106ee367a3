package webpush

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/wafflemaker/webpush/codec"
)

const (
	// RecordSize is the aes128gcm record size advertised in every header.
	// Push services are not required to accept larger records.
	RecordSize = 4096

	// HeaderLen is salt(16) + rs(4) + idlen(1) + keyid(65).
	HeaderLen = 86

	// header, one delimiter byte and the 16 byte GCM tag.
	minOverhead = HeaderLen + 1 + 16

	// MaxPayloadSize is the largest plaintext that fits a single record.
	MaxPayloadSize = RecordSize - minOverhead

	saltLen      = 16
	authLen      = 16
	publicKeyLen = 65
)

var (
	// ErrInvalidKeys is returned when a subscription's p256dh or auth value
	// cannot be used for encryption.
	ErrInvalidKeys = errors.New("webpush: invalid subscription keys")

	// ErrPayloadTooLarge is returned when a payload does not fit one record.
	ErrPayloadTooLarge = errors.New("webpush: payload too large")
)

var (
	webPushInfo = []byte("WebPush: info\x00")
	cekInfo     = []byte("Content-Encoding: aes128gcm\x00")
	nonceInfo   = []byte("Content-Encoding: nonce\x00")
)

// Encrypted is the result of encrypting one message.
type Encrypted struct {
	// Body is the aes128gcm header followed by ciphertext and tag.
	Body []byte
	// Salt is the random salt written at the start of the header.
	Salt []byte
	// LocalPublicKey is the ephemeral key written into the header.
	LocalPublicKey []byte
}

// DecodeKeys returns the raw subscriber public key and auth secret.
func DecodeKeys(keys Keys) (p256dh, auth []byte, err error) {
	p256dh, err = codec.DecodeBase64URL(keys.P256dh)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: p256dh: %w", ErrInvalidKeys, err)
	}
	if len(p256dh) != publicKeyLen || p256dh[0] != 0x04 {
		return nil, nil, fmt.Errorf("%w: p256dh must be a %d byte uncompressed point", ErrInvalidKeys, publicKeyLen)
	}
	auth, err = codec.DecodeBase64URL(keys.Auth)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: auth: %w", ErrInvalidKeys, err)
	}
	if len(auth) != authLen {
		return nil, nil, fmt.Errorf("%w: auth secret is %d bytes, want %d", ErrInvalidKeys, len(auth), authLen)
	}
	return p256dh, auth, nil
}

// Encrypt encrypts plaintext for the subscriber identified by keys using
// RFC 8291 message encryption and the RFC 8188 aes128gcm content coding.
// A new ephemeral key pair and salt are drawn from p on every call.
func Encrypt(p CryptoProvider, keys Keys, plaintext []byte) (*Encrypted, error) {
	if len(plaintext) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(plaintext), MaxPayloadSize)
	}
	uaPublic, authSecret, err := DecodeKeys(keys)
	if err != nil {
		return nil, err
	}

	local, err := p.GenerateECKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	asPublic := local.PublicKey().Bytes()

	sharedSecret, err := p.DeriveBits(local, uaPublic)
	if err != nil {
		return nil, fmt.Errorf("computing shared secret: %w", err)
	}

	salt, err := p.RandomBytes(saltLen)
	if err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	prk, err := p.HKDF(sharedSecret, authSecret, codec.Concat(webPushInfo, uaPublic, asPublic), 32)
	if err != nil {
		return nil, fmt.Errorf("deriving PRK: %w", err)
	}
	cek, err := p.HKDF(prk, salt, cekInfo, 16)
	if err != nil {
		return nil, fmt.Errorf("deriving CEK: %w", err)
	}
	nonce, err := p.HKDF(prk, salt, nonceInfo, 12)
	if err != nil {
		return nil, fmt.Errorf("deriving nonce: %w", err)
	}

	// 0x02 marks the final record; no further padding is added.
	ciphertext, err := p.AESGCMEncrypt(cek, nonce, codec.Concat(plaintext, []byte{0x02}))
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}

	header := make([]byte, 0, HeaderLen)
	header = append(header, salt...)
	header = binary.BigEndian.AppendUint32(header, RecordSize)
	header = append(header, byte(len(asPublic)))
	header = append(header, asPublic...)

	return &Encrypted{
		Body:           codec.Concat(header, ciphertext),
		Salt:           salt,
		LocalPublicKey: asPublic,
	}, nil
}
