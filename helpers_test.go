package webpush

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"net/http"
	"sync"
	"testing"

	"golang.org/x/crypto/hkdf"

	"github.com/wafflemaker/webpush/codec"
	"github.com/wafflemaker/webpush/vapid"
)

// testSigner signs with a freshly generated P-256 key.
type testSigner struct {
	key *ecdsa.PrivateKey
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return &testSigner{key: key}
}

func (s *testSigner) Sign(_ context.Context, digest []byte) ([]byte, error) {
	return DefaultCrypto.ECDSASign(s.key, digest)
}

func (s *testSigner) PublicKey() []byte {
	b, _ := s.key.PublicKey.Bytes()
	return b
}

func newTestAuthenticator(t *testing.T) *vapid.Authenticator {
	t.Helper()
	auth, err := vapid.NewAuthenticator(newTestSigner(t), "mailto:feedback@example.com")
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}
	return auth
}

// testSubscriber plays the browser: it owns the private half of p256dh
// and can decrypt what Encrypt produces.
type testSubscriber struct {
	priv *ecdh.PrivateKey
	auth []byte
}

func newTestSubscriber(t *testing.T) *testSubscriber {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}
	return &testSubscriber{priv: priv, auth: auth}
}

func (s *testSubscriber) keys() Keys {
	return Keys{
		P256dh: codec.EncodeBase64URL(s.priv.PublicKey().Bytes()),
		Auth:   codec.EncodeBase64URL(s.auth),
	}
}

func (s *testSubscriber) subscription(endpoint string) *Subscription {
	return &Subscription{Endpoint: endpoint, Keys: s.keys()}
}

func hkdfBytes(t *testing.T, secret, salt, info []byte, n int) []byte {
	t.Helper()
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		t.Fatalf("hkdf error = %v", err)
	}
	return out
}

// decrypt is the receiving side of RFC 8291, written independently of
// Encrypt. It returns the plaintext with the padding delimiter removed.
func (s *testSubscriber) decrypt(t *testing.T, body []byte) []byte {
	t.Helper()
	if len(body) < HeaderLen+16+1 {
		t.Fatalf("body is %d bytes, too short", len(body))
	}
	salt := body[:16]
	rs := binary.BigEndian.Uint32(body[16:20])
	if rs != RecordSize {
		t.Errorf("record size = %d, want %d", rs, RecordSize)
	}
	idlen := int(body[20])
	asPublicRaw := body[21 : 21+idlen]
	ciphertext := body[21+idlen:]

	asPublic, err := ecdh.P256().NewPublicKey(asPublicRaw)
	if err != nil {
		t.Fatalf("header key id is not a P-256 point: %v", err)
	}
	shared, err := s.priv.ECDH(asPublic)
	if err != nil {
		t.Fatalf("ECDH error = %v", err)
	}

	info := append([]byte("WebPush: info\x00"), s.priv.PublicKey().Bytes()...)
	info = append(info, asPublicRaw...)
	ikm := hkdfBytes(t, shared, s.auth, info, 32)
	cek := hkdfBytes(t, ikm, salt, []byte("Content-Encoding: aes128gcm\x00"), 16)
	nonce := hkdfBytes(t, ikm, salt, []byte("Content-Encoding: nonce\x00"), 12)

	block, err := aes.NewCipher(cek)
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatalf("NewGCM() error = %v", err)
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		t.Fatalf("gcm.Open() error = %v", err)
	}

	// Strip zero padding, then the final-record delimiter.
	i := len(plain) - 1
	for i >= 0 && plain[i] == 0 {
		i--
	}
	if i < 0 || plain[i] != 0x02 {
		t.Fatalf("plaintext does not end with the 0x02 delimiter: % x", plain)
	}
	return plain[:i]
}

// transportFunc lets a test answer requests without a network.
type transportFunc func(*http.Request) (*http.Response, error)

func (f transportFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// recordingStore is an in-memory SubscriptionStore that counts deletions.
type recordingStore struct {
	mu      sync.Mutex
	subs    map[string][]*Subscription
	deletes map[string]int
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		subs:    map[string][]*Subscription{},
		deletes: map[string]int{},
	}
}

func (s *recordingStore) add(userID string, sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[userID] = append(s.subs[userID], sub)
}

func (s *recordingStore) ListByUser(_ context.Context, userID string) ([]*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Subscription(nil), s.subs[userID]...), nil
}

func (s *recordingStore) DeleteByEndpoint(_ context.Context, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes[endpoint]++
	for user, subs := range s.subs {
		kept := subs[:0]
		for _, sub := range subs {
			if sub.Endpoint != endpoint {
				kept = append(kept, sub)
			}
		}
		s.subs[user] = kept
	}
	return nil
}

func (s *recordingStore) deleteCount(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes[endpoint]
}
