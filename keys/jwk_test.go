package keys

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"strings"
	"testing"

	"github.com/wafflemaker/webpush/codec"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	privKey, err := codec.DecodeBase64URL(kp.PrivateKey)
	if err != nil {
		t.Fatalf("decoding private key error = %v", err)
	}
	if len(privKey) != 32 {
		t.Errorf("Private key length = %d, want 32", len(privKey))
	}

	pubKey, err := codec.DecodeBase64URL(kp.PublicKey)
	if err != nil {
		t.Fatalf("decoding public key error = %v", err)
	}
	if len(pubKey) != 65 || pubKey[0] != 0x04 {
		t.Errorf("Public key = %d bytes starting %#x, want 65 starting 0x04", len(pubKey), pubKey[0])
	}
	if strings.ContainsAny(kp.PublicKey, "=+/") {
		t.Errorf("PublicKey %q is not unpadded base64url", kp.PublicKey)
	}

	var jwk map[string]any
	if err := json.Unmarshal([]byte(kp.PrivateJWK), &jwk); err != nil {
		t.Fatalf("PrivateJWK is not JSON: %v", err)
	}
	if jwk["kty"] != "EC" || jwk["crv"] != "P-256" {
		t.Errorf("JWK kty/crv = %q/%q, want EC/P-256", jwk["kty"], jwk["crv"])
	}
	for _, field := range []string{"x", "y", "d"} {
		if v, _ := jwk[field].(string); v == "" {
			t.Errorf("JWK missing %q", field)
		}
	}
	// x and y in the JWK are the coordinates of the raw public point.
	x, _ := codec.DecodeBase64URL(jwk["x"].(string))
	y, _ := codec.DecodeBase64URL(jwk["y"].(string))
	if string(codec.Concat([]byte{0x04}, x, y)) != string(pubKey) {
		t.Error("JWK coordinates do not match the public key")
	}

	// Both private encodings load to the same identity.
	fromJWK, err := NewSignerFromJWK([]byte(kp.PrivateJWK))
	if err != nil {
		t.Fatalf("NewSignerFromJWK() error = %v", err)
	}
	fromRaw, err := NewSignerFromBase64(kp.PrivateKey)
	if err != nil {
		t.Fatalf("NewSignerFromBase64() error = %v", err)
	}
	if fromJWK.PublicKeyBase64() != kp.PublicKey || fromRaw.PublicKeyBase64() != kp.PublicKey {
		t.Error("loaded signers do not match the generated public key")
	}
}

func TestNewSignerFromJWK_WebCryptoExport(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(kp.PrivateJWK), &fields); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	// Browsers and Node add these when exporting.
	fields["ext"] = true
	fields["key_ops"] = []string{"sign"}
	exported, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	signer, err := NewSignerFromJWK(exported)
	if err != nil {
		t.Fatalf("NewSignerFromJWK() error = %v", err)
	}
	digest := sha256.Sum256([]byte("payload"))
	sig, err := signer.Sign(context.Background(), digest[:])
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if len(sig) != 64 {
		t.Errorf("Sign() signature length = %d, want 64", len(sig))
	}
}

func TestNewSignerFromJWK_Invalid(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(kp.PrivateJWK), &fields); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	delete(fields, "d")
	public, _ := json.Marshal(fields)

	for name, input := range map[string]string{
		"not json":   "{nope",
		"public jwk": string(public),
		"oct key":    `{"kty":"oct","k":"c2VjcmV0"}`,
	} {
		if _, err := NewSignerFromJWK([]byte(input)); err == nil {
			t.Errorf("NewSignerFromJWK(%s) expected error", name)
		}
	}
}
