// Package codec converts between base64url text and raw bytes.
//
// Push subscriptions, VAPID keys and JWT segments all travel as base64url.
// Browsers emit the unpadded URL-safe alphabet, but stored keys are often
// re-encoded by other tooling, so decoding is deliberately lenient about
// padding and alphabet.
package codec

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// DecodeError is returned when input is not valid base64 in either alphabet.
type DecodeError struct {
	Len int   // length of the rejected input
	Err error // underlying base64 error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: malformed base64url input (%d chars): %v", e.Len, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeBase64URL decodes s, accepting padded and unpadded input in either
// the URL-safe or the standard alphabet.
func DecodeBase64URL(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	std := strings.NewReplacer("-", "+", "_", "/").Replace(s)
	if pad := len(std) % 4; pad != 0 {
		std += strings.Repeat("=", 4-pad)
	}
	b, err := base64.StdEncoding.DecodeString(std)
	if err != nil {
		return nil, &DecodeError{Len: len(s), Err: err}
	}
	return b, nil
}

// EncodeBase64URL encodes b with the URL-safe alphabet and no padding.
func EncodeBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Concat joins parts into a newly allocated slice, preserving order.
func Concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
