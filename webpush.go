// Package webpush sends encrypted, VAPID authenticated Web Push messages
// and fans notifications out to every subscription a user owns.
package webpush

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wafflemaker/webpush/vapid"
)

const (
	// DefaultTTL is how long, in seconds, a push service keeps an
	// undelivered message.
	DefaultTTL = 86400

	// DefaultTimeout bounds a single request to a push service.
	DefaultTimeout = 10 * time.Second

	maxErrorBody = 4 << 10
)

// Subscription represents a Web Push subscription from a client.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

// Keys contains the client's encryption keys.
type Keys struct {
	P256dh string `json:"p256dh"` // Client's ECDH public key
	Auth   string `json:"auth"`   // Client's authentication secret
}

// Urgency hints how soon the user agent should be woken.
//
// https://www.rfc-editor.org/rfc/rfc8030.html#section-5.3
type Urgency string

const (
	UrgencyVeryLow Urgency = "very-low"
	UrgencyLow     Urgency = "low"
	UrgencyNormal  Urgency = "normal"
	UrgencyHigh    Urgency = "high"
)

// Valid reports whether u is one of the four RFC 8030 levels.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyVeryLow, UrgencyLow, UrgencyNormal, UrgencyHigh:
		return true
	}
	return false
}

// Options configures the web push notification.
type Options struct {
	TTL     int     // Time-to-live in seconds (default 86400)
	Urgency Urgency // default normal
	Topic   string  // Topic for message replacement
}

// PushError is returned by Send when the push service answers with a
// non-2xx status.
type PushError struct {
	StatusCode int
	Body       string
}

func (e *PushError) Error() string {
	return fmt.Sprintf("push service returned %d: %s", e.StatusCode, e.Body)
}

// Gone reports whether the subscription no longer exists at the push
// service and should be deleted.
func (e *PushError) Gone() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

// Client sends web push notifications.
type Client struct {
	auth       *vapid.Authenticator
	httpClient *http.Client
	crypto     CryptoProvider
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithCrypto replaces the CryptoProvider used for payload encryption.
func WithCrypto(p CryptoProvider) ClientOption {
	return func(c *Client) { c.crypto = p }
}

// NewClient creates a new web push client.
func NewClient(auth *vapid.Authenticator, opts ...ClientOption) *Client {
	c := &Client{
		auth:       auth,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		crypto:     DefaultCrypto,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PublicKey returns the application server key subscribers must have
// registered against.
func (c *Client) PublicKey() string { return c.auth.PublicKey() }

// Send sends a web push notification to the given subscription.
func (c *Client) Send(ctx context.Context, sub *Subscription, payload []byte, opts *Options) error {
	o := Options{TTL: DefaultTTL, Urgency: UrgencyNormal}
	if opts != nil {
		if opts.TTL > 0 {
			o.TTL = opts.TTL
		}
		if opts.Urgency != "" {
			o.Urgency = opts.Urgency
		}
		o.Topic = opts.Topic
	}
	if !o.Urgency.Valid() {
		return fmt.Errorf("invalid urgency %q", o.Urgency)
	}

	encrypted, err := Encrypt(c.crypto, sub.Keys, payload)
	if err != nil {
		return fmt.Errorf("encrypting payload: %w", err)
	}

	vapidHeader, err := c.auth.Header(ctx, sub.Endpoint)
	if err != nil {
		return fmt.Errorf("creating VAPID header: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(encrypted.Body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", vapidHeader)
	req.Header.Set("Content-Encoding", "aes128gcm")
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("TTL", strconv.Itoa(o.TTL))
	req.Header.Set("Urgency", string(o.Urgency))
	if o.Topic != "" {
		req.Header.Set("Topic", o.Topic)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &PushError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Notification is the JSON document delivered to the service worker.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
}

// ParseSubscription parses a subscription from JSON.
func ParseSubscription(data []byte) (*Subscription, error) {
	var sub Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("unmarshaling subscription: %w", err)
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Validate checks that the subscription carries an HTTPS endpoint and both keys.
func (s *Subscription) Validate() error {
	if s.Endpoint == "" {
		return errors.New("subscription endpoint is required")
	}
	if s.Keys.P256dh == "" {
		return errors.New("subscription p256dh key is required")
	}
	if s.Keys.Auth == "" {
		return errors.New("subscription auth key is required")
	}
	if !strings.HasPrefix(s.Endpoint, "https://") {
		return errors.New("subscription endpoint must use HTTPS")
	}
	return nil
}
