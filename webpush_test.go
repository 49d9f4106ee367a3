package webpush

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseSubscription(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		wantErr bool
	}{
		{
			name: "valid subscription",
			json: `{
				"endpoint": "https://push.example.com/abc123",
				"keys": {
					"p256dh": "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM",
					"auth": "tBHItJI5svbpez7KI4CCXg"
				}
			}`,
			wantErr: false,
		},
		{
			name:    "empty JSON",
			json:    `{}`,
			wantErr: true,
		},
		{
			name: "missing endpoint",
			json: `{
				"keys": {
					"p256dh": "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM",
					"auth": "tBHItJI5svbpez7KI4CCXg"
				}
			}`,
			wantErr: true,
		},
		{
			name: "missing p256dh",
			json: `{
				"endpoint": "https://push.example.com/abc123",
				"keys": {
					"auth": "tBHItJI5svbpez7KI4CCXg"
				}
			}`,
			wantErr: true,
		},
		{
			name: "missing auth",
			json: `{
				"endpoint": "https://push.example.com/abc123",
				"keys": {
					"p256dh": "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM"
				}
			}`,
			wantErr: true,
		},
		{
			name: "non-https endpoint",
			json: `{
				"endpoint": "http://push.example.com/abc123",
				"keys": {
					"p256dh": "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM",
					"auth": "tBHItJI5svbpez7KI4CCXg"
				}
			}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSubscription([]byte(tt.json))
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSubscription() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

type capturedRequest struct {
	header http.Header
	body   []byte
	path   string
}

func newPushServer(t *testing.T, status int) (*httptest.Server, <-chan capturedRequest) {
	t.Helper()
	requests := make(chan capturedRequest, 16)
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- capturedRequest{header: r.Header.Clone(), body: body, path: r.URL.Path}
		w.WriteHeader(status)
		if status >= 300 {
			w.Write([]byte("subscription has expired\n"))
		}
	}))
	t.Cleanup(server.Close)
	return server, requests
}

func TestClient_Send(t *testing.T) {
	server, requests := newPushServer(t, http.StatusCreated)
	subscriber := newTestSubscriber(t)
	sub := subscriber.subscription(server.URL + "/push/abc123")

	client := NewClient(newTestAuthenticator(t), WithHTTPClient(server.Client()))

	payload := []byte(`{"title":"New Waffle!","body":"Alice sent you a waffle"}`)
	if err := client.Send(context.Background(), sub, payload, nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case req := <-requests:
		want := map[string]string{
			"Content-Encoding": "aes128gcm",
			"Content-Type":     "application/octet-stream",
			"TTL":              "86400",
			"Urgency":          "normal",
		}
		for k, v := range want {
			if got := req.header.Get(k); got != v {
				t.Errorf("%s = %q, want %q", k, got, v)
			}
		}
		if req.header.Get("Topic") != "" {
			t.Errorf("Topic = %q, want unset", req.header.Get("Topic"))
		}
		authz := req.header.Get("Authorization")
		if !strings.HasPrefix(authz, "vapid t=") || !strings.Contains(authz, ", k="+client.PublicKey()) {
			t.Errorf("Authorization = %q, want vapid t=..., k=%s", authz, client.PublicKey())
		}
		if req.path != "/push/abc123" {
			t.Errorf("path = %q, want /push/abc123", req.path)
		}
		if got := subscriber.decrypt(t, req.body); !bytes.Equal(got, payload) {
			t.Errorf("decrypted body = %q, want %q", got, payload)
		}
	default:
		t.Error("No request received")
	}
}

func TestClient_SendWithOptions(t *testing.T) {
	server, requests := newPushServer(t, http.StatusCreated)
	sub := newTestSubscriber(t).subscription(server.URL + "/push/abc123")
	client := NewClient(newTestAuthenticator(t), WithHTTPClient(server.Client()))

	err := client.Send(context.Background(), sub, []byte("test"), &Options{
		TTL:     3600,
		Urgency: UrgencyHigh,
		Topic:   "test-topic",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	req := <-requests
	if req.header.Get("Urgency") != "high" {
		t.Errorf("Urgency = %q, want %q", req.header.Get("Urgency"), "high")
	}
	if req.header.Get("Topic") != "test-topic" {
		t.Errorf("Topic = %q, want %q", req.header.Get("Topic"), "test-topic")
	}
	if req.header.Get("TTL") != "3600" {
		t.Errorf("TTL = %q, want %q", req.header.Get("TTL"), "3600")
	}
}

func TestClient_SendInvalidUrgency(t *testing.T) {
	client := NewClient(newTestAuthenticator(t), WithHTTPClient(&http.Client{
		Transport: transportFunc(func(*http.Request) (*http.Response, error) {
			t.Error("request sent despite invalid urgency")
			return nil, errors.New("unreachable")
		}),
	}))
	sub := newTestSubscriber(t).subscription("https://push.example.com/x")
	if err := client.Send(context.Background(), sub, []byte("x"), &Options{Urgency: "asap"}); err == nil {
		t.Fatal("Send() expected error for invalid urgency")
	}
}

func TestClient_SendError(t *testing.T) {
	tests := []struct {
		status int
		gone   bool
	}{
		{http.StatusGone, true},
		{http.StatusNotFound, true},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusForbidden, false},
	}
	for _, tt := range tests {
		server, _ := newPushServer(t, tt.status)
		sub := newTestSubscriber(t).subscription(server.URL + "/push/abc123")
		client := NewClient(newTestAuthenticator(t), WithHTTPClient(server.Client()))

		err := client.Send(context.Background(), sub, []byte("test"), nil)
		var pe *PushError
		if !errors.As(err, &pe) {
			t.Fatalf("Send() error = %v, want *PushError", err)
		}
		if pe.StatusCode != tt.status {
			t.Errorf("StatusCode = %d, want %d", pe.StatusCode, tt.status)
		}
		if pe.Gone() != tt.gone {
			t.Errorf("Gone() = %v for %d, want %v", pe.Gone(), tt.status, tt.gone)
		}
		if pe.Body != "subscription has expired" {
			t.Errorf("Body = %q", pe.Body)
		}
	}
}

func TestClient_SendTransportError(t *testing.T) {
	client := NewClient(newTestAuthenticator(t), WithHTTPClient(&http.Client{
		Transport: transportFunc(func(*http.Request) (*http.Response, error) {
			return nil, errors.New("connection reset")
		}),
	}))
	sub := newTestSubscriber(t).subscription("https://push.example.com/x")
	err := client.Send(context.Background(), sub, []byte("x"), nil)
	if err == nil {
		t.Fatal("Send() expected error")
	}
	var pe *PushError
	if errors.As(err, &pe) {
		t.Errorf("Send() error = %v, transport failures must not be *PushError", err)
	}
}

func TestNewClient_DefaultTimeout(t *testing.T) {
	client := NewClient(newTestAuthenticator(t))
	if client.httpClient.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", client.httpClient.Timeout, DefaultTimeout)
	}
}

func TestUrgency_Valid(t *testing.T) {
	for _, u := range []Urgency{UrgencyVeryLow, UrgencyLow, UrgencyNormal, UrgencyHigh} {
		if !u.Valid() {
			t.Errorf("%q.Valid() = false", u)
		}
	}
	for _, u := range []Urgency{"", "foo", "HIGH"} {
		if u.Valid() {
			t.Errorf("%q.Valid() = true", u)
		}
	}
}
