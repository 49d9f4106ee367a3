package webpush

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
)

// DeliveryResult is the outcome of one delivery attempt.
type DeliveryResult int

const (
	// Sent means the push service accepted the message.
	Sent DeliveryResult = iota
	// TransientFailure means the attempt failed and the subscription was kept.
	TransientFailure
	// PermanentFailure means the subscription is gone and cleanup was triggered.
	PermanentFailure
)

func (r DeliveryResult) String() string {
	switch r {
	case Sent:
		return "sent"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	}
	return fmt.Sprintf("DeliveryResult(%d)", int(r))
}

// OK reports whether the message was accepted.
func (r DeliveryResult) OK() bool { return r == Sent }

// Cleaner removes subscriptions the push service reports as gone.
// DeleteByEndpoint must succeed when the endpoint is already absent.
type Cleaner interface {
	DeleteByEndpoint(ctx context.Context, endpoint string) error
}

// Sender delivers one notification to one subscription and classifies the
// outcome. It never returns an error.
type Sender struct {
	client  *Client
	cleaner Cleaner
	opts    *Options
	metrics *Metrics
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithOptions sets the TTL, urgency and topic used for every send.
func WithOptions(o *Options) SenderOption {
	return func(s *Sender) { s.opts = o }
}

// WithMetrics records delivery outcomes.
func WithMetrics(m *Metrics) SenderOption {
	return func(s *Sender) { s.metrics = m }
}

// NewSender returns a Sender that deletes gone subscriptions through cleaner.
func NewSender(client *Client, cleaner Cleaner, opts ...SenderOption) *Sender {
	s := &Sender{client: client, cleaner: cleaner}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deliver sends n to sub. A 404 or 410 answer deletes the subscription and
// yields PermanentFailure. Every other failure, including a panic in the
// crypto or transport layers, yields TransientFailure.
func (s *Sender) Deliver(ctx context.Context, sub *Subscription, n *Notification) (result DeliveryResult) {
	start := time.Now()
	log := clog.FromContext(ctx).With("endpoint", sub.Endpoint)
	defer func() {
		if r := recover(); r != nil {
			log.Error("push delivery panicked", "panic", r)
			result = TransientFailure
		}
		s.metrics.observe(result, time.Since(start))
	}()

	payload, err := json.Marshal(n)
	if err != nil {
		log.Error("encoding notification", "error", err)
		return TransientFailure
	}

	err = s.client.Send(ctx, sub, payload, s.opts)
	if err == nil {
		return Sent
	}

	var pe *PushError
	if errors.As(err, &pe) && pe.Gone() {
		log.Info("subscription gone, deleting", "status", pe.StatusCode)
		if err := s.cleaner.DeleteByEndpoint(ctx, sub.Endpoint); err != nil {
			log.Error("deleting gone subscription", "error", err)
		} else {
			s.metrics.cleanedUp()
		}
		return PermanentFailure
	}

	log.Warn("push delivery failed", "error", err)
	return TransientFailure
}
