package webpush

import (
	"context"
	"sync"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds the in-flight sends of one dispatch.
const DefaultConcurrency = 8

// SubscriptionStore is the persistence the Dispatcher needs.
type SubscriptionStore interface {
	Cleaner
	// ListByUser returns every subscription owned by userID.
	ListByUser(ctx context.Context, userID string) ([]*Subscription, error)
}

// Outcome pairs a subscription endpoint with its delivery result.
type Outcome struct {
	Endpoint string
	Result   DeliveryResult
}

// Dispatcher fans one notification out to all of a user's subscriptions.
type Dispatcher struct {
	sender      *Sender
	store       SubscriptionStore
	concurrency int
	background  sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithConcurrency limits how many sends of one dispatch run at once.
func WithConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// NewDispatcher returns a Dispatcher that looks subscriptions up in store.
func NewDispatcher(sender *Sender, store SubscriptionStore, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{sender: sender, store: store, concurrency: DefaultConcurrency}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NotifyUser delivers n to every subscription of userID and waits for all
// attempts to settle. Outcomes are returned in subscription order. A
// failing subscription never affects the others, and a failed lookup
// yields no outcomes.
func (d *Dispatcher) NotifyUser(ctx context.Context, userID string, n *Notification) []Outcome {
	log := clog.FromContext(ctx).With("user", userID)
	ctx = clog.WithLogger(ctx, log)

	subs, err := d.store.ListByUser(ctx, userID)
	if err != nil {
		log.Error("listing push subscriptions", "error", err)
		return nil
	}
	if len(subs) == 0 {
		return nil
	}

	outcomes := make([]Outcome, len(subs))
	// The group's context is not used: one failure must not cancel the rest.
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, sub := range subs {
		g.Go(func() error {
			outcomes[i] = Outcome{Endpoint: sub.Endpoint, Result: d.sender.Deliver(ctx, sub, n)}
			return nil
		})
	}
	_ = g.Wait()

	sent := 0
	for _, o := range outcomes {
		if o.Result.OK() {
			sent++
		}
	}
	log.Info("push dispatch settled", "subscriptions", len(subs), "sent", sent)
	return outcomes
}

// Go dispatches n in the background. The dispatch outlives ctx's
// cancellation but keeps its values, including the logger.
func (d *Dispatcher) Go(ctx context.Context, userID string, n *Notification) {
	ctx = context.WithoutCancel(ctx)
	d.background.Go(func() { d.NotifyUser(ctx, userID, n) })
}

// Wait blocks until every dispatch started with Go has settled.
func (d *Dispatcher) Wait() { d.background.Wait() }
