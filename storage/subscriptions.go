package storage

import (
	"context"
	"errors"

	"github.com/wafflemaker/webpush"
)

// Subscriptions adapts a Storage to the lookup and cleanup hooks the
// dispatcher needs. Deleting an endpoint that is already gone succeeds.
func Subscriptions(s Storage) webpush.SubscriptionStore {
	return subscriptionStore{s}
}

type subscriptionStore struct {
	s Storage
}

func (a subscriptionStore) ListByUser(ctx context.Context, userID string) ([]*webpush.Subscription, error) {
	records, err := a.s.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	subs := make([]*webpush.Subscription, 0, len(records))
	for _, r := range records {
		subs = append(subs, r.Subscription)
	}
	return subs, nil
}

func (a subscriptionStore) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	if err := a.s.DeleteByEndpoint(ctx, endpoint); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}
