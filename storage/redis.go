package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wafflemaker/webpush"
)

const (
	redisPrefix     = "webpush:"
	redisAllKey     = redisPrefix + "subscriptions"
	maxRedisRetries = 10
)

func redisSubKey(id string) string            { return redisPrefix + "sub:" + id }
func redisEndpointKey(endpoint string) string { return redisPrefix + "endpoint:" + endpoint }
func redisUserKey(userID string) string       { return redisPrefix + "user:" + userID }

// Redis implements storage on a Redis server. Each record is a hash; an
// endpoint index and per-user and global sorted sets (scored by creation
// time) support the lookups.
type Redis struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedis connects to the server described by opts.
func NewRedis(ctx context.Context, opts *redis.Options) (*Redis, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &Redis{client: client, now: time.Now}, nil
}

// Save stores or updates a subscription.
func (r *Redis) Save(ctx context.Context, record *Record) error {
	prepare(record, r.now().UTC())
	endpointKey := redisEndpointKey(record.Subscription.Endpoint)

	txf := func(tx *redis.Tx) error {
		var previousUser string
		existingID, err := tx.Get(ctx, endpointKey).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			existing, err := loadRedisRecord(ctx, tx, existingID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if existing != nil {
				record.ID = existing.ID
				record.CreatedAt = existing.CreatedAt
				previousUser = existing.UserID
			}
		}

		score := float64(record.CreatedAt.UnixMicro())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, redisSubKey(record.ID), map[string]any{
				"user_id":    record.UserID,
				"endpoint":   record.Subscription.Endpoint,
				"p256dh":     record.Subscription.Keys.P256dh,
				"auth":       record.Subscription.Keys.Auth,
				"created_at": record.CreatedAt.Format(time.RFC3339Nano),
				"updated_at": record.UpdatedAt.Format(time.RFC3339Nano),
			})
			pipe.Set(ctx, endpointKey, record.ID, 0)
			if previousUser != "" && previousUser != record.UserID {
				pipe.ZRem(ctx, redisUserKey(previousUser), record.ID)
			}
			if record.UserID != "" {
				pipe.ZAdd(ctx, redisUserKey(record.UserID), redis.Z{Score: score, Member: record.ID})
			}
			pipe.ZAdd(ctx, redisAllKey, redis.Z{Score: score, Member: record.ID})
			return nil
		})
		return err
	}

	for i := 0; i < maxRedisRetries; i++ {
		err := r.client.Watch(ctx, txf, endpointKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("saving subscription: %w", err)
		}
		return nil
	}
	return fmt.Errorf("saving subscription: %w", redis.TxFailedErr)
}

// Get retrieves a subscription by ID.
func (r *Redis) Get(ctx context.Context, id string) (*Record, error) {
	return loadRedisRecord(ctx, r.client, id)
}

// GetByEndpoint retrieves a subscription by its endpoint URL.
func (r *Redis) GetByEndpoint(ctx context.Context, endpoint string) (*Record, error) {
	id, err := r.client.Get(ctx, redisEndpointKey(endpoint)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up endpoint: %w", err)
	}
	return r.Get(ctx, id)
}

// GetByUserID retrieves all subscriptions for a user.
func (r *Redis) GetByUserID(ctx context.Context, userID string) ([]*Record, error) {
	ids, err := r.client.ZRange(ctx, redisUserKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	return r.loadAll(ctx, ids)
}

// CountByUserID returns how many subscriptions a user has.
func (r *Redis) CountByUserID(ctx context.Context, userID string) (int, error) {
	n, err := r.client.ZCard(ctx, redisUserKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("counting subscriptions: %w", err)
	}
	return int(n), nil
}

// Delete removes a subscription by ID.
func (r *Redis) Delete(ctx context.Context, id string) error {
	var found bool
	txf := func(tx *redis.Tx) error {
		record, err := loadRedisRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		found = true
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, redisSubKey(id), redisEndpointKey(record.Subscription.Endpoint))
			if record.UserID != "" {
				pipe.ZRem(ctx, redisUserKey(record.UserID), id)
			}
			pipe.ZRem(ctx, redisAllKey, id)
			return nil
		})
		return err
	}

	for i := 0; i < maxRedisRetries; i++ {
		err := r.client.Watch(ctx, txf, redisSubKey(id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("deleting subscription: %w", err)
		}
		if !found {
			return ErrNotFound
		}
		return nil
	}
	return fmt.Errorf("deleting subscription: %w", redis.TxFailedErr)
}

// DeleteByEndpoint removes a subscription by its endpoint URL.
func (r *Redis) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	id, err := r.client.Get(ctx, redisEndpointKey(endpoint)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("looking up endpoint: %w", err)
	}
	return r.Delete(ctx, id)
}

// List returns all subscriptions with pagination.
func (r *Redis) List(ctx context.Context, limit, offset int) ([]*Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := r.client.ZRevRange(ctx, redisAllKey, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	return r.loadAll(ctx, ids)
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) loadAll(ctx context.Context, ids []string) ([]*Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.HGetAll(ctx, redisSubKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading subscriptions: %w", err)
	}
	records := make([]*Record, 0, len(ids))
	for i, cmd := range cmds {
		fields, err := cmd.(*redis.MapStringStringCmd).Result()
		if err != nil {
			return nil, fmt.Errorf("loading subscription: %w", err)
		}
		// Index entries can briefly outlive a record deleted concurrently.
		if len(fields) == 0 {
			continue
		}
		record, err := parseRedisRecord(ids[i], fields)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func loadRedisRecord(ctx context.Context, c hashGetter, id string) (*Record, error) {
	fields, err := c.HGetAll(ctx, redisSubKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("loading subscription: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return parseRedisRecord(id, fields)
}

func parseRedisRecord(id string, fields map[string]string) (*Record, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("parsing created_at of %s: %w", id, err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, fields["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at of %s: %w", id, err)
	}
	return &Record{
		ID:        id,
		UserID:    fields["user_id"],
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		Subscription: &webpush.Subscription{
			Endpoint: fields["endpoint"],
			Keys: webpush.Keys{
				P256dh: fields["p256dh"],
				Auth:   fields["auth"],
			},
		},
	}, nil
}
