// Package lock provides short-lived Redis locks used to collapse concurrent
// recipient creation, serialize fast payout requests per organizer and keep
// two workers off the same batch.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"ms-payouts/internal/logger"
)

// Locker takes a named lock. ok is false when someone else holds it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Redis struct {
	Client *redis.Client
	log    *logger.Logger
}

func NewRedis(client *redis.Client, log *logger.Logger) *Redis {
	return &Redis{Client: client, log: log}
}

func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := r.Client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// Released on a fresh context so a cancelled request still unlocks.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.Client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			r.log.Warn("REDIS", fmt.Sprintf("release %s: %v", key, err))
		}
	}
	return release, true, nil
}

// Held reports whether key is currently locked.
func (r *Redis) Held(ctx context.Context, key string) (bool, error) {
	n, err := r.Client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Local always grants the lock. Used when Redis is disabled; the store's
// conditional updates remain the real guard.
type Local struct{}

func (Local) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}

func RecipientKey(organizerID, provider string) string {
	return "recipient_lock:" + organizerID + ":" + provider
}

func BatchKey(batchID string) string {
	return "batch_lock:" + batchID
}

func FastPayoutKey(organizerID string) string {
	return "fast_payout_lock:" + organizerID
}

// JobKey guards a scheduled job so one replica runs each tick.
func JobKey(name string) string {
	return "job_lock:" + name
}
