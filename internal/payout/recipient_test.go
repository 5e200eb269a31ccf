package payout_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-payouts/internal/apperr"
	"ms-payouts/internal/lock"
	"ms-payouts/internal/logger"
	"ms-payouts/internal/models"
	"ms-payouts/internal/payout"
	"ms-payouts/internal/provider"
	"ms-payouts/internal/provider/providertest"
	"ms-payouts/internal/storage"
	"ms-payouts/internal/storage/storagetest"
)

func TestResolveConvergesOnFirstStoredCode(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)
	org := &models.Organizer{ID: "org-1", Name: "Org", Email: "o@example.com", CountryCode: "NG"}
	require.NoError(t, store.CreateOrganizer(ctx, org))

	var n atomic.Int32
	fake := providertest.New(provider.Paystack)
	fake.RecipientFunc = func(provider.RecipientRequest) (string, error) {
		return fmt.Sprintf("RCP_%d", n.Add(1)), nil
	}
	// Local never blocks, so every caller may create; the unique index decides.
	r := payout.NewRecipientResolver(store, lock.Local{}, logger.NewNop())

	codes := make([]string, 8)
	var wg sync.WaitGroup
	for i := range codes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, err := r.Resolve(ctx, org, fake)
			assert.NoError(t, err)
			codes[i] = code
		}()
	}
	wg.Wait()

	stored, err := store.GetRecipient(ctx, "org-1", "paystack")
	require.NoError(t, err)
	for _, c := range codes {
		assert.Equal(t, stored.RecipientCode, c)
	}

	again, err := r.Resolve(ctx, org, fake)
	require.NoError(t, err)
	assert.Equal(t, stored.RecipientCode, again)
}

func TestResolveCreationFailureIsInvalidAccount(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)
	org := &models.Organizer{ID: "org-1", Name: "Org", Email: "o@example.com"}
	fake := providertest.New(provider.Paystack)
	fake.RecipientFunc = func(provider.RecipientRequest) (string, error) {
		return "", apperr.New(apperr.PayoutFailed, "paystack: Account details are invalid")
	}

	_, err := payout.NewRecipientResolver(store, nil, logger.NewNop()).Resolve(ctx, org, fake)
	assert.Equal(t, apperr.InvalidAccount, apperr.CodeOf(err))
	assert.False(t, apperr.Retryable(err))

	_, err = store.GetRecipient(ctx, "org-1", "paystack")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestResolveWaitsForLockHolder(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	locker := lock.NewRedis(client, logger.NewNop())

	store := storagetest.New(t)
	org := &models.Organizer{ID: "org-1", Name: "Org", Email: "o@example.com"}
	fake := providertest.New(provider.Paystack)
	r := payout.NewRecipientResolver(store, locker, logger.NewNop())
	payout.SetPollGap(r, 5*time.Millisecond)

	release, ok, err := locker.TryLock(ctx, lock.RecipientKey("org-1", "paystack"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = r.Resolve(ctx, org, fake)
	assert.True(t, apperr.Is(err, apperr.ServiceUnavailable), "holder never stored a code")
	assert.Zero(t, fake.RecipientCalls())

	_, err = store.InsertRecipientIfAbsent(ctx, &models.TransferRecipient{OrganizerID: "org-1", Provider: "paystack", RecipientCode: "RCP_holder"})
	require.NoError(t, err)
	code, err := r.Resolve(ctx, org, fake)
	require.NoError(t, err)
	assert.Equal(t, "RCP_holder", code)

	release()
	held, err := locker.Held(ctx, lock.RecipientKey("org-1", "paystack"))
	require.NoError(t, err)
	assert.False(t, held)
}
