package service

import (
	"context"
	"time"

	"circulation-service/internal/models"
)

// Cache is the optional fast path in front of the store: borrow idempotency
// keys and the availability view. The store stays the source of truth.
type Cache interface {
	LookupBorrow(ctx context.Context, key string) (loanID int64, found bool, err error)
	RememberBorrow(ctx context.Context, key string, loanID int64, ttl time.Duration) error
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
	GetAvailability(ctx context.Context, bookID int64) (*models.Availability, error)
	SetAvailability(ctx context.Context, avail *models.Availability, ttl time.Duration) error
	InvalidateAvailability(ctx context.Context, bookID int64) error
}

// noCache is used when Redis is disabled
type noCache struct{}

func (noCache) LookupBorrow(context.Context, string) (int64, bool, error) { return 0, false, nil }

func (noCache) RememberBorrow(context.Context, string, int64, time.Duration) error { return nil }

func (noCache) AcquireLock(context.Context, string, time.Duration) (bool, error) { return true, nil }

func (noCache) ReleaseLock(context.Context, string) error { return nil }

func (noCache) GetAvailability(context.Context, int64) (*models.Availability, error) { return nil, nil }

func (noCache) SetAvailability(context.Context, *models.Availability, time.Duration) error {
	return nil
}

func (noCache) InvalidateAvailability(context.Context, int64) error { return nil }
