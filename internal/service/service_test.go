package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"circulation-service/config"
	"circulation-service/internal/models"
	"circulation-service/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, notification models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return nil
}

func (n *recordingNotifier) ofKind(kind string) []models.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.Notification
	for _, sent := range n.sent {
		if sent.Kind == kind {
			out = append(out, sent)
		}
	}
	return out
}

type recordingEvents struct {
	mu           sync.Mutex
	opened       []*models.LoanOpenedEvent
	closed       []*models.LoanClosedEvent
	reservations []*models.ReservationEvent
}

func (e *recordingEvents) PublishLoanOpened(_ context.Context, event *models.LoanOpenedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opened = append(e.opened, event)
	return nil
}

func (e *recordingEvents) PublishLoanClosed(_ context.Context, event *models.LoanClosedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = append(e.closed, event)
	return nil
}

func (e *recordingEvents) PublishReservation(_ context.Context, event *models.ReservationEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reservations = append(e.reservations, event)
	return nil
}

// memoryCache is a map-backed Cache
type memoryCache struct {
	mu      sync.Mutex
	borrows map[string]int64
	locks   map[string]bool
	avail   map[int64]models.Availability
}

func newMemoryCache() *memoryCache {
	return &memoryCache{
		borrows: make(map[string]int64),
		locks:   make(map[string]bool),
		avail:   make(map[int64]models.Availability),
	}
}

func (c *memoryCache) LookupBorrow(_ context.Context, key string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.borrows[key]
	return id, ok, nil
}

func (c *memoryCache) RememberBorrow(_ context.Context, key string, loanID int64, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.borrows[key] = loanID
	return nil
}

func (c *memoryCache) AcquireLock(_ context.Context, lockKey string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks[lockKey] {
		return false, nil
	}
	c.locks[lockKey] = true
	return true, nil
}

func (c *memoryCache) ReleaseLock(_ context.Context, lockKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, lockKey)
	return nil
}

func (c *memoryCache) GetAvailability(_ context.Context, bookID int64) (*models.Availability, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.avail[bookID]; ok {
		return &a, nil
	}
	return nil, nil
}

func (c *memoryCache) SetAvailability(_ context.Context, avail *models.Availability, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.avail[avail.BookID] = *avail
	return nil
}

func (c *memoryCache) InvalidateAvailability(_ context.Context, bookID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.avail, bookID)
	return nil
}

type harness struct {
	*Circulation
	store    *store.Store
	clock    *fakeClock
	notifier *recordingNotifier
	events   *recordingEvents
	cache    *memoryCache
}

func testPolicy() config.PolicyConfig {
	return config.PolicyConfig{
		LoanPeriod:        14 * 24 * time.Hour,
		FinePerDay:        decimal.RequireFromString("0.50"),
		HoldGrace:         48 * time.Hour,
		HoldSweepInterval: time.Minute,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.NewStore("sqlite://" + filepath.Join(t.TempDir(), "circulation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		store:    st,
		clock:    &fakeClock{now: testEpoch},
		notifier: &recordingNotifier{},
		events:   &recordingEvents{},
		cache:    newMemoryCache(),
	}
	h.Circulation = New(st, Options{
		Policy:   testPolicy(),
		Clock:    h.clock,
		Cache:    h.cache,
		Events:   h.events,
		Notifier: h.notifier,
	})
	return h
}

func (h *harness) addUnits(t *testing.T, bookID int64, count int) []models.StockUnit {
	t.Helper()
	units, err := h.Ledger.AddUnits(context.Background(), &AddUnitsRequest{BookID: bookID, Count: count})
	require.NoError(t, err)
	return units
}

func (h *harness) borrow(t *testing.T, userID, bookID int64) *models.Loan {
	t.Helper()
	loan, err := h.Loans.Borrow(context.Background(), &BorrowRequest{UserID: userID, BookID: bookID})
	require.NoError(t, err)
	return loan
}

func (h *harness) enqueue(t *testing.T, userID, bookID int64) *models.Reservation {
	t.Helper()
	r, err := h.Queue.Enqueue(context.Background(), &EnqueueRequest{UserID: userID, BookID: bookID})
	require.NoError(t, err)
	return r
}

func (h *harness) reservation(t *testing.T, id int64) *models.Reservation {
	t.Helper()
	r, err := h.Queue.GetReservation(context.Background(), id)
	require.NoError(t, err)
	return r
}

func (h *harness) unit(t *testing.T, id int64) *models.StockUnit {
	t.Helper()
	u, err := h.store.GetStockUnit(context.Background(), id)
	require.NoError(t, err)
	return u
}
