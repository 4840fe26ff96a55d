package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu      sync.Mutex
	points  map[int64]int64
	entries map[string]Entry

	staleSwaps int  // сколько первых CAS вернут "устарело"
	dupOnce    bool // один раз вернуть ErrDuplicateCause из CAS
}

func newMemStore(points map[int64]int64) *memStore {
	return &memStore{
		points:  points,
		entries: make(map[string]Entry),
	}
}

func causeKey(kind CauseKind, causeID string) string {
	return string(kind) + "/" + causeID
}

func (s *memStore) AccountPoints(ctx context.Context, accountID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.points[accountID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	return p, nil
}

func (s *memStore) EntryByCause(ctx context.Context, kind CauseKind, causeID string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[causeKey(kind, causeID)]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *memStore) CompareAndSwapPoints(ctx context.Context, accountID int64, expected, next int64, e Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dupOnce {
		s.dupOnce = false
		return false, ErrDuplicateCause
	}
	if s.staleSwaps > 0 {
		s.staleSwaps--
		return false, nil
	}

	p, ok := s.points[accountID]
	if !ok {
		return false, ErrAccountNotFound
	}
	if p != expected {
		return false, nil
	}
	key := causeKey(e.CauseKind, e.CauseID)
	if _, exists := s.entries[key]; exists {
		return false, ErrDuplicateCause
	}

	s.points[accountID] = next
	e.CreatedAt = time.Now()
	s.entries[key] = e
	return true, nil
}

func TestApplyDelta_Credit(t *testing.T) {
	store := newMemStore(map[int64]int64{1: 100})
	l := New(store)

	balance, err := l.ApplyDelta(context.Background(), 1, 60, "booking-1", CauseBooking)
	if err != nil {
		t.Fatalf("ApplyDelta error: %v", err)
	}
	if balance != 160 {
		t.Fatalf("balance = %d, want 160", balance)
	}
}

func TestApplyDelta_DebitBoundary(t *testing.T) {
	tests := []struct {
		name        string
		initial     int64
		delta       int64
		wantBalance int64
		wantErr     error
	}{
		{name: "debit to zero succeeds", initial: 500, delta: -500, wantBalance: 0},
		{name: "debit one over fails", initial: 499, delta: -500, wantErr: ErrInsufficientBalance},
		{name: "debit from empty fails", initial: 0, delta: -1, wantErr: ErrInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore(map[int64]int64{7: tt.initial})
			l := New(store)

			balance, err := l.ApplyDelta(context.Background(), 7, tt.delta, "cause-1", CauseRedemption)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				if store.points[7] != tt.initial {
					t.Fatalf("balance changed on failed debit: %d", store.points[7])
				}
				return
			}
			if err != nil {
				t.Fatalf("ApplyDelta error: %v", err)
			}
			if balance != tt.wantBalance {
				t.Fatalf("balance = %d, want %d", balance, tt.wantBalance)
			}
		})
	}
}

func TestApplyDelta_InsufficientBalanceShortfall(t *testing.T) {
	store := newMemStore(map[int64]int64{1: 200})
	l := New(store)

	_, err := l.ApplyDelta(context.Background(), 1, -300, "red-1", CauseRedemption)

	var insufficient *InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("error = %v, want InsufficientBalanceError", err)
	}
	if insufficient.Shortfall() != 100 {
		t.Fatalf("shortfall = %d, want 100", insufficient.Shortfall())
	}
	if insufficient.Available != 200 {
		t.Fatalf("available = %d, want 200", insufficient.Available)
	}
}

func TestApplyDelta_AccountNotFound(t *testing.T) {
	store := newMemStore(map[int64]int64{})
	l := New(store)

	_, err := l.ApplyDelta(context.Background(), 99, 10, "booking-1", CauseBooking)
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("error = %v, want ErrAccountNotFound", err)
	}
}

func TestApplyDelta_ZeroDelta(t *testing.T) {
	l := New(newMemStore(map[int64]int64{1: 10}))

	_, err := l.ApplyDelta(context.Background(), 1, 0, "cause", CauseBooking)
	if !errors.Is(err, ErrZeroDelta) {
		t.Fatalf("error = %v, want ErrZeroDelta", err)
	}
}

func TestApplyDelta_IdempotentPerCause(t *testing.T) {
	store := newMemStore(map[int64]int64{1: 100})
	l := New(store)

	first, err := l.ApplyDelta(context.Background(), 1, 60, "booking-1", CauseBooking)
	if err != nil {
		t.Fatalf("first ApplyDelta error: %v", err)
	}
	second, err := l.ApplyDelta(context.Background(), 1, 60, "booking-1", CauseBooking)
	if err != nil {
		t.Fatalf("second ApplyDelta error: %v", err)
	}

	if first != 160 || second != 160 {
		t.Fatalf("balances = %d, %d, want 160 both", first, second)
	}
	if store.points[1] != 160 {
		t.Fatalf("points credited twice: %d", store.points[1])
	}
	if len(store.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(store.entries))
	}
}

func TestApplyDelta_RetriesStaleSwapThenSucceeds(t *testing.T) {
	store := newMemStore(map[int64]int64{1: 100})
	store.staleSwaps = 2
	l := New(store)

	balance, err := l.ApplyDelta(context.Background(), 1, -50, "red-1", CauseRedemption)
	if err != nil {
		t.Fatalf("ApplyDelta error: %v", err)
	}
	if balance != 50 {
		t.Fatalf("balance = %d, want 50", balance)
	}
}

func TestApplyDelta_ConflictAfterExhaustedRetries(t *testing.T) {
	store := newMemStore(map[int64]int64{1: 100})
	store.staleSwaps = defaultMaxAttempts
	l := New(store)

	_, err := l.ApplyDelta(context.Background(), 1, -50, "red-1", CauseRedemption)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("error = %v, want ErrConflict", err)
	}
	if store.points[1] != 100 {
		t.Fatalf("balance changed after conflict: %d", store.points[1])
	}
}

func TestApplyDelta_DuplicateCauseRaceReturnsCurrentBalance(t *testing.T) {
	store := newMemStore(map[int64]int64{1: 100})
	store.dupOnce = true
	l := New(store)

	balance, err := l.ApplyDelta(context.Background(), 1, -50, "red-1", CauseRedemption)
	if err != nil {
		t.Fatalf("ApplyDelta error: %v", err)
	}
	if balance != 100 {
		t.Fatalf("balance = %d, want 100 (delta applied elsewhere)", balance)
	}
}

func TestApplyDelta_ConcurrentDeltasNeverGoNegative(t *testing.T) {
	const (
		initial = 1000
		credits = 25
		debits  = 25
	)

	store := newMemStore(map[int64]int64{1: initial})
	l := New(store)

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		appliedSum  int64
		failedCount int
	)

	run := func(delta int64, causeID string, kind CauseKind) {
		defer wg.Done()
		_, err := l.ApplyDelta(context.Background(), 1, delta, causeID, kind)

		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			appliedSum += delta
		case errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrConflict):
			failedCount++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	wg.Add(credits + debits)
	for i := 0; i < credits; i++ {
		go run(10, "booking-"+string(rune('a'+i)), CauseBooking)
	}
	for i := 0; i < debits; i++ {
		go run(-90, "red-"+string(rune('a'+i)), CauseRedemption)
	}
	wg.Wait()

	final := store.points[1]
	if final < 0 {
		t.Fatalf("balance went negative: %d", final)
	}
	if final != initial+appliedSum {
		t.Fatalf("final balance = %d, want initial %d + applied %d", final, initial, appliedSum)
	}
	if len(store.entries) != credits+debits-failedCount {
		t.Fatalf("entries = %d, want %d", len(store.entries), credits+debits-failedCount)
	}
}
