package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/farebox/quotagate/domain/quota"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func counterKey(window time.Time) quota.CounterKey {
	return quota.CounterKey{
		SubscriptionID: "sub_1",
		SubjectID:      "user_9",
		ModuleKey:      "tickets",
		FunctionKey:    "purchase",
		WindowStart:    window,
	}
}

func TestIncrementIfAllowed(t *testing.T) {
	s := NewUsageStore(testDB(t))
	ctx := context.Background()

	key := counterKey(time.Now().UTC().Truncate(time.Hour))
	resetAt := key.WindowStart.Add(time.Hour)

	for i := int64(1); i <= 2; i++ {
		res, err := s.IncrementIfAllowed(ctx, key, resetAt, 2)
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if !res.Allowed || res.NewCount != i {
			t.Fatalf("increment %d = %+v", i, res)
		}
	}

	res, err := s.IncrementIfAllowed(ctx, key, resetAt, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Error("increment past ceiling should be denied")
	}
	if res.NewCount != 2 {
		t.Errorf("NewCount = %d, want 2 (unchanged)", res.NewCount)
	}
}

func TestCeilingNeverExceededUnderRace(t *testing.T) {
	s := NewUsageStore(testDB(t))
	ctx := context.Background()

	key := counterKey(time.Now().UTC().Truncate(time.Hour))
	resetAt := key.WindowStart.Add(time.Hour)
	const ceiling = 10
	const callers = 40

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.IncrementIfAllowed(ctx, key, resetAt, ceiling)
			if err != nil {
				t.Error(err)
				return
			}
			if res.Allowed {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	if admitted != ceiling {
		t.Errorf("admitted %d callers, want exactly %d", admitted, ceiling)
	}
	count, err := s.Peek(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if count != ceiling {
		t.Errorf("final count = %d, want %d", count, ceiling)
	}
}

func TestDecrement(t *testing.T) {
	s := NewUsageStore(testDB(t))
	ctx := context.Background()

	key := counterKey(time.Now().UTC().Truncate(time.Hour))

	// Missing counter: silent no-op, no row created.
	if err := s.Decrement(ctx, key); err != nil {
		t.Fatal(err)
	}
	count, err := s.Peek(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("count after no-op decrement = %d", count)
	}

	if _, err := s.IncrementIfAllowed(ctx, key, key.WindowStart.Add(time.Hour), 10); err != nil {
		t.Fatal(err)
	}
	if err := s.Decrement(ctx, key); err != nil {
		t.Fatal(err)
	}
	if err := s.Decrement(ctx, key); err != nil {
		t.Fatal(err)
	}
	count, _ = s.Peek(ctx, key)
	if count != 0 {
		t.Errorf("count = %d, want 0 (floored)", count)
	}
}

func TestConcurrencyCounters(t *testing.T) {
	s := NewUsageStore(testDB(t))
	ctx := context.Background()

	key := quota.ConcurrencyKey{
		SubscriptionID: "sub_1",
		SubjectID:      "user_9",
		ModuleKey:      "tickets",
		FunctionKey:    "export",
	}

	ok, err := s.AcquireConcurrency(ctx, key, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("first acquire should succeed")
	}

	ok, err = s.AcquireConcurrency(ctx, key, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("acquire past limit should fail")
	}

	if err := s.ReleaseConcurrency(ctx, key); err != nil {
		t.Fatal(err)
	}
	ok, err = s.AcquireConcurrency(ctx, key, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("slot should be reusable after release")
	}

	// Extra releases never push in_flight negative.
	s.ReleaseConcurrency(ctx, key)
	s.ReleaseConcurrency(ctx, key)
	s.ReleaseConcurrency(ctx, key)
	ok, err = s.AcquireConcurrency(ctx, key, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("acquire after floored releases should succeed")
	}
}

func TestCleanupExpired(t *testing.T) {
	s := NewUsageStore(testDB(t))
	ctx := context.Background()

	now := time.Now().UTC()
	expired := counterKey(now.Add(-2 * time.Hour).Truncate(time.Hour))
	live := counterKey(now.Truncate(time.Hour))
	lifetime := counterKey(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	s.IncrementIfAllowed(ctx, expired, now.Add(-time.Hour), 10)
	s.IncrementIfAllowed(ctx, live, now.Add(time.Hour), 10)
	s.IncrementIfAllowed(ctx, lifetime, time.Time{}, 10) // reset_at = 0, never reaped

	removed, err := s.CleanupExpired(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	count, _ := s.Peek(ctx, live)
	if count != 1 {
		t.Errorf("live counter = %d, want 1", count)
	}
	count, _ = s.Peek(ctx, lifetime)
	if count != 1 {
		t.Errorf("lifetime counter = %d, want 1", count)
	}
	count, _ = s.Peek(ctx, expired)
	if count != 0 {
		t.Errorf("expired counter = %d, want 0 after reap", count)
	}
}

func TestCountersSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.db")
	ctx := context.Background()

	key := counterKey(time.Date(2025, 6, 18, 0, 0, 0, 0, time.UTC))

	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	s := NewUsageStore(db)
	if _, err := s.IncrementIfAllowed(ctx, key, key.WindowStart.AddDate(0, 1, 0), 10); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	count, err := NewUsageStore(db).Peek(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("count after reopen = %d, want 1", count)
	}
}
