package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/frontdesk/internal/queue"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestStore_PutAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	c := &queue.Case{ID: "c-1", UserID: "u-1", UrgencyLevel: 3, Status: queue.StatusPending, Version: 1, DetectedSignals: []string{"high fever"}}
	if err := s.Put(ctx, c); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, "u-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected case to be found")
	}
	if got.ID != "c-1" || got.UrgencyLevel != 3 {
		t.Errorf("got %+v", got)
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, ok, err := s.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing user")
	}
}

func TestStore_VersionGuard(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Put(ctx, &queue.Case{ID: "c-1", UserID: "u-1", UrgencyLevel: 2, Version: 5, SubmittedAt: base})
	_ = s.Put(ctx, &queue.Case{ID: "c-1", UserID: "u-1", UrgencyLevel: 4, Version: 3, SubmittedAt: base})

	got, _, _ := s.Get(ctx, "u-1")
	if got.UrgencyLevel != 2 {
		t.Errorf("stale version overwrote: level = %d", got.UrgencyLevel)
	}

	_ = s.Put(ctx, &queue.Case{ID: "c-1", UserID: "u-1", UrgencyLevel: 1, Version: 6, SubmittedAt: base})
	got, _, _ = s.Get(ctx, "u-1")
	if got.UrgencyLevel != 1 {
		t.Errorf("newer version ignored: level = %d", got.UrgencyLevel)
	}
}

func TestStore_NewCaseReplacesOlderCase(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Put(ctx, &queue.Case{ID: "c-old", UserID: "u-1", Version: 9, SubmittedAt: base, Status: queue.StatusResolved})
	_ = s.Put(ctx, &queue.Case{ID: "c-new", UserID: "u-1", Version: 1, SubmittedAt: base.Add(time.Hour), Status: queue.StatusPending})

	got, _, _ := s.Get(ctx, "u-1")
	if got.ID != "c-new" {
		t.Errorf("ID = %s, want c-new", got.ID)
	}

	// a late write of the old case does not come back
	_ = s.Put(ctx, &queue.Case{ID: "c-old", UserID: "u-1", Version: 10, SubmittedAt: base, Status: queue.StatusResolved})
	got, _, _ = s.Get(ctx, "u-1")
	if got.ID != "c-new" {
		t.Errorf("ID = %s, want c-new", got.ID)
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	in := &queue.Case{ID: "c-1", UserID: "u-1", Version: 1, DetectedSignals: []string{"a"}}
	_ = s.Put(ctx, in)
	in.DetectedSignals[0] = "mutated-input"

	got, _, _ := s.Get(ctx, "u-1")
	got.DetectedSignals[0] = "mutated-output"

	again, _, _ := s.Get(ctx, "u-1")
	if again.DetectedSignals[0] != "a" {
		t.Errorf("signals = %v, store shares memory with callers", again.DetectedSignals)
	}
}

func TestStore_ListActive(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Put(ctx, &queue.Case{ID: "a", UserID: "u-a", UrgencyLevel: 4, SubmittedAt: base, Status: queue.StatusPending, Version: 1})
	_ = s.Put(ctx, &queue.Case{ID: "b", UserID: "u-b", UrgencyLevel: 2, SubmittedAt: base.Add(time.Minute), Status: queue.StatusInProgress, Version: 1})
	_ = s.Put(ctx, &queue.Case{ID: "c", UserID: "u-c", UrgencyLevel: 2, SubmittedAt: base, Status: queue.StatusPending, Version: 1})
	_ = s.Put(ctx, &queue.Case{ID: "d", UserID: "u-d", UrgencyLevel: 1, SubmittedAt: base, Status: queue.StatusRemoved, Version: 1})

	got, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	var ids []string
	for _, c := range got {
		ids = append(ids, c.ID)
	}
	if fmt.Sprint(ids) != "[c b a]" {
		t.Errorf("active = %v, want [c b a]", ids)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.Put(ctx, &queue.Case{ID: fmt.Sprintf("c-%d", i), UserID: fmt.Sprintf("u-%d", i%10), Version: int64(i), SubmittedAt: base.Add(time.Duration(i) * time.Second), Status: queue.StatusPending})
		}()
		go func() {
			defer wg.Done()
			_, _, _ = s.Get(ctx, fmt.Sprintf("u-%d", i%10))
			_, _ = s.ListActive(ctx)
		}()
	}
	wg.Wait()

	// latest submission per user wins regardless of write order
	for u := range 10 {
		got, ok, _ := s.Get(ctx, fmt.Sprintf("u-%d", u))
		if !ok {
			t.Fatalf("u-%d missing", u)
		}
		if want := fmt.Sprintf("c-%d", 40+u); got.ID != want {
			t.Errorf("u-%d = %s, want %s", u, got.ID, want)
		}
	}
}
