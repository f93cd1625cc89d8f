package redisstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/frontdesk/internal/conversation"
)

func newStore(t *testing.T, limits conversation.Limits) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, limits), mr
}

func texts(turns []conversation.Turn) string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Text
	}
	return strings.Join(out, ",")
}

func TestAppendAndWindow(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t, conversation.Limits{MaxTurns: 10})
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		if err := s.Append(ctx, "u1", conversation.Turn{Role: conversation.RolePatient, Text: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.Window(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if texts(got) != "m3,m4" {
		t.Errorf("Window(2) = %s, want m3,m4", texts(got))
	}

	all, _ := s.Window(ctx, "u1", 0)
	if texts(all) != "m1,m2,m3,m4" {
		t.Errorf("Window(0) = %s", texts(all))
	}
	if all[0].Timestamp.IsZero() {
		t.Error("timestamp should be filled in on append")
	}
}

func TestLimits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		limits conversation.Limits
		input  []string
		want   string
	}{
		{name: "turn cap", limits: conversation.Limits{MaxTurns: 2}, input: []string{"a", "b", "c"}, want: "b,c"},
		{name: "char cap", limits: conversation.Limits{MaxChars: 6}, input: []string{"aaa", "bbb", "ccc"}, want: "bbb,ccc"},
		{name: "oversize turn", limits: conversation.Limits{MaxChars: 3}, input: []string{"ab", "toolong"}, want: ""},
		{name: "no caps", limits: conversation.Limits{}, input: []string{"a", "b", "c"}, want: "a,b,c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, _ := newStore(t, tt.limits)
			ctx := context.Background()
			for _, in := range tt.input {
				if err := s.Append(ctx, "u", conversation.Turn{Role: conversation.RolePatient, Text: in}); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}
			got, err := s.Window(ctx, "u", 0)
			if err != nil {
				t.Fatalf("Window: %v", err)
			}
			if texts(got) != tt.want {
				t.Errorf("history = %q, want %q", texts(got), tt.want)
			}
		})
	}
}

func TestClear(t *testing.T) {
	t.Parallel()

	s, mr := newStore(t, conversation.DefaultLimits())
	ctx := context.Background()
	_ = s.Append(ctx, "u", conversation.Turn{Text: "hello"})

	if err := s.Clear(ctx, "u"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := s.Clear(ctx, "u"); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
	if mr.Exists(turnsKey("u")) || mr.Exists(sizesKey("u")) {
		t.Error("key should be deleted")
	}
	got, err := s.Window(ctx, "u", 5)
	if err != nil || len(got) != 0 {
		t.Fatalf("Window after clear = %v, %v", got, err)
	}
}

func TestIdleExpiry(t *testing.T) {
	t.Parallel()

	s, mr := newStore(t, conversation.Limits{MaxTurns: 5, IdleTTL: time.Hour})
	ctx := context.Background()
	_ = s.Append(ctx, "u", conversation.Turn{Text: "hello"})

	if ttl := mr.TTL(turnsKey("u")); ttl != time.Hour {
		t.Fatalf("TTL = %v, want 1h", ttl)
	}
	mr.FastForward(2 * time.Hour)

	got, _ := s.Window(ctx, "u", 0)
	if len(got) != 0 {
		t.Fatalf("expired history still has %d turns", len(got))
	}
}

func TestEmptyUser(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t, conversation.DefaultLimits())
	ctx := context.Background()
	if err := s.Append(ctx, "", conversation.Turn{Text: "x"}); err != conversation.ErrNoUser {
		t.Errorf("Append err = %v", err)
	}
	if _, err := s.Window(ctx, "", 1); err != conversation.ErrNoUser {
		t.Errorf("Window err = %v", err)
	}
}

func TestConcurrentAppends(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t, conversation.Limits{MaxTurns: 500})
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if err := s.Append(ctx, "u", conversation.Turn{Text: "x"}); err != nil {
					t.Errorf("Append: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, _ := s.Window(ctx, "u", 0)
	if len(got) != 80 {
		t.Fatalf("history has %d turns, want 80", len(got))
	}
}
