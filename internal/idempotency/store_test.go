package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/approvals/internal/clock"
	"github.com/pitabwire/approvals/model"
)

var t0 = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

func testBundle() model.Bundle {
	actor := int64(100)
	return model.Bundle{
		Application: model.Application{
			ID:          42,
			Number:      "TKT-2025-00042",
			TypeID:      1,
			RequesterID: actor,
			Status:      model.StatusDraft,
			CreatedAt:   t0,
			UpdatedAt:   t0,
		},
		Values: []model.FieldValue{{ApplicationID: 42, Key: "reason", Value: "holiday"}},
		AuditTrail: []model.AuditEntry{
			{ID: 1, ApplicationID: 42, ActorID: &actor, Action: model.ActionCreate, At: t0},
		},
	}
}

// storeContract runs the behaviour every Store shares.
func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	key := Key("create", 100, "key-1")

	t.Run("miss", func(t *testing.T) {
		s := newStore(t)
		result, found, err := s.Check(ctx, key, "hash-a")
		if err != nil {
			t.Fatalf("Check error: %v", err)
		}
		if found || result != nil {
			t.Errorf("Check = %v, %v, want miss", result, found)
		}
	})

	t.Run("store and replay", func(t *testing.T) {
		s := newStore(t)
		if err := s.Store(ctx, key, "hash-a", testBundle(), time.Hour); err != nil {
			t.Fatalf("Store error: %v", err)
		}
		result, found, err := s.Check(ctx, key, "hash-a")
		if err != nil {
			t.Fatalf("Check error: %v", err)
		}
		if !found || result == nil {
			t.Fatal("Check should find the stored result")
		}
		if result.Application.ID != 42 || result.Application.Number != "TKT-2025-00042" {
			t.Errorf("result = %+v", result.Application)
		}
		if len(result.Values) != 1 || result.Values[0].Value != "holiday" {
			t.Errorf("values = %+v", result.Values)
		}
	})

	t.Run("conflict on different input", func(t *testing.T) {
		s := newStore(t)
		if err := s.Store(ctx, key, "hash-a", testBundle(), time.Hour); err != nil {
			t.Fatalf("Store error: %v", err)
		}
		_, found, err := s.Check(ctx, key, "hash-b")
		if !found {
			t.Error("found = false, want true (key exists)")
		}
		var env *model.ErrorEnvelope
		if !errors.As(err, &env) || env.Code != model.ErrConflict {
			t.Fatalf("error = %v, want CONFLICT", err)
		}
	})

	t.Run("reservation blocks a second caller", func(t *testing.T) {
		s := newStore(t)
		ok, err := s.Reserve(ctx, key, "hash-a", time.Minute)
		if err != nil || !ok {
			t.Fatalf("first Reserve = %v, %v, want true", ok, err)
		}
		ok, err = s.Reserve(ctx, key, "hash-a", time.Minute)
		if err != nil || ok {
			t.Fatalf("second Reserve = %v, %v, want false", ok, err)
		}

		_, found, err := s.Check(ctx, key, "hash-a")
		if !found || model.CodeOf(err) != model.ErrConflict {
			t.Errorf("Check while reserved = %v, %v, want found with CONFLICT", found, err)
		}
	})

	t.Run("release frees the key", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Reserve(ctx, key, "hash-a", time.Minute); err != nil {
			t.Fatalf("Reserve error: %v", err)
		}
		if err := s.Release(ctx, key); err != nil {
			t.Fatalf("Release error: %v", err)
		}
		if _, found, err := s.Check(ctx, key, "hash-a"); found || err != nil {
			t.Errorf("Check after release = %v, %v, want miss", found, err)
		}
		if ok, _ := s.Reserve(ctx, key, "hash-a", time.Minute); !ok {
			t.Error("Reserve after release should succeed")
		}
	})

	t.Run("store replaces the reservation", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Reserve(ctx, key, "hash-a", time.Minute); err != nil {
			t.Fatalf("Reserve error: %v", err)
		}
		if err := s.Store(ctx, key, "hash-a", testBundle(), time.Hour); err != nil {
			t.Fatalf("Store error: %v", err)
		}
		result, found, err := s.Check(ctx, key, "hash-a")
		if err != nil || !found || result.Application.ID != 42 {
			t.Errorf("Check = %v, %v, %v, want stored result", result, found, err)
		}
	})

	t.Run("concurrent reservations admit one", func(t *testing.T) {
		s := newStore(t)
		const n = 16
		var (
			wg  sync.WaitGroup
			won atomic.Int32
		)
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ok, err := s.Reserve(ctx, key, "hash-a", time.Minute); err == nil && ok {
					won.Add(1)
				}
			}()
		}
		wg.Wait()
		if got := won.Load(); got != 1 {
			t.Errorf("%d reservations succeeded, want 1", got)
		}
	})

	t.Run("keys are per actor", func(t *testing.T) {
		s := newStore(t)
		if err := s.Store(ctx, key, "hash-a", testBundle(), time.Hour); err != nil {
			t.Fatalf("Store error: %v", err)
		}
		_, found, err := s.Check(ctx, Key("create", 200, "key-1"), "hash-a")
		if err != nil || found {
			t.Errorf("other actor: found=%v err=%v, want miss", found, err)
		}
	})
}

// --- MemoryStore ---

func TestMemoryStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store { return NewMemoryStore(clock.NewManual(t0)) })
}

func TestMemoryStore_expiry(t *testing.T) {
	clk := clock.NewManual(t0)
	s := NewMemoryStore(clk)
	ctx := context.Background()
	key := Key("create", 100, "key-1")

	if err := s.Store(ctx, key, "hash-a", testBundle(), time.Minute); err != nil {
		t.Fatalf("Store error: %v", err)
	}
	clk.Advance(59 * time.Second)
	if _, found, _ := s.Check(ctx, key, "hash-a"); !found {
		t.Fatal("entry should still be live before the TTL")
	}

	clk.Advance(time.Second)
	if _, found, _ := s.Check(ctx, key, "hash-b"); found {
		t.Error("expired entry should not be found, even with another hash")
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want expired entry dropped", s.Len())
	}
}

func TestMemoryStore_isolatesCallers(t *testing.T) {
	s := NewMemoryStore(clock.NewManual(t0))
	ctx := context.Background()
	key := Key("create", 100, "key-1")

	b := testBundle()
	if err := s.Store(ctx, key, "hash-a", b, time.Hour); err != nil {
		t.Fatalf("Store error: %v", err)
	}
	b.Values[0].Value = "mutated"

	result, _, _ := s.Check(ctx, key, "hash-a")
	result.Values[0].Value = "also mutated"

	again, _, _ := s.Check(ctx, key, "hash-a")
	if again.Values[0].Value != "holiday" {
		t.Errorf("stored value = %q, want holiday", again.Values[0].Value)
	}
}

// --- RedisStore ---

func TestRedisStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store {
		mr := miniredis.RunT(t)
		return NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	})
}

func TestRedisStore_setsTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	key := Key("create", 100, "key-1")

	if err := s.Store(context.Background(), key, "hash-a", testBundle(), 10*time.Minute); err != nil {
		t.Fatalf("Store error: %v", err)
	}
	if ttl := mr.TTL(key); ttl != 10*time.Minute {
		t.Errorf("TTL = %v, want 10m", ttl)
	}

	mr.FastForward(11 * time.Minute)
	if _, found, _ := s.Check(context.Background(), key, "hash-a"); found {
		t.Error("entry should expire with its TTL")
	}
}

func TestMemoryStore_reservationExpires(t *testing.T) {
	clk := clock.NewManual(t0)
	s := NewMemoryStore(clk)
	ctx := context.Background()
	key := Key("create", 100, "key-1")

	if ok, _ := s.Reserve(ctx, key, "hash-a", time.Minute); !ok {
		t.Fatal("first Reserve should succeed")
	}
	clk.Advance(time.Minute)
	if ok, _ := s.Reserve(ctx, key, "hash-a", time.Minute); !ok {
		t.Error("Reserve should succeed once the old reservation expired")
	}
}

func TestRedisStore_corruptEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	key := Key("create", 100, "key-1")
	mr.Set(key, "{not json")

	if _, _, err := s.Check(context.Background(), key, "hash-a"); err == nil {
		t.Error("Check should fail on a corrupt entry")
	}
}

// --- helpers ---

func TestKey(t *testing.T) {
	if got := Key("create", 7, "abc"); got != "idem:create:7:abc" {
		t.Errorf("Key = %q", got)
	}
}

func TestHashInput(t *testing.T) {
	a, err := HashInput(map[string]any{"type_id": 1})
	if err != nil {
		t.Fatalf("HashInput error: %v", err)
	}
	b, _ := HashInput(map[string]any{"type_id": 1})
	c, _ := HashInput(map[string]any{"type_id": 2})
	if a != b {
		t.Error("equal input should hash equally")
	}
	if a == c {
		t.Error("different input should hash differently")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}
