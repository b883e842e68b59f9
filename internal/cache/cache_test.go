package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"beatflo/internal/models"
)

func TestMemoryGetSet(t *testing.T) {
	c := NewMemory(time.Minute)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "abc"); err != nil || ok {
		t.Fatalf("expected miss on empty cache, got ok=%v err=%v", ok, err)
	}

	wf := models.Waveform{Peaks: []float64{0.1, 0.9}, Duration: 42}
	if err := c.Set(ctx, "abc", wf); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok, err := c.Get(ctx, "abc")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if got.Duration != 42 || len(got.Peaks) != 2 {
		t.Fatalf("wrong cached value: %+v", got)
	}
}

func TestMemoryExpiry(t *testing.T) {
	c := NewMemory(10 * time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if err := c.Set(ctx, "abc", models.Waveform{Duration: 1}); err != nil {
		t.Fatalf("set: %v", err)
	}

	now = now.Add(9 * time.Minute)
	if _, ok, _ := c.Get(ctx, "abc"); !ok {
		t.Fatal("entry expired too early")
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := c.Get(ctx, "abc"); ok {
		t.Fatal("entry should have expired")
	}
}

func TestMemorySweep(t *testing.T) {
	c := NewMemory(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.Set(ctx, "old", models.Waveform{})
	now = now.Add(2 * time.Minute)
	c.Set(ctx, "fresh", models.Waveform{})

	if removed := c.Sweep(); removed != 1 {
		t.Fatalf("expected 1 evicted, got %d", removed)
	}
	if _, ok, _ := c.Get(ctx, "fresh"); !ok {
		t.Fatal("fresh entry must survive the sweep")
	}
}

func TestRedisRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := NewRedis(client, time.Hour)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "vid1"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	wf := models.Waveform{Peaks: []float64{0.2, 0.5, 1}, Duration: 180, Fallback: true}
	if err := c.Set(ctx, "vid1", wf); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok, err := c.Get(ctx, "vid1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if got.Duration != 180 || !got.Fallback || len(got.Peaks) != 3 {
		t.Fatalf("wrong cached value: %+v", got)
	}

	// Entries expire on the Redis side.
	mr.FastForward(2 * time.Hour)
	if _, ok, _ := c.Get(ctx, "vid1"); ok {
		t.Fatal("entry should have expired in redis")
	}
}
