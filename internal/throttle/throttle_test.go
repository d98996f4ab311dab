package throttle

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupStats(t *testing.T) *EndpointStatistics {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client)
}

func TestIncrementDecrementRoundTrip(t *testing.T) {
	stats := setupStats(t)
	ctx := context.Background()

	count, err := stats.InProgressRegions(ctx, "test-endpoint")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 in-progress regions, got %d", count)
	}

	for i := 0; i < 3; i++ {
		if err := stats.IncrementRegions(ctx, "test-endpoint"); err != nil {
			t.Fatalf("increment %d failed: %v", i, err)
		}
	}
	count, err = stats.InProgressRegions(ctx, "test-endpoint")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 in-progress regions, got %d", count)
	}

	if err := stats.DecrementRegions(ctx, "test-endpoint"); err != nil {
		t.Fatalf("decrement failed: %v", err)
	}
	count, _ = stats.InProgressRegions(ctx, "test-endpoint")
	if count != 2 {
		t.Errorf("expected 2 in-progress regions, got %d", count)
	}
}

func TestDecrementNeverGoesNegative(t *testing.T) {
	stats := setupStats(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := stats.DecrementRegions(ctx, "idle-endpoint"); err != nil {
			t.Fatalf("decrement %d failed: %v", i, err)
		}
	}
	count, err := stats.InProgressRegions(ctx, "idle-endpoint")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Errorf("expected counter floored at 0, got %d", count)
	}
}

func TestCountersAreIndependentPerEndpoint(t *testing.T) {
	stats := setupStats(t)
	ctx := context.Background()

	if err := stats.IncrementRegions(ctx, "endpoint-a"); err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	count, err := stats.InProgressRegions(ctx, "endpoint-b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Errorf("expected endpoint-b untouched, got %d", count)
	}
}
