package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestIdempotencyService_NewRequest(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())

	result, err := svc.CheckOrReserve(context.Background(), "admin@carbonconsole.com", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new request, got: %+v", result)
	}
}

func TestIdempotencyService_DuplicateRequest(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "user1@example.com", "key-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}

	if _, err := svc.CheckOrReserve(ctx, "user1@example.com", "key-1"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestIdempotencyService_StoreThenReplay(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	reserved, err := svc.Reserve(ctx, "user1@example.com", "key-1")
	if err != nil || !reserved {
		t.Fatalf("reserve failed: %v, reserved: %v", err, reserved)
	}

	body := json.RawMessage(`{"operation_id":"op-789","carbon_score":50}`)
	if err := svc.Store(ctx, "user1@example.com", "key-1", &IdempotencyResult{
		OperationID: "op-789",
		StatusCode:  201,
		Body:        body,
	}, IdempotencyTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	cached, err := svc.CheckOrReserve(ctx, "user1@example.com", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if cached == nil || cached.OperationID != "op-789" || cached.StatusCode != 201 {
		t.Fatalf("unexpected cached result: %+v", cached)
	}
	if string(cached.Body) != string(body) {
		t.Errorf("expected body %s, got %s", body, cached.Body)
	}
	if cached.CreatedAt == 0 {
		t.Error("expected CreatedAt to be filled in")
	}
}

func TestIdempotencyService_ScopeIsolation(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "user1@example.com", "same-key"); err != nil {
		t.Fatalf("user1 failed: %v", err)
	}

	result, err := svc.CheckOrReserve(ctx, "user2@example.com", "same-key")
	if err != nil {
		t.Fatalf("user2 should succeed: %v", err)
	}
	if result != nil {
		t.Fatal("user2 should get nil (new request)")
	}
}

func TestIdempotencyService_ReleaseAllowsRetry(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "s", "k"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := svc.Release(ctx, "s", "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := svc.CheckOrReserve(ctx, "s", "k"); err != nil {
		t.Fatalf("expected key to be reusable after release, got %v", err)
	}
}

func TestIdempotencyService_ReservationExpires(t *testing.T) {
	client, mr := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "s", "k"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	mr.FastForward(processingTTL + time.Second)

	if _, err := svc.CheckOrReserve(ctx, "s", "k"); err != nil {
		t.Fatalf("expected expired reservation to be free, got %v", err)
	}
}

func TestIdempotencyService_CorruptValue(t *testing.T) {
	client, mr := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())

	if err := mr.Set(svc.buildKey("s", "k"), "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := svc.Check(context.Background(), "s", "k"); err == nil {
		t.Fatal("expected error for corrupt cached value")
	}
}
