package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"plantchat/internal/store"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	redisStore, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return redisStore, s
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	redisStore, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer redisStore.Close()

	if err := redisStore.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not-a-url"); err == nil {
		t.Fatalf("expected error for malformed URL")
	}
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	redisStore, s := setupTestRedis(t)
	defer redisStore.Close()
	defer s.Close()

	ctx := context.Background()
	user := store.User{ID: "usr_a", Username: "anna", Role: "team", Department: "line_3"}

	if err := redisStore.SaveRefreshSession(ctx, "hash-1", user, time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	got, err := redisStore.LookupRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("LookupRefreshSession failed: %v", err)
	}
	if got.ID != user.ID || got.Username != user.Username || got.Role != user.Role || got.Department != user.Department {
		t.Errorf("looked-up user mismatch: got %+v want %+v", got, user)
	}
}

func TestLookupUnknownTokenFails(t *testing.T) {
	redisStore, s := setupTestRedis(t)
	defer redisStore.Close()
	defer s.Close()

	if _, err := redisStore.LookupRefreshSession(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for unknown token")
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	redisStore, s := setupTestRedis(t)
	defer redisStore.Close()
	defer s.Close()

	ctx := context.Background()
	user := store.User{ID: "usr_a", Username: "anna", Role: "team"}
	if err := redisStore.SaveRefreshSession(ctx, "hash-1", user, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := redisStore.RevokeRefreshSession(ctx, "hash-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := redisStore.LookupRefreshSession(ctx, "hash-1"); err == nil {
		t.Fatalf("expected revoked token to be gone")
	}
}

func TestRefreshSessionExpires(t *testing.T) {
	redisStore, s := setupTestRedis(t)
	defer redisStore.Close()
	defer s.Close()

	ctx := context.Background()
	user := store.User{ID: "usr_a", Username: "anna", Role: "team"}
	if err := redisStore.SaveRefreshSession(ctx, "hash-1", user, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("save: %v", err)
	}

	s.FastForward(2 * time.Minute)

	if _, err := redisStore.LookupRefreshSession(ctx, "hash-1"); err == nil {
		t.Fatalf("expected expired token to be gone")
	}
}
