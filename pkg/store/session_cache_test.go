package store

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"quizadmin/pkg/domain"
)

func TestRedisSessionCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedisSessionCache(mr.Addr(), "", 30*time.Second)
	if err != nil {
		t.Fatalf("new session cache: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })
	ctx := context.Background()

	if _, ok, err := cache.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}

	sess := domain.Session{
		Token:    "tok-1",
		Username: "admin",
		Role:     "administrator",
		Scopes:   []string{"questions:read", "process:config"},
	}
	if err := cache.Set(ctx, sess); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !mr.Exists("quizadmin:session:tok-1") {
		t.Fatalf("expected namespaced key in redis, keys=%v", mr.Keys())
	}
	if ttl := mr.TTL("quizadmin:session:tok-1"); ttl != 30*time.Second {
		t.Fatalf("ttl = %v, want 30s", ttl)
	}
	if raw, _ := mr.Get("quizadmin:session:tok-1"); strings.Contains(raw, "tok-1") {
		t.Fatalf("token must not be stored in the payload: %q", raw)
	}

	got, ok, err := cache.Get(ctx, "tok-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Token != "tok-1" || got.Username != "admin" || !reflect.DeepEqual(got.Scopes, sess.Scopes) {
		t.Fatalf("unexpected cached session: %+v", got)
	}

	mr.FastForward(31 * time.Second)
	if _, ok, _ := cache.Get(ctx, "tok-1"); ok {
		t.Fatalf("expected entry to expire")
	}

	if err := cache.Set(ctx, sess); err != nil {
		t.Fatalf("set again: %v", err)
	}
	if err := cache.Revoke(ctx, "tok-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := cache.Revoke(ctx, "tok-1"); err != nil {
		t.Fatalf("revoke missing: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "tok-1"); ok {
		t.Fatalf("expected entry revoked")
	}
}

func TestRedisSessionCacheRevokeBlocksLateSet(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedisSessionCache(mr.Addr(), "", 30*time.Second)
	if err != nil {
		t.Fatalf("new session cache: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })
	ctx := context.Background()
	sess := domain.Session{Token: "tok-2", Username: "admin", Role: "administrator"}

	// a lookup that read the row before logout writes after the revoke
	if err := cache.Revoke(ctx, "tok-2"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := cache.Set(ctx, sess); err != nil {
		t.Fatalf("late set: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "tok-2"); ok {
		t.Fatalf("revoked token must not be cached again")
	}
	if ttl := mr.TTL("quizadmin:session:revoked:tok-2"); ttl != 30*time.Second {
		t.Fatalf("revocation marker ttl = %v, want 30s", ttl)
	}

	// other tokens are unaffected
	other := domain.Session{Token: "tok-3", Username: "user", Role: "user"}
	if err := cache.Set(ctx, other); err != nil {
		t.Fatalf("set other: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "tok-3"); !ok {
		t.Fatalf("expected other token cached")
	}
}

func TestRedisSessionCacheReportsBackendErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedisSessionCache(mr.Addr(), "", time.Minute)
	if err != nil {
		t.Fatalf("new session cache: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })
	mr.Close()

	if _, _, err := cache.Get(context.Background(), "tok"); err == nil {
		t.Fatalf("expected error when redis is down")
	}
	if err := cache.Revoke(context.Background(), "tok"); err == nil {
		t.Fatalf("expected revoke error when redis is down")
	}
}

func TestNewRedisSessionCacheValidatesInput(t *testing.T) {
	if _, err := NewRedisSessionCache("", "", time.Minute); err == nil {
		t.Fatalf("expected error for empty addr")
	}
	if _, err := NewRedisSessionCache("127.0.0.1:6379", "", 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}
