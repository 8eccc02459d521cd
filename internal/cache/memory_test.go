package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCacheSetGet(t *testing.T) {
	mc := NewMemoryCache(100, time.Minute)
	defer mc.Close()
	ctx := context.Background()

	if err := mc.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, found, err := mc.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found {
		t.Fatal("key missing after Set")
	}
	if string(val) != "v" {
		t.Errorf("value = %q", val)
	}

	if _, found, _ := mc.Get(ctx, "absent"); found {
		t.Error("absent key reported found")
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	mc := NewMemoryCache(100, time.Minute)
	defer mc.Close()
	ctx := context.Background()

	mc.Set(ctx, "k", []byte("v"), 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if _, found, _ := mc.Get(ctx, "k"); found {
		t.Error("expired entry served")
	}
}

func TestMemoryCacheDelete(t *testing.T) {
	mc := NewMemoryCache(100, time.Minute)
	defer mc.Close()
	ctx := context.Background()

	mc.Set(ctx, "k", []byte("v"), time.Minute)
	mc.Delete(ctx, "k")
	if _, found, _ := mc.Get(ctx, "k"); found {
		t.Error("deleted entry served")
	}
}

func TestMemoryCacheGetMultiple(t *testing.T) {
	mc := NewMemoryCache(100, time.Minute)
	defer mc.Close()
	ctx := context.Background()

	mc.SetMultiple(ctx, map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
	}, time.Minute)
	mc.Set(ctx, "expired", []byte("3"), -time.Second)

	result, err := mc.GetMultiple(ctx, []string{"a", "b", "expired", "absent"})
	if err != nil {
		t.Fatalf("GetMultiple failed: %v", err)
	}
	if len(result) != 2 {
		t.Errorf("got %d entries, want 2: %v", len(result), result)
	}
	if string(result["a"]) != "1" || string(result["b"]) != "2" {
		t.Errorf("values = %v", result)
	}
}

func TestMemoryCacheCloseIdempotent(t *testing.T) {
	mc := NewMemoryCache(100, time.Minute)
	mc.Close()
	mc.Close()
}

func TestFeedTTLByType(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.FeedTTL("user") != cfg.UserFeedTTL {
		t.Error("user feed TTL mismatch")
	}
	if cfg.FeedTTL("book") != cfg.BookFeedTTL {
		t.Error("book feed TTL mismatch")
	}
	if cfg.FeedTTL("global") != cfg.GlobalFeedTTL {
		t.Error("global feed TTL mismatch")
	}
	if cfg.FeedTTL("anything-else") != cfg.GlobalFeedTTL {
		t.Error("unknown feed type must fall back to global TTL")
	}
}
