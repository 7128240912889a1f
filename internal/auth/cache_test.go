package auth

import (
	"testing"
	"time"
)

func TestIdentityCache_MissOnEmpty(t *testing.T) {
	c := NewIdentityCache(time.Minute)
	if res := c.Get("nope"); res.Hit {
		t.Errorf("expected miss on empty cache, got %+v", res)
	}
}

func TestIdentityCache_FreshHit(t *testing.T) {
	c := NewIdentityCache(time.Minute)
	c.Set("key-1", "alice")

	res := c.Get("key-1")
	if !res.Hit {
		t.Fatalf("expected hit")
	}
	if res.Identity != "alice" {
		t.Errorf("identity = %q, want alice", res.Identity)
	}
	if res.NeedsRefresh {
		t.Errorf("fresh entry should not need refresh")
	}
}

func TestIdentityCache_StaleHitSignalsRefreshOnce(t *testing.T) {
	c := NewIdentityCache(-time.Second) // entries are born expired
	c.Set("key-1", "alice")

	first := c.Get("key-1")
	if !first.Hit || first.Identity != "alice" {
		t.Fatalf("stale entry should still be served: %+v", first)
	}
	if !first.NeedsRefresh {
		t.Fatalf("first stale read should win the refresh CAS")
	}

	second := c.Get("key-1")
	if !second.Hit {
		t.Fatalf("stale entry should still be served on second read")
	}
	if second.NeedsRefresh {
		t.Errorf("only one reader should be told to refresh")
	}
}

func TestIdentityCache_SetResetsRefreshFlag(t *testing.T) {
	c := NewIdentityCache(-time.Second)
	c.Set("key-1", "alice")
	c.Get("key-1") // consume the refresh signal

	c.Set("key-1", "alice") // refreshed entry
	if res := c.Get("key-1"); !res.NeedsRefresh {
		t.Errorf("re-set entry should allow a new refresh cycle once expired")
	}
}

func TestIdentityCache_Delete(t *testing.T) {
	c := NewIdentityCache(time.Minute)
	c.Set("key-1", "alice")
	c.Delete("key-1")
	if res := c.Get("key-1"); res.Hit {
		t.Errorf("deleted entry should miss")
	}
}
