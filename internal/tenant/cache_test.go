package tenant

import (
	"container/list"
	"testing"
	"time"

	"github.com/dhirmadi/imgpub/internal/config"
)

func newTestResolver(maxSize int) *Resolver {
	return &Resolver{
		cfg:     config.Orchestrator{CacheMaxSize: maxSize},
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func TestCacheStoreAndLookupHit(t *testing.T) {
	r := newTestResolver(10)
	cfg := &config.TenantConfig{TenantID: "acme"}

	r.store("acme.example.com", cfg, time.Minute)

	entry, ok := r.lookup("acme.example.com")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if entry.config.TenantID != "acme" {
		t.Fatalf("tenant_id = %q", entry.config.TenantID)
	}
}

func TestCacheExpiry(t *testing.T) {
	r := newTestResolver(10)
	cfg := &config.TenantConfig{TenantID: "acme"}

	r.store("acme.example.com", cfg, -time.Second) // already expired

	entry, ok := r.lookup("acme.example.com")
	if !ok {
		t.Fatal("expired entry should still be present for stale-serve")
	}
	if !time.Now().After(entry.expiresAt) {
		t.Fatal("expected entry to be expired")
	}
}

func TestCacheLRUEviction(t *testing.T) {
	r := newTestResolver(2)

	r.store("a.example.com", &config.TenantConfig{TenantID: "a"}, time.Minute)
	r.store("b.example.com", &config.TenantConfig{TenantID: "b"}, time.Minute)
	r.store("c.example.com", &config.TenantConfig{TenantID: "c"}, time.Minute) // evicts "a" (LRU)

	if _, ok := r.lookup("a.example.com"); ok {
		t.Fatal("expected least-recently-used entry to be evicted")
	}
	if _, ok := r.lookup("b.example.com"); !ok {
		t.Fatal("expected b to remain cached")
	}
	if _, ok := r.lookup("c.example.com"); !ok {
		t.Fatal("expected c to remain cached")
	}
}

func TestCacheInvalidateSingleHost(t *testing.T) {
	r := newTestResolver(10)
	r.store("a.example.com", &config.TenantConfig{TenantID: "a"}, time.Minute)
	r.store("b.example.com", &config.TenantConfig{TenantID: "b"}, time.Minute)

	r.Invalidate("a.example.com")

	if _, ok := r.lookup("a.example.com"); ok {
		t.Fatal("expected a to be evicted")
	}
	if _, ok := r.lookup("b.example.com"); !ok {
		t.Fatal("expected b to remain cached")
	}
}

func TestCacheInvalidateAll(t *testing.T) {
	r := newTestResolver(10)
	r.store("a.example.com", &config.TenantConfig{TenantID: "a"}, time.Minute)
	r.store("b.example.com", &config.TenantConfig{TenantID: "b"}, time.Minute)

	r.Invalidate("")

	if _, ok := r.lookup("a.example.com"); ok {
		t.Fatal("expected full flush")
	}
	if _, ok := r.lookup("b.example.com"); ok {
		t.Fatal("expected full flush")
	}
}
