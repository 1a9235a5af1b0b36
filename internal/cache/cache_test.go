package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/underwrite/internal/domain"
)

func testDecision(id string) *domain.Decision {
	return &domain.Decision{
		ID:       id,
		PolicyID: domain.DefaultPolicyID,
		Status:   domain.StatusApprove,
		Eligible: true,
		Result: &domain.EngineResult{
			EligibilityOverall: true,
			Pricing:            domain.PricingResult{BasePrice: 101.0, LLPATotalBps: 0.5, NetPrice: 100.995},
		},
		Metadata: domain.DecisionMetadata{PolicyVersion: "2024.1"},
	}
}

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := cache.SetDecision(ctx, "default:abc", testDecision("dec-001"), time.Minute); err != nil {
			t.Fatalf("SetDecision failed: %v", err)
		}

		d, err := cache.GetDecision(ctx, "default:abc")
		if err != nil {
			t.Fatalf("GetDecision failed: %v", err)
		}
		if d == nil || d.ID != "dec-001" {
			t.Fatalf("expected dec-001, got %+v", d)
		}
		if d.Result.Pricing.NetPrice != 100.995 {
			t.Errorf("expected NetPrice 100.995, got %.3f", d.Result.Pricing.NetPrice)
		}
	})

	t.Run("Miss", func(t *testing.T) {
		d, err := cache.GetDecision(ctx, "default:unknown")
		if err != nil || d != nil {
			t.Errorf("expected nil miss, got %v, %v", d, err)
		}
	})

	t.Run("ReturnsCopies", func(t *testing.T) {
		_ = cache.SetDecision(ctx, "default:copy", testDecision("dec-copy"), time.Minute)

		first, _ := cache.GetDecision(ctx, "default:copy")
		first.Metadata.Cached = true
		first.Metadata.TraceID = "trace-1"

		second, _ := cache.GetDecision(ctx, "default:copy")
		if second.Metadata.Cached || second.Metadata.TraceID != "" {
			t.Errorf("metadata changes leaked into the cache: %+v", second.Metadata)
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.SetDecision(ctx, "default:expiring", testDecision("dec-ttl"), 10*time.Millisecond)

		if d, _ := cache.GetDecision(ctx, "default:expiring"); d == nil {
			t.Error("expected decision before expiration")
		}

		time.Sleep(20 * time.Millisecond)

		if d, _ := cache.GetDecision(ctx, "default:expiring"); d != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("ZeroTTLKeeps", func(t *testing.T) {
		_ = cache.SetDecision(ctx, "default:forever", testDecision("dec-0"), 0)
		if d, _ := cache.GetDecision(ctx, "default:forever"); d == nil {
			t.Error("expected a zero TTL to keep the decision")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		small := NewLRUCache(3)

		_ = small.SetDecision(ctx, "a", testDecision("a"), time.Minute)
		_ = small.SetDecision(ctx, "b", testDecision("b"), time.Minute)
		_ = small.SetDecision(ctx, "c", testDecision("c"), time.Minute)

		// Touch a so b is the least recently used.
		_, _ = small.GetDecision(ctx, "a")
		_ = small.SetDecision(ctx, "d", testDecision("d"), time.Minute)

		if d, _ := small.GetDecision(ctx, "b"); d != nil {
			t.Error("expected 'b' to be evicted")
		}
		if d, _ := small.GetDecision(ctx, "a"); d == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = cache.SetDecision(ctx, "default:over", testDecision("old"), time.Minute)
		_ = cache.SetDecision(ctx, "default:over", testDecision("new"), time.Minute)

		d, _ := cache.GetDecision(ctx, "default:over")
		if d == nil || d.ID != "new" {
			t.Errorf("expected overwritten decision, got %+v", d)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		c := NewLRUCache(50)
		_ = c.SetDecision(ctx, "k1", testDecision("1"), time.Minute)
		_ = c.SetDecision(ctx, "k2", testDecision("2"), time.Minute)
		_, _ = c.GetDecision(ctx, "k1")
		_, _ = c.GetDecision(ctx, "k3")

		s := c.Stats()
		if s.Size != 2 || s.Capacity != 50 {
			t.Errorf("expected size 2 capacity 50, got %+v", s)
		}
		if s.Hits != 1 || s.Misses != 1 {
			t.Errorf("expected 1 hit and 1 miss, got %+v", s)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		c := NewLRUCache(10)
		_ = c.SetDecision(ctx, "k", testDecision("k"), time.Minute)

		if err := c.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		if d, _ := c.GetDecision(ctx, "k"); d != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cache, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("NoneType", func(t *testing.T) {
		cache, err := New(domain.CacheConfig{Type: "none"})
		if err != nil || cache != nil {
			t.Errorf("expected no cache, got %v, %v", cache, err)
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestDecisionKey(t *testing.T) {
	a := &domain.Scenario{
		Borrower: domain.Borrower{
			CreditScore:  760,
			MonthlyDebts: map[string]float64{"car": 400, "student": 250, "card": 75},
		},
		Loan: domain.Loan{LoanAmount: 300000},
	}
	b := &domain.Scenario{
		Borrower: domain.Borrower{
			CreditScore:  760,
			MonthlyDebts: map[string]float64{"card": 75, "student": 250, "car": 400},
		},
		Loan: domain.Loan{LoanAmount: 300000},
	}

	ka, err := DecisionKey("default", "tables-1", "overlays-1", a)
	if err != nil {
		t.Fatalf("DecisionKey failed: %v", err)
	}
	if !strings.HasPrefix(ka, "default:") {
		t.Errorf("expected the policy ID as prefix, got %q", ka)
	}

	t.Run("EqualScenariosShareKey", func(t *testing.T) {
		kb, _ := DecisionKey("default", "tables-1", "overlays-1", b)
		if ka != kb {
			t.Errorf("equal scenarios should share a key: %s vs %s", ka, kb)
		}
	})

	t.Run("ScenarioChange", func(t *testing.T) {
		c := *b
		c.Loan.LoanAmount = 300001
		kc, _ := DecisionKey("default", "tables-1", "overlays-1", &c)
		if kc == ka {
			t.Error("different scenarios should not share a key")
		}
	})

	t.Run("TablesChange", func(t *testing.T) {
		k, _ := DecisionKey("default", "tables-2", "overlays-1", a)
		if k == ka {
			t.Error("different policy tables should not share a key")
		}
	})

	t.Run("OverlaysChange", func(t *testing.T) {
		k, _ := DecisionKey("default", "tables-1", "overlays-2", a)
		if k == ka {
			t.Error("different overlay sets should not share a key")
		}
	})

	t.Run("RequiresFingerprint", func(t *testing.T) {
		if _, err := DecisionKey("default", "", "overlays-1", a); err == nil {
			t.Error("expected error without a policy fingerprint")
		}
	})
}
