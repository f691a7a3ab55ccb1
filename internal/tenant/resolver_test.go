package tenant

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/tiendabot/tiendabot-backend/internal/models"
	"github.com/tiendabot/tiendabot-backend/internal/storage"
)

const testSecret = "unit-test-internal-secret"

func newTestResolver(t *testing.T) (*Resolver, storage.Store, *[]AuditEvent) {
	t.Helper()
	store := storage.NewMemoryStore()

	tenants := []*models.Tenant{
		{ID: "TEN-A", Name: "Tienda A", Slug: "tienda-a", Currency: "MXN", WhatsAppNumber: "+15550000001", Active: true},
		{ID: "TEN-B", Name: "Tienda B", Slug: "tienda-b", Currency: "MXN", WhatsAppNumber: "+15550000002", Active: true},
	}
	for _, tn := range tenants {
		if err := store.CreateTenant(tn); err != nil {
			t.Fatalf("CreateTenant: %v", err)
		}
	}

	var events []AuditEvent
	audit := func(e AuditEvent) { events = append(events, e) }

	resolver := NewResolver(store, NewCache(time.Minute), testSecret, []string{"www", "health"}, audit)
	return resolver, store, &events
}

func TestResolveByRoutingKey(t *testing.T) {
	resolver, _, events := newTestResolver(t)

	tenantID, err := resolver.Resolve(Request{RoutingKey: "tienda-a"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tenantID != "TEN-A" {
		t.Fatalf("expected TEN-A, got %s", tenantID)
	}

	if len(*events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(*events))
	}
	event := (*events)[0]
	if !event.Resolved || event.Method != MethodSlug || event.TenantID != "TEN-A" {
		t.Fatalf("unexpected audit event: %+v", event)
	}
}

func TestResolveByChannelBinding(t *testing.T) {
	resolver, _, _ := newTestResolver(t)

	tenantID, err := resolver.Resolve(Request{Channel: "+15550000002"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tenantID != "TEN-B" {
		t.Fatalf("expected TEN-B, got %s", tenantID)
	}
}

func TestResolveNeverFallsBackToDefaultTenant(t *testing.T) {
	resolver, _, events := newTestResolver(t)

	_, err := resolver.Resolve(Request{RoutingKey: "no-such-store"})
	if !errors.Is(err, ErrTenantUnresolved) {
		t.Fatalf("expected ErrTenantUnresolved, got %v", err)
	}

	if len(*events) != 1 || (*events)[0].Resolved {
		t.Fatalf("expected one failed audit event, got %+v", *events)
	}
}

func TestResolveAllowlistedKeysAreNotTenants(t *testing.T) {
	resolver, _, _ := newTestResolver(t)

	_, err := resolver.Resolve(Request{RoutingKey: "health"})
	if !errors.Is(err, ErrNotTenantScoped) {
		t.Fatalf("expected ErrNotTenantScoped, got %v", err)
	}
}

func TestResolveEmptyRequestFails(t *testing.T) {
	resolver, _, _ := newTestResolver(t)

	if _, err := resolver.Resolve(Request{}); !errors.Is(err, ErrTenantUnresolved) {
		t.Fatalf("expected ErrTenantUnresolved, got %v", err)
	}
}

func TestResolveInternalBinding(t *testing.T) {
	resolver, _, _ := newTestResolver(t)

	token, err := MintInternalToken(testSecret, "TEN-A", time.Minute)
	if err != nil {
		t.Fatalf("MintInternalToken: %v", err)
	}

	tenantID, err := resolver.Resolve(Request{InternalToken: token})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tenantID != "TEN-A" {
		t.Fatalf("expected TEN-A, got %s", tenantID)
	}
}

func TestResolveInternalBindingRejectsForgedToken(t *testing.T) {
	resolver, _, _ := newTestResolver(t)

	forged, err := MintInternalToken("wrong-secret-wrong-secret", "TEN-A", time.Minute)
	if err != nil {
		t.Fatalf("MintInternalToken: %v", err)
	}

	if _, err := resolver.Resolve(Request{InternalToken: forged}); !errors.Is(err, ErrTenantUnresolved) {
		t.Fatalf("expected ErrTenantUnresolved for forged token, got %v", err)
	}
}

func TestResolveInternalBindingRejectsUnknownTenant(t *testing.T) {
	resolver, _, _ := newTestResolver(t)

	token, err := MintInternalToken(testSecret, "TEN-GONE", time.Minute)
	if err != nil {
		t.Fatalf("MintInternalToken: %v", err)
	}

	if _, err := resolver.Resolve(Request{InternalToken: token}); !errors.Is(err, ErrTenantUnresolved) {
		t.Fatalf("expected ErrTenantUnresolved for unknown tenant, got %v", err)
	}
}

func TestResolveUsesNegativeCache(t *testing.T) {
	resolver, store, _ := newTestResolver(t)

	if _, err := resolver.Resolve(Request{RoutingKey: "late-store"}); !errors.Is(err, ErrTenantUnresolved) {
		t.Fatalf("expected miss, got %v", err)
	}

	// The tenant appears after the miss was cached; until the TTL passes
	// the resolver keeps answering from the negative entry.
	err := store.CreateTenant(&models.Tenant{ID: "TEN-C", Slug: "late-store", Active: true})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}

	if _, err := resolver.Resolve(Request{RoutingKey: "late-store"}); !errors.Is(err, ErrTenantUnresolved) {
		t.Fatalf("expected negative cache hit, got %v", err)
	}

	resolver.InvalidateSlug("late-store")
	tenantID, err := resolver.Resolve(Request{RoutingKey: "late-store"})
	if err != nil || tenantID != "TEN-C" {
		t.Fatalf("expected TEN-C after invalidation, got %s / %v", tenantID, err)
	}
}

// Random routing keys must only ever resolve to their own tenant or fail;
// no input may land on another tenant's data.
func TestResolutionIsolationProperty(t *testing.T) {
	resolver, store, _ := newTestResolver(t)
	rng := rand.New(rand.NewSource(7))

	known := map[string]string{"tienda-a": "TEN-A", "tienda-b": "TEN-B"}
	for i := 0; i < 50; i++ {
		slug := fmt.Sprintf("store-%d", rng.Intn(2000))
		if _, dup := known[slug]; dup {
			continue
		}
		id := fmt.Sprintf("TEN-R%d", i)
		if err := store.CreateTenant(&models.Tenant{ID: id, Slug: slug, Active: true}); err != nil {
			t.Fatalf("CreateTenant: %v", err)
		}
		known[slug] = id
	}

	for i := 0; i < 500; i++ {
		slug := fmt.Sprintf("store-%d", rng.Intn(4000))
		tenantID, err := resolver.Resolve(Request{RoutingKey: slug})

		expected, exists := known[slug]
		if !exists {
			if !errors.Is(err, ErrTenantUnresolved) {
				t.Fatalf("slug %q: expected ErrTenantUnresolved, got id=%q err=%v", slug, tenantID, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("slug %q: unexpected error %v", slug, err)
		}
		if tenantID != expected {
			t.Fatalf("slug %q resolved to %q, expected %q: cross-tenant leak", slug, tenantID, expected)
		}
	}
}
