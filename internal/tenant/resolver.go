package tenant

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tiendabot/tiendabot-backend/internal/storage"
)

var (
	// ErrTenantUnresolved means no resolution source produced a tenant that
	// exists in the registry. Callers must fail the request; falling back to
	// a default tenant would expose one tenant's data to another.
	ErrTenantUnresolved = errors.New("tenant unresolved")

	// ErrNotTenantScoped is returned for allowlisted routing keys (health
	// checks, admin console hosts) that are legitimate but carry no tenant.
	ErrNotTenantScoped = errors.New("request is not tenant scoped")
)

// Resolution methods recorded in audit events.
const (
	MethodInternal = "internal_binding"
	MethodSlug     = "routing_key"
	MethodChannel  = "channel_binding"
	MethodNone     = "none"
)

// Request carries everything a caller can offer for tenant resolution, in
// priority order: a signed internal binding, a channel (the WhatsApp number
// the message was sent to), and a routing key (subdomain).
type Request struct {
	InternalToken string
	Channel       string
	RoutingKey    string
}

// AuditEvent describes one resolution attempt. Misrouted tenants are the
// primary risk class of this system, so every attempt is recorded.
type AuditEvent struct {
	TenantID   string
	Method     string
	RoutingKey string
	Resolved   bool
	Err        string
	Latency    time.Duration
}

// AuditFunc receives resolution audit events.
type AuditFunc func(AuditEvent)

// Resolver turns inbound request context into a tenant id. Lookups go
// through a TTL cache; internal bindings are verified JWTs and are still
// checked against the registry before being trusted.
type Resolver struct {
	store          storage.Store
	cache          *Cache
	internalSecret []byte
	allowlist      map[string]bool
	audit          AuditFunc
	nowFunc        func() time.Time
}

// NewResolver creates a resolver. allowlist names routing keys that are
// valid without a tenant (e.g. "www", "health"); they never resolve to a
// business tenant.
func NewResolver(store storage.Store, cache *Cache, internalSecret string, allowlist []string, audit AuditFunc) *Resolver {
	allowed := make(map[string]bool, len(allowlist))
	for _, key := range allowlist {
		allowed[key] = true
	}
	r := &Resolver{
		store:          store,
		cache:          cache,
		internalSecret: []byte(internalSecret),
		allowlist:      allowed,
		audit:          audit,
		nowFunc:        time.Now,
	}
	if r.audit == nil {
		r.audit = logAudit
	}
	return r
}

func logAudit(event AuditEvent) {
	if event.Resolved {
		log.Printf("tenant resolved: id=%s method=%s key=%q latency=%s",
			event.TenantID, event.Method, event.RoutingKey, event.Latency)
		return
	}
	log.Printf("tenant resolution failed: method=%s key=%q err=%s latency=%s",
		event.Method, event.RoutingKey, event.Err, event.Latency)
}

// Resolve returns the tenant id for the request, or ErrTenantUnresolved /
// ErrNotTenantScoped. First match wins: internal binding, then channel
// binding, then routing key.
func (r *Resolver) Resolve(req Request) (string, error) {
	start := r.nowFunc()

	tenantID, method, err := r.resolve(req)

	event := AuditEvent{
		TenantID:   tenantID,
		Method:     method,
		RoutingKey: req.RoutingKey,
		Resolved:   err == nil,
		Latency:    r.nowFunc().Sub(start),
	}
	if err != nil {
		event.Err = err.Error()
	}
	r.audit(event)

	return tenantID, err
}

func (r *Resolver) resolve(req Request) (string, string, error) {
	if req.InternalToken != "" {
		tenantID, err := r.resolveInternal(req.InternalToken)
		return tenantID, MethodInternal, err
	}
	if req.Channel != "" {
		tenantID, err := r.resolveCached("channel:"+req.Channel, func() (*string, error) {
			tenant, err := r.store.GetTenantByChannel(req.Channel)
			if err != nil {
				return nil, err
			}
			return &tenant.ID, nil
		})
		if err == nil {
			return tenantID, MethodChannel, nil
		}
		// fall through to the routing key; the channel alone not being
		// bound is not yet a failure
	}
	if req.RoutingKey != "" {
		if r.allowlist[req.RoutingKey] {
			return "", MethodSlug, ErrNotTenantScoped
		}
		tenantID, err := r.resolveCached("slug:"+req.RoutingKey, func() (*string, error) {
			tenant, err := r.store.GetTenantBySlug(req.RoutingKey)
			if err != nil {
				return nil, err
			}
			return &tenant.ID, nil
		})
		return tenantID, MethodSlug, err
	}
	return "", MethodNone, ErrTenantUnresolved
}

// resolveInternal verifies a signed binding from a trusted internal caller.
// The claimed tenant must still exist in the registry.
func (r *Resolver) resolveInternal(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.internalSecret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrTenantUnresolved
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrTenantUnresolved
	}
	tenantID, _ := claims["tenant_id"].(string)
	if tenantID == "" {
		return "", ErrTenantUnresolved
	}

	if _, err := r.store.GetTenant(tenantID); err != nil {
		return "", ErrTenantUnresolved
	}
	return tenantID, nil
}

func (r *Resolver) resolveCached(cacheKey string, lookup func() (*string, error)) (string, error) {
	if tenantID, negative, found := r.cache.Get(cacheKey); found {
		if negative {
			return "", ErrTenantUnresolved
		}
		return tenantID, nil
	}

	tenantID, err := lookup()
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r.cache.PutNegative(cacheKey)
			return "", ErrTenantUnresolved
		}
		return "", err
	}

	r.cache.Put(cacheKey, *tenantID)
	return *tenantID, nil
}

// InvalidateSlug drops a slug from the cache, for use after RenameTenantSlug.
func (r *Resolver) InvalidateSlug(slug string) {
	r.cache.Invalidate("slug:" + slug)
}

// MintInternalToken signs a tenant binding for trusted internal callers,
// e.g. jobs that already know their tenant.
func MintInternalToken(secret, tenantID string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tenant_id": tenantID,
		"exp":       time.Now().Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}
