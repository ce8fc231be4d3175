package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"sentra.org/internal/cache"
	"sentra.org/internal/obs"
)

// PermissionSet is the effective capability set for one (user, organization)
// pair.
type PermissionSet map[string]struct{}

// Has reports whether the set contains the permission key.
func (s PermissionSet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Keys returns the sorted permission keys.
func (s PermissionSet) Keys() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func newPermissionSet(keys []string) PermissionSet {
	set := make(PermissionSet, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		set[k] = struct{}{}
	}
	return set
}

// PermissionResolver derives effective permission sets, cache-first with a
// source-of-truth fallback. The cache is injected and explicitly owned by the
// process lifecycle; a cache failure behaves exactly like a miss.
type PermissionResolver struct {
	store   PermissionStore
	cache   cache.Cache
	ttl     time.Duration
	timeout time.Duration
}

// PermissionResolverOption configures the resolver.
type PermissionResolverOption func(*PermissionResolver)

// WithResolveTimeout bounds how long one resolution may take before failing
// closed.
func WithResolveTimeout(d time.Duration) PermissionResolverOption {
	return func(r *PermissionResolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewPermissionResolver wires store and cache. ttl bounds how stale a cached
// set may get; it must stay below the access token lifetime so a lost
// invalidation cannot outlive one token.
func NewPermissionResolver(store PermissionStore, c cache.Cache, ttl time.Duration, opts ...PermissionResolverOption) *PermissionResolver {
	r := &PermissionResolver{
		store: store,
		cache: c,
		ttl:   ttl,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func permissionCacheKey(userID, orgID string) string {
	return "perm:" + userID + ":" + orgID
}

// Resolve returns the effective permission set for the user within the
// organization. On cache miss or cache error it computes from the source of
// truth and repopulates the cache. A storage failure fails closed with
// ErrUnavailable, never an implicit allow.
func (r *PermissionResolver) Resolve(ctx context.Context, userID, orgID string) (PermissionSet, error) {
	userID = strings.TrimSpace(userID)
	orgID = strings.TrimSpace(orgID)
	if userID == "" || orgID == "" {
		return nil, ErrInvalidInput
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	key := permissionCacheKey(userID, orgID)
	if r.cache != nil {
		data, err := r.cache.Get(ctx, key)
		switch {
		case err == nil:
			var keys []string
			if jsonErr := json.Unmarshal(data, &keys); jsonErr == nil {
				obs.PermissionCacheEvent("hit")
				return newPermissionSet(keys), nil
			}
			// Corrupt entry: treat as error-miss and fall through.
			obs.PermissionCacheEvent("error")
		case errors.Is(err, cache.ErrMiss):
			obs.PermissionCacheEvent("miss")
		default:
			obs.PermissionCacheEvent("error")
		}
	}

	keys, err := r.store.UserPermissions(ctx, userID, orgID)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve permissions: %v", ErrUnavailable, err)
	}

	if r.cache != nil && r.ttl > 0 {
		if data, jsonErr := json.Marshal(keys); jsonErr == nil {
			if setErr := r.cache.Set(ctx, key, data, r.ttl); setErr != nil {
				obs.PermissionCacheEvent("error")
			}
		}
	}
	return newPermissionSet(keys), nil
}

// Invalidate evicts the cached set for one (user, org) pair.
func (r *PermissionResolver) Invalidate(ctx context.Context, userID, orgID string) error {
	if r.cache == nil {
		return nil
	}
	obs.PermissionCacheEvent("purge")
	return r.cache.Delete(ctx, permissionCacheKey(userID, orgID))
}

// InvalidateUser evicts every cached set for the user across organizations.
func (r *PermissionResolver) InvalidateUser(ctx context.Context, userID string) error {
	if r.cache == nil {
		return nil
	}
	obs.PermissionCacheEvent("purge")
	return r.cache.DeletePrefix(ctx, "perm:"+userID+":")
}

// InvalidateAll evicts every cached permission set. Used by break-glass
// revocation.
func (r *PermissionResolver) InvalidateAll(ctx context.Context) error {
	if r.cache == nil {
		return nil
	}
	obs.PermissionCacheEvent("purge")
	return r.cache.DeletePrefix(ctx, "perm:")
}
