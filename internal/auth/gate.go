package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sentra.org/internal/audit"
	"sentra.org/internal/obs"
)

// Decision carries the identity and capabilities established by an Allow.
type Decision struct {
	UserID      string
	OrgID       string
	Permissions PermissionSet
}

// Gate is the single enforcement chokepoint. Every protected operation runs
// through Authorize before any domain logic executes; no other code path may
// bypass it.
type Gate struct {
	codec       *Codec
	memberships *MembershipResolver
	permissions *PermissionResolver
	sink        audit.Sink
}

// NewGate composes the verification pipeline. sink may be nil.
func NewGate(codec *Codec, memberships *MembershipResolver, permissions *PermissionResolver, sink audit.Sink) *Gate {
	return &Gate{
		codec:       codec,
		memberships: memberships,
		permissions: permissions,
		sink:        sink,
	}
}

// Authorize evaluates the four-step sequence for one request. Each step
// short-circuits: token verification, active membership, resource org match,
// required permission. Failures map onto ErrUnauthenticated, ErrForbidden or
// ErrUnavailable; the caller maps those to transport outcomes and must never
// surface internal detail.
func (g *Gate) Authorize(ctx context.Context, accessToken, orgID, requiredPermission, resourceOrgID string) (Decision, error) {
	orgID = strings.TrimSpace(orgID)
	requiredPermission = strings.TrimSpace(requiredPermission)
	if orgID == "" || requiredPermission == "" {
		return Decision{}, ErrInvalidInput
	}

	claims, err := g.codec.Verify(accessToken)
	if err != nil {
		obs.AuthDecision("unauthenticated")
		g.event(ctx, audit.Entry{
			EventType: "authn.failed",
			OrgID:     orgID,
			Outcome:   "deny",
			Fields:    map[string]any{"reason": "invalid_token"},
		})
		return Decision{}, fmt.Errorf("%w: token verification failed", ErrUnauthenticated)
	}
	userID := claims.Subject

	status, err := g.memberships.Resolve(ctx, userID, orgID)
	if err != nil {
		obs.AuthDecision("unavailable")
		return Decision{}, fmt.Errorf("%w: membership lookup: %v", ErrUnavailable, err)
	}
	if status != MembershipActive {
		obs.AuthDecision("forbidden")
		g.event(ctx, audit.Entry{
			EventType:  "authz.denied",
			UserID:     userID,
			OrgID:      orgID,
			Permission: requiredPermission,
			Outcome:    "deny",
			Fields:     map[string]any{"reason": "membership_" + string(status)},
		})
		return Decision{}, fmt.Errorf("%w: membership not active", ErrForbidden)
	}

	if resourceOrgID != "" && resourceOrgID != orgID {
		// Cross-organization access attempt: logged distinctly from a
		// plain permission denial.
		obs.AuthDecision("cross_org")
		g.event(ctx, audit.Entry{
			EventType:  "authz.cross_org_denied",
			UserID:     userID,
			OrgID:      orgID,
			Permission: requiredPermission,
			Outcome:    "deny",
			Fields:     map[string]any{"resource_org_id": resourceOrgID},
		})
		return Decision{}, fmt.Errorf("%w: resource belongs to another organization", ErrForbidden)
	}

	perms, err := g.permissions.Resolve(ctx, userID, orgID)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			// Fail closed: resolution trouble is never an implicit allow.
			obs.AuthDecision("unavailable")
			return Decision{}, err
		}
		obs.AuthDecision("forbidden")
		return Decision{}, fmt.Errorf("%w: permission resolution: %v", ErrForbidden, err)
	}
	if !perms.Has(requiredPermission) {
		obs.AuthDecision("forbidden")
		g.event(ctx, audit.Entry{
			EventType:  "authz.denied",
			UserID:     userID,
			OrgID:      orgID,
			Permission: requiredPermission,
			Outcome:    "deny",
			Fields:     map[string]any{"reason": "missing_permission"},
		})
		return Decision{}, fmt.Errorf("%w: missing permission %s", ErrForbidden, requiredPermission)
	}

	obs.AuthDecision("allow")
	return Decision{UserID: userID, OrgID: orgID, Permissions: perms}, nil
}

// Authenticate verifies the access token only. Identity-scoped operations
// (accepting an invitation, logout) use it; everything org-scoped goes
// through Authorize.
func (g *Gate) Authenticate(ctx context.Context, accessToken string) (*AccessClaims, error) {
	claims, err := g.codec.Verify(accessToken)
	if err != nil {
		obs.AuthDecision("unauthenticated")
		g.event(ctx, audit.Entry{
			EventType: "authn.failed",
			Outcome:   "deny",
			Fields:    map[string]any{"reason": "invalid_token"},
		})
		return nil, fmt.Errorf("%w: token verification failed", ErrUnauthenticated)
	}
	return claims, nil
}

func (g *Gate) event(ctx context.Context, e audit.Entry) {
	if g.sink == nil {
		return
	}
	g.sink.Event(ctx, e)
}
