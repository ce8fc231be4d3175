package revocation

import (
	"context"
	"errors"
	"fmt"

	"sentra.org/internal/audit"
	"sentra.org/internal/auth"
	"sentra.org/internal/ledger"
	"sentra.org/internal/queue"
)

// Coordinator sequences what happens after an authorization-relevant commit:
// permission caches are purged first, token state second. Each trigger is one
// queue job so a retry replays the whole ordered sequence; every step is
// idempotent.
type Coordinator struct {
	queue       *queue.Queue
	permissions *auth.PermissionResolver
	tokens      *ledger.Service
	memberships auth.MembershipStore
	sink        audit.Sink
}

// New wires the coordinator. sink may be nil.
func New(q *queue.Queue, permissions *auth.PermissionResolver, tokens *ledger.Service, memberships auth.MembershipStore, sink audit.Sink) (*Coordinator, error) {
	if q == nil || permissions == nil || tokens == nil || memberships == nil {
		return nil, errors.New("revocation: queue, permissions, tokens and memberships are required")
	}
	return &Coordinator{
		queue:       q,
		permissions: permissions,
		tokens:      tokens,
		memberships: memberships,
		sink:        sink,
	}, nil
}

// RolePermissionsChanged purges the cached sets of every user holding the
// role and ends their refresh sessions in the organization, forcing a fresh
// login under the new permission set. Callers pass the holder list captured
// at commit time so the purge covers users whose assignment is removed
// concurrently.
func (c *Coordinator) RolePermissionsChanged(ctx context.Context, orgID, roleID string, userIDs []string) error {
	users := append([]string(nil), userIDs...)
	return c.queue.Enqueue(queue.Job{
		Name: "role_permissions_changed",
		Run: func(ctx context.Context) error {
			for _, userID := range users {
				if err := c.permissions.Invalidate(ctx, userID, orgID); err != nil {
					return fmt.Errorf("invalidate %s/%s: %w", userID, orgID, err)
				}
			}
			for _, userID := range users {
				if err := c.tokens.RevokeUserOrg(ctx, userID, orgID); err != nil {
					return fmt.Errorf("revoke sessions %s/%s: %w", userID, orgID, err)
				}
			}
			return nil
		},
	})
}

// AssignmentChanged purges one (user, org) pair after a role grant or
// removal and ends the pair's refresh sessions. Cache purge strictly
// precedes token revocation.
func (c *Coordinator) AssignmentChanged(ctx context.Context, userID, orgID string) error {
	return c.queue.Enqueue(queue.Job{
		Name: "assignment_changed",
		Run: func(ctx context.Context) error {
			if err := c.permissions.Invalidate(ctx, userID, orgID); err != nil {
				return fmt.Errorf("invalidate %s/%s: %w", userID, orgID, err)
			}
			return c.tokens.RevokeUserOrg(ctx, userID, orgID)
		},
	})
}

// MembershipRevoked purges the pair and ends the user's refresh sessions
// within the organization. Cache purge strictly precedes token revocation.
func (c *Coordinator) MembershipRevoked(ctx context.Context, userID, orgID string) error {
	return c.queue.Enqueue(queue.Job{
		Name: "membership_revoked",
		Run: func(ctx context.Context) error {
			if err := c.permissions.Invalidate(ctx, userID, orgID); err != nil {
				return fmt.Errorf("invalidate %s/%s: %w", userID, orgID, err)
			}
			return c.tokens.RevokeUserOrg(ctx, userID, orgID)
		},
	})
}

// UserDisabled purges every cached set of the user and ends all their
// sessions.
func (c *Coordinator) UserDisabled(ctx context.Context, userID string) error {
	return c.queue.Enqueue(queue.Job{
		Name: "user_disabled",
		Run: func(ctx context.Context) error {
			if err := c.permissions.InvalidateUser(ctx, userID); err != nil {
				return fmt.Errorf("invalidate user %s: %w", userID, err)
			}
			return c.tokens.RevokeUser(ctx, userID)
		},
	})
}

// OrganizationArchived runs synchronously: archival is not complete until
// every member's cached set is purged and every refresh session in the
// organization is dead.
func (c *Coordinator) OrganizationArchived(ctx context.Context, orgID string) error {
	members, err := c.memberships.ListMembershipsByOrg(ctx, orgID)
	if err != nil {
		return fmt.Errorf("revocation: list members: %w", err)
	}
	for _, m := range members {
		if err := c.permissions.Invalidate(ctx, m.UserID, orgID); err != nil {
			return fmt.Errorf("revocation: invalidate %s/%s: %w", m.UserID, orgID, err)
		}
	}
	if err := c.tokens.RevokeOrg(ctx, orgID); err != nil {
		return fmt.Errorf("revocation: revoke org tokens: %w", err)
	}
	c.event(ctx, audit.Entry{
		EventType: "org.archived",
		OrgID:     orgID,
		Outcome:   "ok",
		Fields:    map[string]any{"members": len(members)},
	})
	return nil
}

// BreakGlass invalidates every cached permission set and revokes every
// refresh token in the system. Synchronous and audited; the actor comes from
// the caller's decision.
func (c *Coordinator) BreakGlass(ctx context.Context, actorID string) error {
	if err := c.permissions.InvalidateAll(ctx); err != nil {
		return fmt.Errorf("revocation: invalidate all: %w", err)
	}
	if err := c.tokens.RevokeAll(ctx); err != nil {
		return fmt.Errorf("revocation: revoke all: %w", err)
	}
	c.event(ctx, audit.Entry{
		EventType: "system.break_glass",
		UserID:    actorID,
		Outcome:   "ok",
	})
	return nil
}

func (c *Coordinator) event(ctx context.Context, e audit.Entry) {
	if c.sink == nil {
		return
	}
	c.sink.Event(ctx, e)
}
