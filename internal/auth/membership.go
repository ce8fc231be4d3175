package auth

import (
	"context"
	"errors"
	"strings"
	"time"
)

// MembershipResolver answers whether a user belongs to an organization and
// drives the invitation lifecycle.
type MembershipResolver struct {
	store MembershipStore
	now   func() time.Time
}

// NewMembershipResolver wires the membership store.
func NewMembershipResolver(store MembershipStore) *MembershipResolver {
	return &MembershipResolver{store: store, now: time.Now}
}

// Resolve reports the membership status for (user, org). Absent rows resolve
// to MembershipNone rather than an error; only storage failures propagate.
func (r *MembershipResolver) Resolve(ctx context.Context, userID, orgID string) (MembershipStatus, error) {
	userID = strings.TrimSpace(userID)
	orgID = strings.TrimSpace(orgID)
	if userID == "" || orgID == "" {
		return MembershipNone, ErrInvalidInput
	}
	m, err := r.store.FindMembership(ctx, userID, orgID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return MembershipNone, nil
		}
		return MembershipNone, err
	}
	return m.Status, nil
}

// Invite creates a pending membership. Inviting a user who already has any
// membership row in the organization is a conflict.
func (r *MembershipResolver) Invite(ctx context.Context, userID, orgID string) (*Membership, error) {
	userID = strings.TrimSpace(userID)
	orgID = strings.TrimSpace(orgID)
	if userID == "" || orgID == "" {
		return nil, ErrInvalidInput
	}
	now := r.now().UTC()
	m := &Membership{
		UserID:         userID,
		OrganizationID: orgID,
		Status:         MembershipPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.CreateMembership(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// AcceptInvitation transitions a pending membership to active. Accepting an
// already-active membership is a no-op returning the same state; a missing or
// revoked row fails with ErrNotInvited.
func (r *MembershipResolver) AcceptInvitation(ctx context.Context, userID, orgID string) (*Membership, error) {
	userID = strings.TrimSpace(userID)
	orgID = strings.TrimSpace(orgID)
	if userID == "" || orgID == "" {
		return nil, ErrInvalidInput
	}
	m, err := r.store.FindMembership(ctx, userID, orgID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotInvited
		}
		return nil, err
	}
	switch m.Status {
	case MembershipActive:
		return m, nil
	case MembershipRevoked:
		return nil, ErrNotInvited
	}
	if err := r.store.ActivateMembership(ctx, userID, orgID); err != nil {
		// A concurrent acceptance may have raced us; re-read to settle.
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			cur, findErr := r.store.FindMembership(ctx, userID, orgID)
			if findErr == nil && cur.Status == MembershipActive {
				return cur, nil
			}
			return nil, ErrNotInvited
		}
		return nil, err
	}
	m.Status = MembershipActive
	m.UpdatedAt = r.now().UTC()
	return m, nil
}

// List returns every membership row in the organization, all statuses.
func (r *MembershipResolver) List(ctx context.Context, orgID string) ([]*Membership, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, ErrInvalidInput
	}
	return r.store.ListMembershipsByOrg(ctx, orgID)
}

// Revoke terminates a membership. Revocation is terminal.
func (r *MembershipResolver) Revoke(ctx context.Context, userID, orgID string) error {
	userID = strings.TrimSpace(userID)
	orgID = strings.TrimSpace(orgID)
	if userID == "" || orgID == "" {
		return ErrInvalidInput
	}
	return r.store.RevokeMembership(ctx, userID, orgID)
}
