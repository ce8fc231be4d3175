package httpapi

import (
	"fmt"
	"net/http"

	"sentra.org/internal/audit"
	"sentra.org/internal/auth"
)

type createOrganizationRequest struct {
	Name string `json:"name"`
}

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type setRolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type inviteRequest struct {
	UserID string `json:"user_id"`
}

type assignRoleRequest struct {
	UserID string `json:"user_id"`
}

func (a *API) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	d, ok := a.tokenOrgAuthorize(w, r, auth.PermOrgManage)
	if !ok {
		return
	}
	var req createOrganizationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	org, err := a.deps.RBAC.CreateOrganization(r.Context(), req.Name)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.Entry{
		EventType: "org.created",
		UserID:    d.UserID,
		OrgID:     org.ID,
		Outcome:   "ok",
		Fields:    map[string]any{"name": org.Name},
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/organizations/%s", org.ID))
	writeJSON(w, http.StatusCreated, org)
}

func (a *API) handleListOrganizations(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.tokenOrgAuthorize(w, r, auth.PermOrgManage); !ok {
		return
	}
	orgs, err := a.deps.RBAC.ListOrganizations(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"organizations": orgs})
}

func (a *API) handleGetOrganization(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("orgID")
	if _, ok := a.authorize(w, r, orgID, auth.PermOrgManage, orgID); !ok {
		return
	}
	org, err := a.deps.RBAC.GetOrganization(r.Context(), orgID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

// handleArchiveOrganization commits the archival, then synchronously purges
// caches and revokes every session in the organization before answering.
func (a *API) handleArchiveOrganization(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("orgID")
	d, ok := a.authorize(w, r, orgID, auth.PermOrgManage, orgID)
	if !ok {
		return
	}
	if err := a.deps.RBAC.ArchiveOrganization(r.Context(), orgID); err != nil {
		handleAuthError(w, r, err)
		return
	}
	if err := a.deps.Revocation.OrganizationArchived(r.Context(), orgID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.audit(r.Context(), audit.Entry{
		EventType: "org.archive_requested",
		UserID:    d.UserID,
		OrgID:     orgID,
		Outcome:   "ok",
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("orgID")
	d, ok := a.authorize(w, r, orgID, auth.PermMemberManage, orgID)
	if !ok {
		return
	}
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.deps.RBAC.CreateUser(r.Context(), orgID, req.Email, req.Password)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.Entry{
		EventType: "user.created",
		UserID:    d.UserID,
		OrgID:     orgID,
		Outcome:   "ok",
		Fields:    map[string]any{"created_user_id": user.ID},
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", user.ID))
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleDisableUser(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("orgID")
	userID := r.PathValue("userID")
	d, ok := a.authorize(w, r, orgID, auth.PermMemberManage, orgID)
	if !ok {
		return
	}
	if err := a.deps.RBAC.DisableUser(r.Context(), userID); err != nil {
		handleAuthError(w, r, err)
		return
	}
	if err := a.deps.Revocation.UserDisabled(r.Context(), userID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.audit(r.Context(), audit.Entry{
		EventType: "user.disabled",
		UserID:    d.UserID,
		OrgID:     orgID,
		Outcome:   "ok",
		Fields:    map[string]any{"disabled_user_id": userID},
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListMembers(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("orgID")
	if _, ok := a.authorize(w, r, orgID, auth.PermMemberManage, orgID); !ok {
		return
	}
	members, err := a.deps.Memberships.List(r.Context(), orgID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (a *API) handleInvite(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("orgID")
	d, ok := a.authorize(w, r, orgID, auth.PermMemberManage, orgID)
	if !ok {
		return
	}
	var req inviteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.deps.Memberships.Invite(r.Context(), req.UserID, orgID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.Entry{
		EventType: "member.invited",
		UserID:    d.UserID,
		OrgID:     orgID,
		Outcome:   "ok",
		Fields:    map[string]any{"invited_user_id": req.UserID},
	})
	writeJSON(w, http.StatusCreated, m)
}

// handleAcceptInvitation is identity-scoped: the caller accepts their own
// invitation, no org permission required.
func (a *API) handleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	claims, ok := a.authenticate(w, r)
	if !ok {
		return
	}
	orgID := r.PathValue("orgID")
	m, err := a.deps.Memberships.AcceptInvitation(r.Context(), claims.Subject, orgID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.Entry{
		EventType: "member.joined",
		UserID:    claims.Subject,
		OrgID:     orgID,
		Outcome:   "ok",
	})
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleRevokeMember(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("orgID")
	userID := r.PathValue("userID")
	d, ok := a.authorize(w, r, orgID, auth.PermMemberManage, orgID)
	if !ok {
		return
	}
	if err := a.deps.Memberships.Revoke(r.Context(), userID, orgID); err != nil {
		handleAuthError(w, r, err)
		return
	}
	if err := a.deps.Revocation.MembershipRevoked(r.Context(), userID, orgID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.audit(r.Context(), audit.Entry{
		EventType: "member.revoked",
		UserID:    d.UserID,
		OrgID:     orgID,
		Outcome:   "ok",
		Fields:    map[string]any{"revoked_user_id": userID},
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("orgID")
	d, ok := a.authorize(w, r, orgID, auth.PermRoleManage, orgID)
	if !ok {
		return
	}
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.deps.RBAC.CreateRole(r.Context(), orgID, req.Name, req.Description)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.Entry{
		EventType: "role.created",
		UserID:    d.UserID,
		OrgID:     orgID,
		Outcome:   "ok",
		Fields:    map[string]any{"role_id": role.ID, "name": role.Name},
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("orgID")
	if _, ok := a.authorize(w, r, orgID, auth.PermRoleManage, orgID); !ok {
		return
	}
	roles, err := a.deps.RBAC.ListRoles(r.Context(), orgID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

// handleSetRolePermissions replaces the role's grant set and schedules cache
// purges for every holder. Commit strictly precedes invalidation.
func (a *API) handleSetRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID := r.PathValue("roleID")
	role, err := a.deps.RBAC.GetRole(r.Context(), roleID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	d, ok := a.authorize(w, r, role.OrganizationID, auth.PermRoleManage, role.OrganizationID)
	if !ok {
		return
	}
	var req setRolePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	holders, err := a.deps.RBAC.SetRolePermissions(r.Context(), roleID, req.Permissions)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if err := a.deps.Revocation.RolePermissionsChanged(r.Context(), role.OrganizationID, roleID, holders); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.audit(r.Context(), audit.Entry{
		EventType: "role.permissions_updated",
		UserID:    d.UserID,
		OrgID:     role.OrganizationID,
		Outcome:   "ok",
		Fields:    map[string]any{"role_id": roleID, "permissions": req.Permissions},
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID := r.PathValue("roleID")
	role, err := a.deps.RBAC.GetRole(r.Context(), roleID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if _, ok := a.authorize(w, r, role.OrganizationID, auth.PermRoleManage, role.OrganizationID); !ok {
		return
	}
	perms, err := a.deps.RBAC.RolePermissions(r.Context(), roleID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	roleID := r.PathValue("roleID")
	role, err := a.deps.RBAC.GetRole(r.Context(), roleID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	d, ok := a.authorize(w, r, role.OrganizationID, auth.PermRoleManage, role.OrganizationID)
	if !ok {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	assignment, err := a.deps.RBAC.AssignRole(r.Context(), req.UserID, roleID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if err := a.deps.Revocation.AssignmentChanged(r.Context(), req.UserID, role.OrganizationID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.audit(r.Context(), audit.Entry{
		EventType: "role.assigned",
		UserID:    d.UserID,
		OrgID:     role.OrganizationID,
		Outcome:   "ok",
		Fields:    map[string]any{"role_id": roleID, "assignee_id": req.UserID},
	})
	writeJSON(w, http.StatusCreated, assignment)
}

func (a *API) handleRemoveAssignment(w http.ResponseWriter, r *http.Request) {
	roleID := r.PathValue("roleID")
	userID := r.PathValue("userID")
	role, err := a.deps.RBAC.GetRole(r.Context(), roleID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	d, ok := a.authorize(w, r, role.OrganizationID, auth.PermRoleManage, role.OrganizationID)
	if !ok {
		return
	}
	orgID, err := a.deps.RBAC.RemoveAssignment(r.Context(), userID, roleID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if err := a.deps.Revocation.AssignmentChanged(r.Context(), userID, orgID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.audit(r.Context(), audit.Entry{
		EventType: "role.unassigned",
		UserID:    d.UserID,
		OrgID:     orgID,
		Outcome:   "ok",
		Fields:    map[string]any{"role_id": roleID, "assignee_id": userID},
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authenticate(w, r); !ok {
		return
	}
	perms, err := a.deps.RBAC.ListPermissions(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

type breakGlassRequest struct {
	Scope string `json:"scope"`
}

// handleBreakGlass revokes every session and cached permission set in the
// system. It requires the system revocation permission and a literal
// confirmation of scope.
func (a *API) handleBreakGlass(w http.ResponseWriter, r *http.Request) {
	d, ok := a.tokenOrgAuthorize(w, r, auth.PermSystemRevoke)
	if !ok {
		return
	}
	var req breakGlassRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Scope != "all" {
		writeError(w, r, http.StatusBadRequest, `scope must be "all"`)
		return
	}
	if err := a.deps.Revocation.BreakGlass(r.Context(), d.UserID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

// tokenOrgAuthorize authorizes against the organization carried in the
// caller's access token, for routes with no org in the path.
func (a *API) tokenOrgAuthorize(w http.ResponseWriter, r *http.Request, permission string) (auth.Decision, bool) {
	claims, ok := a.authenticate(w, r)
	if !ok {
		return auth.Decision{}, false
	}
	if claims.OrgID == "" {
		writeError(w, r, http.StatusForbidden, "access token carries no organization context")
		return auth.Decision{}, false
	}
	token, _ := extractBearerToken(r.Header.Get(authHeader))
	d, err := a.deps.Gate.Authorize(r.Context(), token, claims.OrgID, permission, "")
	if err != nil {
		handleAuthError(w, r, err)
		return auth.Decision{}, false
	}
	return d, true
}
