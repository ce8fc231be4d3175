// Package httpapi is the HTTP surface of the authorization service. Every
// protected route funnels through the gate before any domain logic runs.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"

	"sentra.org/internal/audit"
	"sentra.org/internal/auth"
	"sentra.org/internal/ledger"
	"sentra.org/internal/obs"
	"sentra.org/internal/revocation"
)

// ReadyProbe reports whether backing storage answers.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps carries everything the API serves from.
type Deps struct {
	Codec       *auth.Codec
	Credentials *auth.Credentials
	Memberships *auth.MembershipResolver
	RBAC        *auth.RBACService
	Gate        *auth.Gate
	Tokens      *ledger.Service
	Revocation  *revocation.Coordinator
	Audit       audit.Sink
	Ready       ReadyProbe
	Version     string
	RateBurst   int
	RatePerSec  int
}

// API is the HTTP layer.
type API struct {
	mux  *http.ServeMux
	deps Deps
}

func New(deps Deps) *API {
	a := &API{
		mux:  http.NewServeMux(),
		deps: deps,
	}

	// health, readiness, build info, spec, metrics
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.HandleFunc("GET /openapi.yaml", a.OpenAPISpec)
	a.mux.Handle("GET /metrics", obs.Handler())

	// session lifecycle
	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("POST /v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("POST /v1/auth/logout_all", a.handleLogoutAll)
	a.mux.HandleFunc("POST /v1/auth/password/forgot", a.handlePasswordForgot)
	a.mux.HandleFunc("POST /v1/auth/password/reset", a.handlePasswordReset)
	a.mux.HandleFunc("POST /v1/auth/password/change", a.handlePasswordChange)
	a.mux.HandleFunc("GET /v1/auth/devices", a.handleListDevices)
	a.mux.HandleFunc("DELETE /v1/auth/devices/{deviceID}", a.handleRevokeDevice)

	// organizations and memberships
	a.mux.HandleFunc("POST /v1/organizations", a.handleCreateOrganization)
	a.mux.HandleFunc("GET /v1/organizations", a.handleListOrganizations)
	a.mux.HandleFunc("GET /v1/organizations/{orgID}", a.handleGetOrganization)
	a.mux.HandleFunc("POST /v1/organizations/{orgID}/archive", a.handleArchiveOrganization)
	a.mux.HandleFunc("POST /v1/organizations/{orgID}/users", a.handleCreateUser)
	a.mux.HandleFunc("POST /v1/organizations/{orgID}/users/{userID}/disable", a.handleDisableUser)
	a.mux.HandleFunc("GET /v1/organizations/{orgID}/members", a.handleListMembers)
	a.mux.HandleFunc("POST /v1/organizations/{orgID}/invitations", a.handleInvite)
	a.mux.HandleFunc("POST /v1/organizations/{orgID}/invitations/accept", a.handleAcceptInvitation)
	a.mux.HandleFunc("DELETE /v1/organizations/{orgID}/members/{userID}", a.handleRevokeMember)

	// roles and grants
	a.mux.HandleFunc("POST /v1/organizations/{orgID}/roles", a.handleCreateRole)
	a.mux.HandleFunc("GET /v1/organizations/{orgID}/roles", a.handleListRoles)
	a.mux.HandleFunc("PUT /v1/roles/{roleID}/permissions", a.handleSetRolePermissions)
	a.mux.HandleFunc("GET /v1/roles/{roleID}/permissions", a.handleRolePermissions)
	a.mux.HandleFunc("POST /v1/roles/{roleID}/assignments", a.handleAssignRole)
	a.mux.HandleFunc("DELETE /v1/roles/{roleID}/assignments/{userID}", a.handleRemoveAssignment)
	a.mux.HandleFunc("GET /v1/permissions", a.handleListPermissions)

	// break-glass
	a.mux.HandleFunc("POST /v1/admin/revocations", a.handleBreakGlass)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	burst, perSec := a.deps.RateBurst, a.deps.RatePerSec
	if burst <= 0 {
		burst = 20
	}
	if perSec <= 0 {
		perSec = 10
	}
	var h http.Handler = obs.Instrument(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, burst, perSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return h
}
