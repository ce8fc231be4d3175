package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"sentra.org/internal/audit"
	"sentra.org/internal/auth"
)

type loginRequest struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	OrganizationID string `json:"organization_id"`
	DeviceID       string `json:"device_id"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type sessionResponse struct {
	TokenType       string    `json:"token_type"`
	AccessToken     string    `json:"access_token"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
	RefreshToken    string    `json:"refresh_token"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		writeError(w, r, http.StatusBadRequest, "device_id is required")
		return
	}

	user, err := a.deps.Credentials.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		a.audit(r.Context(), audit.Entry{
			EventType: "authn.login_failed",
			Outcome:   "deny",
		})
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	orgID := strings.TrimSpace(req.OrganizationID)
	if orgID != "" {
		status, err := a.deps.Memberships.Resolve(r.Context(), user.ID, orgID)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		if status != auth.MembershipActive {
			a.audit(r.Context(), audit.Entry{
				EventType: "authn.login_denied",
				UserID:    user.ID,
				OrgID:     orgID,
				Outcome:   "deny",
				Fields:    map[string]any{"reason": "membership_" + string(status)},
			})
			writeError(w, r, http.StatusForbidden, "no active membership in this organization")
			return
		}
	}

	access, expiresAt, err := a.deps.Codec.Issue(user.ID, orgID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token issuance failed")
		return
	}
	refresh, _, err := a.deps.Tokens.Issue(r.Context(), user.ID, orgID, req.DeviceID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token issuance failed")
		return
	}

	a.audit(r.Context(), audit.Entry{
		EventType: "authn.login",
		UserID:    user.ID,
		OrgID:     orgID,
		Outcome:   "ok",
		Fields:    map[string]any{"device_id": req.DeviceID},
	})
	writeJSON(w, http.StatusOK, sessionResponse{
		TokenType:       "Bearer",
		AccessToken:     access,
		AccessExpiresAt: expiresAt,
		RefreshToken:    refresh,
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	refresh, _, fam, err := a.deps.Tokens.Rotate(r.Context(), req.RefreshToken)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	access, expiresAt, err := a.deps.Codec.Issue(fam.UserID, fam.OrganizationID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token issuance failed")
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		TokenType:       "Bearer",
		AccessToken:     access,
		AccessExpiresAt: expiresAt,
		RefreshToken:    refresh,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, ok := a.authenticate(w, r)
	if !ok {
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.deps.Tokens.RevokeFamily(r.Context(), req.RefreshToken); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.Entry{
		EventType: "authn.logout",
		UserID:    claims.Subject,
		Outcome:   "ok",
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := a.authenticate(w, r)
	if !ok {
		return
	}
	if err := a.deps.Tokens.RevokeUser(r.Context(), claims.Subject); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// handlePasswordForgot always answers 202 so the endpoint cannot be used to
// probe which emails have accounts. The reset token travels out of band.
func (a *API) handlePasswordForgot(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := a.deps.Credentials.RequestPasswordReset(r.Context(), req.Email); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (a *API) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID, err := a.deps.Credentials.ResetPassword(r.Context(), req.Token, req.NewPassword)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	// A stolen password means stolen sessions; end them all.
	if err := a.deps.Tokens.RevokeUser(r.Context(), userID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.audit(r.Context(), audit.Entry{
		EventType: "authn.password_reset",
		UserID:    userID,
		Outcome:   "ok",
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	claims, ok := a.authenticate(w, r)
	if !ok {
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.deps.Credentials.ChangePassword(r.Context(), claims.Subject, req.CurrentPassword, req.NewPassword); err != nil {
		handleAuthError(w, r, err)
		return
	}
	if err := a.deps.Tokens.RevokeUser(r.Context(), claims.Subject); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.audit(r.Context(), audit.Entry{
		EventType: "authn.password_changed",
		UserID:    claims.Subject,
		Outcome:   "ok",
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListDevices(w http.ResponseWriter, r *http.Request) {
	claims, ok := a.authenticate(w, r)
	if !ok {
		return
	}
	devices, err := a.deps.Tokens.Devices(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (a *API) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	claims, ok := a.authenticate(w, r)
	if !ok {
		return
	}
	deviceID := r.PathValue("deviceID")
	if err := a.deps.Tokens.RevokeDevice(r.Context(), claims.Subject, deviceID); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.Entry{
		EventType: "token.device_revoked",
		UserID:    claims.Subject,
		Outcome:   "ok",
		Fields:    map[string]any{"device_id": deviceID},
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) audit(ctx context.Context, e audit.Entry) {
	if a.deps.Audit == nil {
		return
	}
	a.deps.Audit.Event(ctx, e)
}
