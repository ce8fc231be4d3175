package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"sentra.org/internal/auth"
	"sentra.org/internal/ledger"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// handleAuthError maps domain sentinels onto transport status codes without
// leaking internal detail.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, auth.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, auth.ErrNotInvited):
		writeError(w, r, http.StatusForbidden, "no invitation for this organization")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "resource already exists")
	case errors.Is(err, auth.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "temporarily unavailable")
	case errors.Is(err, ledger.ErrReuseDetected):
		writeError(w, r, http.StatusUnauthorized, "session terminated")
	case errors.Is(err, ledger.ErrExpired):
		writeError(w, r, http.StatusUnauthorized, "refresh token expired")
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusUnauthorized, "invalid refresh token")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// authorize runs the full gate sequence for an org-scoped route.
func (a *API) authorize(w http.ResponseWriter, r *http.Request, orgID, permission, resourceOrgID string) (auth.Decision, bool) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return auth.Decision{}, false
	}
	d, err := a.deps.Gate.Authorize(r.Context(), token, orgID, permission, resourceOrgID)
	if err != nil {
		handleAuthError(w, r, err)
		return auth.Decision{}, false
	}
	return d, true
}

// authenticate verifies identity only, for routes that are user-scoped
// rather than org-scoped.
func (a *API) authenticate(w http.ResponseWriter, r *http.Request) (*auth.AccessClaims, bool) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return nil, false
	}
	claims, err := a.deps.Gate.Authenticate(r.Context(), token)
	if err != nil {
		handleAuthError(w, r, err)
		return nil, false
	}
	return claims, true
}
