// Command smoke exercises a running sentra-api end to end: login, refresh
// rotation, replay detection and logout. It exits non-zero on the first
// deviation from expected behavior.
package main

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	log.SetFlags(0)

	base := os.Getenv("SENTRA_SMOKE_BASE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	email := os.Getenv("SENTRA_SMOKE_EMAIL")
	password := os.Getenv("SENTRA_SMOKE_PASSWORD")
	orgID := os.Getenv("SENTRA_SMOKE_ORG_ID")
	if email == "" || password == "" {
		log.Fatal("SENTRA_SMOKE_EMAIL and SENTRA_SMOKE_PASSWORD are required")
	}

	c := &client{base: base, http: &http.Client{Timeout: 10 * time.Second}}

	var health struct {
		Status string `json:"status"`
	}
	if code := c.get("/healthz", &health); code != http.StatusOK || health.Status != "ok" {
		log.Fatalf("healthz: code %d status %q", code, health.Status)
	}
	log.Println("healthz ok")

	var session struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	code := c.post("/v1/auth/login", "", map[string]any{
		"email":           email,
		"password":        password,
		"organization_id": orgID,
		"device_id":       "smoke",
	}, &session)
	if code != http.StatusOK {
		log.Fatalf("login: code %d", code)
	}
	log.Println("login ok")

	var rotated struct {
		RefreshToken string `json:"refresh_token"`
	}
	code = c.post("/v1/auth/refresh", "", map[string]any{
		"refresh_token": session.RefreshToken,
	}, &rotated)
	if code != http.StatusOK || rotated.RefreshToken == session.RefreshToken {
		log.Fatalf("refresh: code %d", code)
	}
	log.Println("refresh ok")

	// The consumed token must be dead, and its replay must kill the chain.
	code = c.post("/v1/auth/refresh", "", map[string]any{
		"refresh_token": session.RefreshToken,
	}, nil)
	if code != http.StatusUnauthorized {
		log.Fatalf("replay of consumed token: code %d, want 401", code)
	}
	code = c.post("/v1/auth/refresh", "", map[string]any{
		"refresh_token": rotated.RefreshToken,
	}, nil)
	if code != http.StatusUnauthorized {
		log.Fatalf("successor after replay: code %d, want 401", code)
	}
	log.Println("replay detection ok")

	code = c.post("/v1/auth/login", "", map[string]any{
		"email":           email,
		"password":        password,
		"organization_id": orgID,
		"device_id":       "smoke",
	}, &session)
	if code != http.StatusOK {
		log.Fatalf("re-login: code %d", code)
	}
	code = c.post("/v1/auth/logout", session.AccessToken, map[string]any{
		"refresh_token": session.RefreshToken,
	}, nil)
	if code != http.StatusNoContent {
		log.Fatalf("logout: code %d, want 204", code)
	}
	code = c.post("/v1/auth/refresh", "", map[string]any{
		"refresh_token": session.RefreshToken,
	}, nil)
	if code != http.StatusUnauthorized {
		log.Fatalf("refresh after logout: code %d, want 401", code)
	}
	log.Println("logout ok")

	log.Println("smoke passed")
}

type client struct {
	base string
	http *http.Client
}

func (c *client) get(path string, into any) int {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		log.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if into != nil {
		_ = json.NewDecoder(resp.Body).Decode(into)
	}
	return resp.StatusCode
}

func (c *client) post(path, token string, body, into any) int {
	data, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("marshal %s: %v", path, err)
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		log.Fatalf("request %s: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if into != nil {
		_ = json.NewDecoder(resp.Body).Decode(into)
	}
	return resp.StatusCode
}
