package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                   "/",
		"/metrics":                           "/metrics",
		"/v1/organizations/01ABC":            "/v1/organizations/:id",
		"/v1/organizations/01ABC/users":      "/v1/organizations/:id/users",
		"/v1/users/01ABC/assignments/01DEF":  "/v1/users/:id/assignments/:id",
		"/v1/auth/login":                     "/v1/auth/login",
		"/v1/auth/refresh?foo=bar":           "/v1/auth/refresh",
		"/v1/roles/01ABC/permissions":        "/v1/roles/:id/permissions",
		"/v1/admin/revocations":              "/v1/admin/revocations",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
