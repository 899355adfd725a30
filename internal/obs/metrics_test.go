package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                    "/",
		"/metrics":                            "/metrics",
		"/v1/auth/login":                      "/v1/auth/login",
		"/v1/users/01HZY":                     "/v1/users/:id",
		"/v1/users/01HZY/role":                "/v1/users/:id/role",
		"/v1/users/01HZY/extra":               "/v1/users/01HZY/extra",
		"/v1/roles/r1":                        "/v1/roles/:id",
		"/v1/roles/r1/permissions":            "/v1/roles/:id/permissions",
		"/v1/roles/r1/permissions/p9":         "/v1/roles/:id/permissions/:permission_id",
		"/v1/activity-logs?limit=10":          "/v1/activity-logs",
		"/v1/activity-logs?older_than_days=3": "/v1/activity-logs",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
