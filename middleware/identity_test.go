package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentity(t *testing.T) {
	var seen string
	h := Identity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUserFromContext(r)
	}))

	tests := []struct {
		name   string
		req    *http.Request
		status int
		user   string
	}{
		{"header", withHeader(httptest.NewRequest("GET", "/api/groups", nil), "u1"), http.StatusOK, "u1"},
		{"query", httptest.NewRequest("GET", "/ws?userId=u2", nil), http.StatusOK, "u2"},
		{"header wins", withHeader(httptest.NewRequest("GET", "/ws?userId=u2", nil), "u3"), http.StatusOK, "u3"},
		{"missing", httptest.NewRequest("GET", "/api/groups", nil), http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, tt.req)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.user, seen)
		})
	}
}

func withHeader(r *http.Request, userID string) *http.Request {
	r.Header.Set("X-User-ID", userID)
	return r
}
