package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCORS(t *testing.T) {
	t.Parallel()
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name       string
		allowed    []string
		origin     string
		method     string
		wantOrigin string
		wantCreds  string
		wantCode   int
	}{
		{name: "explicit origin", allowed: []string{"https://pilot.example.com"}, origin: "https://pilot.example.com", method: http.MethodGet, wantOrigin: "https://pilot.example.com", wantCreds: "true", wantCode: http.StatusTeapot},
		{name: "wildcard has no credentials", allowed: []string{"*"}, origin: "http://localhost:5173", method: http.MethodGet, wantOrigin: "http://localhost:5173", wantCode: http.StatusTeapot},
		{name: "foreign origin", allowed: []string{"https://pilot.example.com"}, origin: "https://evil.example", method: http.MethodGet, wantCode: http.StatusTeapot},
		{name: "preflight", allowed: []string{"*"}, origin: "http://localhost:5173", method: http.MethodOptions, wantOrigin: "http://localhost:5173", wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(tt.method, "/api/sessions", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()

			CORS(tt.allowed)(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCreds, rec.Header().Get("Access-Control-Allow-Credentials"))
			assert.Equal(t, "Origin", rec.Header().Get("Vary"))
		})
	}
}
