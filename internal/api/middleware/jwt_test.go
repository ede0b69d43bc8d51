package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func authedHandler(t *testing.T, gotID *int64) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*gotID = AdminUserIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAdminAuth_ValidToken(t *testing.T) {
	token, _, err := GenerateAdminToken(testSecret, 42, "admin")
	if err != nil {
		t.Fatalf("GenerateAdminToken: %v", err)
	}

	var gotID int64
	h := RequireAdminAuth(testSecret)(authedHandler(t, &gotID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotID != 42 {
		t.Errorf("admin id from context = %d, want 42", gotID)
	}
}

func TestRequireAdminAuth_Rejections(t *testing.T) {
	valid, _, _ := GenerateAdminToken(testSecret, 7, "admin")
	otherSecret, _, _ := GenerateAdminToken([]byte("another-secret-another-secret-00"), 7, "admin")

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"malformed header", "Token " + valid},
		{"garbage token", "Bearer not.a.jwt"},
		{"wrong secret", "Bearer " + otherSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotID int64
			h := RequireAdminAuth(testSecret)(authedHandler(t, &gotID))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			if gotID != 0 {
				t.Errorf("handler ran with admin id %d, want not run", gotID)
			}
		})
	}
}

func TestRequireAdminAuth_ExpiredToken(t *testing.T) {
	claims := AdminClaims{
		UserID:   7,
		Username: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("signing expired token: %v", err)
	}

	var gotID int64
	h := RequireAdminAuth(testSecret)(authedHandler(t, &gotID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for expired token", rec.Code)
	}
}
