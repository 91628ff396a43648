package api

import (
	"bytes"
	"compress/gzip"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestSharedSecretAuth(t *testing.T) {
	auth := NewSharedSecretAuth(testSecret)
	valid := signToken(t, jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(time.Hour).Unix()})

	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{name: "valid", header: "Bearer " + valid, want: "user-1"},
		{name: "missing", header: "", wantErr: errMissingAuthorization},
		{name: "not bearer", header: "Basic abc", wantErr: errBadAuthorization},
		{name: "not a jwt", header: "Bearer abc", wantErr: errBadAuthorization},
		{name: "expired", header: "Bearer " + signToken(t, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Hour).Unix()})},
		{name: "no subject", header: "Bearer " + signToken(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := auth.UserIDFromAuthHeader(tt.header)
			if tt.want != "" {
				if err != nil || got != tt.want {
					t.Fatalf("got %q, %v", got, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error, got user %q", got)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSharedSecretAuthRejectsOtherSecret(t *testing.T) {
	auth := NewSharedSecretAuth([]byte("other"))
	token := signToken(t, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Hour).Unix()})
	if _, err := auth.UserIDFromAuthHeader("Bearer " + token); err == nil {
		t.Fatal("token signed with another secret accepted")
	}
}

func TestJWKSAuthWithoutKeys(t *testing.T) {
	auth := NewJWKSAuth(nil, "api", "https://tenant/", time.Minute)
	token := signToken(t, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Hour).Unix()})
	if _, err := auth.UserIDFromAuthHeader("Bearer " + token); err == nil {
		t.Fatal("HS256 token accepted by JWKS auth")
	}
}

func TestRequireAuthRoutes(t *testing.T) {
	e, _ := newTestServer(t, Options{Auth: NewSharedSecretAuth(testSecret)})
	token := signToken(t, jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(time.Hour).Unix()})

	rec := do(t, e, http.MethodGet, "/api/tasks", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authorized status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/toasts?token="+token, nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("query token status = %d", rec.Code)
	}

	if rec := do(t, e, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
}

func TestGzipRequestBody(t *testing.T) {
	e, _ := newTestServer(t, Options{})

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte(`{"content":"Buy milk"}`))
	zw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if state := decodeState(t, rec); len(state.Tasks) != 1 || state.Tasks[0].Content != "Buy milk" {
		t.Fatalf("unexpected state %#v", state)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader([]byte("not gzip")))
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid gzip status = %d", rec.Code)
	}
}

func TestHasGzipEncoding(t *testing.T) {
	for header, want := range map[string]bool{
		"":              false,
		"gzip":          true,
		"br, GZIP":      true,
		"deflate":       false,
		"identity,gzip": true,
	} {
		if got := hasGzipEncoding(header); got != want {
			t.Errorf("hasGzipEncoding(%q) = %v", header, got)
		}
	}
}
