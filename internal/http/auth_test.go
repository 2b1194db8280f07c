package httpx

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestAuthenticatorDisabled(t *testing.T) {
	a := NewAuthenticator("", "")
	if a.Enabled() {
		t.Fatal("empty secret should disable auth")
	}
	p, err := a.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatal(err)
	}
	if p.Role != RoleAdmin || p.Subject != "anonymous" {
		t.Errorf("principal = %+v", p)
	}

	var nilAuth *Authenticator
	if nilAuth.Enabled() {
		t.Error("nil authenticator should be disabled")
	}
}

func TestAuthenticate(t *testing.T) {
	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	a := NewAuthenticator("test-secret", "goproctor")
	a.now = func() time.Time { return now }

	valid, err := a.Issue("ana", RoleAnalyst, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	noRole, _ := a.Issue("bob", "", time.Hour)
	expired, _ := a.Issue("ana", RoleAnalyst, -time.Minute)

	otherIssuer := NewAuthenticator("test-secret", "someone-else")
	otherIssuer.now = a.now
	foreign, _ := otherIssuer.Issue("ana", RoleAnalyst, time.Hour)

	otherKey := NewAuthenticator("wrong-secret", "goproctor")
	otherKey.now = a.now
	forged, _ := otherKey.Issue("ana", RoleAdmin, time.Hour)

	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "ana", Issuer: "goproctor"},
	}).SignedString([]byte("test-secret"))

	tests := []struct {
		name     string
		header   string
		wantErr  bool
		wantRole string
		wantSub  string
	}{
		{"valid", "Bearer " + valid, false, RoleAnalyst, "ana"},
		{"role defaults to analyst", "Bearer " + noRole, false, RoleAnalyst, "bob"},
		{"missing header", "", true, "", ""},
		{"wrong scheme", "Basic " + valid, true, "", ""},
		{"empty token", "Bearer  ", true, "", ""},
		{"expired", "Bearer " + expired, true, "", ""},
		{"wrong issuer", "Bearer " + foreign, true, "", ""},
		{"wrong key", "Bearer " + forged, true, "", ""},
		{"no expiry", "Bearer " + noExp, true, "", ""},
		{"garbage", "Bearer not.a.jwt", true, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			p, err := a.Authenticate(req)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got principal %+v", p)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if p.Role != tt.wantRole || p.Subject != tt.wantSub {
				t.Errorf("principal = %+v", p)
			}
		})
	}
}

func TestAuthenticateMissingToken(t *testing.T) {
	a := NewAuthenticator("test-secret", "")
	_, err := a.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil))
	if !errors.Is(err, errMissingToken) {
		t.Errorf("err = %v, want errMissingToken", err)
	}
}

func TestRequire(t *testing.T) {
	a := NewAuthenticator("test-secret", "")
	analyst, _ := a.Issue("ana", RoleAnalyst, time.Hour)
	admin, _ := a.Issue("root", RoleAdmin, time.Hour)

	var seen Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name  string
		roles []string
		token string
		want  int
	}{
		{"any role, analyst", nil, analyst, http.StatusOK},
		{"any role, no token", nil, "", http.StatusUnauthorized},
		{"admin only, analyst", []string{RoleAdmin}, analyst, http.StatusForbidden},
		{"admin only, admin", []string{RoleAdmin}, admin, http.StatusOK},
		{"either role, analyst", []string{RoleAnalyst, RoleAdmin}, analyst, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = Principal{}
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()
			a.Require(tt.roles...)(next).ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			switch tt.want {
			case http.StatusOK:
				if seen.Subject == "" {
					t.Error("principal not attached to context")
				}
			case http.StatusUnauthorized:
				if w.Header().Get("WWW-Authenticate") == "" {
					t.Error("missing WWW-Authenticate challenge")
				}
			}
		})
	}
}

func TestPrincipalFromEmptyContext(t *testing.T) {
	if _, ok := PrincipalFrom(httptest.NewRequest(http.MethodGet, "/", nil).Context()); ok {
		t.Error("no principal expected")
	}
}
