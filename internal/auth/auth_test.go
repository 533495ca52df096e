package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

func TestTokenRoundTrip(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	tok, err := m.GenerateAccessToken(OperatorClaims{Operator: "ops", Role: RoleOperator})
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	claims, err := m.ValidateAccessToken(tok)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if claims.Operator != "ops" || claims.Role != RoleOperator {
		t.Errorf("Expected ops/operator, got %+v", claims)
	}

	other := NewJWTManager("different", time.Hour)
	if _, err := other.ValidateAccessToken(tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected invalid token with wrong secret, got %v", err)
	}
}

func TestExpiredToken(t *testing.T) {
	m := NewJWTManager("secret", time.Minute)
	issued := time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return issued }
	tok, _ := m.GenerateAccessToken(OperatorClaims{Operator: "ops"})

	m.now = func() time.Time { return issued.Add(2 * time.Minute) }
	if _, err := m.ValidateAccessToken(tok); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Expected token expired, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	hash, err := HashPassword("correct horse", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	ops := []Operator{{Name: "ops", PasswordHash: hash, Role: RoleOperator}, {Name: "watch", PasswordHash: hash}}

	tests := []struct {
		name, user, pass string
		wantRole         string
		wantErr          bool
	}{
		{"operator", "ops", "correct horse", RoleOperator, false},
		{"default viewer", "watch", "correct horse", RoleViewer, false},
		{"wrong password", "ops", "wrong", "", true},
		{"unknown user", "nobody", "correct horse", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := Authenticate(ops, tt.user, tt.pass)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error, got %+v", claims)
				}
				return
			}
			if err != nil || claims.Role != tt.wantRole {
				t.Errorf("Expected role %s, got %+v err=%v", tt.wantRole, claims, err)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewJWTManager("secret", time.Hour)
	viewer, _ := m.GenerateAccessToken(OperatorClaims{Operator: "v", Role: RoleViewer})
	operator, _ := m.GenerateAccessToken(OperatorClaims{Operator: "o", Role: RoleOperator})

	r := gin.New()
	r.POST("/reset", Middleware(m), RequireOperator(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Token abc", http.StatusUnauthorized},
		{"garbage", "Bearer abc", http.StatusUnauthorized},
		{"viewer", "Bearer " + viewer, http.StatusForbidden},
		{"operator", "Bearer " + operator, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/reset", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}
