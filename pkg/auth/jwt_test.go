package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dd0wney/cluso-ha/pkg/clock"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

func newTestManager(t *testing.T) (*JWTManager, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Now().Truncate(time.Second))
	m, err := NewJWTManager(testSecret, time.Hour, clk)
	if err != nil {
		t.Fatalf("NewJWTManager: %v", err)
	}
	return m, clk
}

func TestNewJWTManager(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		wantErr error
	}{
		{"valid secret", testSecret, nil},
		{"short secret", "too-short", ErrShortSecret},
		{"empty secret", "", ErrShortSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewJWTManager(tt.secret, time.Hour, nil)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGenerateAndValidate(t *testing.T) {
	m, _ := newTestManager(t)

	for _, role := range []string{RoleViewer, RoleOperator, RoleAdmin} {
		t.Run(role, func(t *testing.T) {
			token, err := m.GenerateToken("alice", role)
			if err != nil {
				t.Fatalf("GenerateToken: %v", err)
			}
			claims, err := m.ValidateToken(token)
			if err != nil {
				t.Fatalf("ValidateToken: %v", err)
			}
			if claims.Subject != "alice" || claims.Role != role {
				t.Errorf("claims = %+v", claims)
			}
			if got := claims.ExpiresAt.Sub(claims.IssuedAt); got != time.Hour {
				t.Errorf("lifetime = %v, want 1h", got)
			}
		})
	}
}

func TestGenerateTokenRejectsBadInput(t *testing.T) {
	m, _ := newTestManager(t)

	tests := []struct {
		name    string
		subject string
		role    string
		wantErr error
	}{
		{"empty subject", "", RoleAdmin, ErrEmptySubject},
		{"empty role", "alice", "", ErrEmptyRole},
		{"unknown role", "alice", "editor", ErrInvalidRole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.GenerateToken(tt.subject, tt.role); !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateTokenExpired(t *testing.T) {
	m, clk := newTestManager(t)

	token, err := m.GenerateToken("alice", RoleOperator)
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Hour)

	if _, err := m.ValidateToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("err = %v, want ErrExpiredToken", err)
	}
}

func TestValidateTokenRejectsTampering(t *testing.T) {
	m, _ := newTestManager(t)
	token, err := m.GenerateToken("alice", RoleViewer)
	if err != nil {
		t.Fatal(err)
	}

	other, err := NewJWTManager(strings.Repeat("x", 40), time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("foreign secret: err = %v, want ErrInvalidToken", err)
	}

	if _, err := m.ValidateToken(token + "x"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("bad signature: err = %v, want ErrInvalidToken", err)
	}
	if _, err := m.ValidateToken(""); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("empty: err = %v, want ErrInvalidToken", err)
	}
}

func TestValidateTokenRejectsNoneAlgorithm(t *testing.T) {
	m, _ := newTestManager(t)

	claims := jwt.MapClaims{
		"iss":  issuer,
		"sub":  "mallory",
		"role": RoleAdmin,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestAllows(t *testing.T) {
	tests := []struct {
		role, required string
		want           bool
	}{
		{RoleAdmin, RoleOperator, true},
		{RoleOperator, RoleOperator, true},
		{RoleViewer, RoleOperator, false},
		{RoleOperator, RoleAdmin, false},
		{RoleViewer, RoleViewer, true},
		{"editor", RoleViewer, false},
	}
	for _, tt := range tests {
		if got := Allows(tt.role, tt.required); got != tt.want {
			t.Errorf("Allows(%q, %q) = %v, want %v", tt.role, tt.required, got, tt.want)
		}
	}
}
