// Package auth issues and validates the bearer tokens that protect the
// operator API.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dd0wney/cluso-ha/pkg/clock"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token has expired")
	ErrInvalidClaims = errors.New("invalid token claims")
	ErrEmptySubject  = errors.New("subject cannot be empty")
	ErrEmptyRole     = errors.New("role cannot be empty")
	ErrInvalidRole   = errors.New("invalid role")
	ErrShortSecret   = errors.New("secret must be at least 32 characters")
	ErrForbidden     = errors.New("role not permitted")
	ErrMissingToken  = errors.New("missing bearer token")
)

// Roles, in increasing order of privilege. Viewers read status and events,
// operators trigger failovers and recovery, admins also manage membership.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

var roleRank = map[string]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// Allows reports whether role grants at least the privilege of required.
func Allows(role, required string) bool {
	have, ok := roleRank[role]
	return ok && have >= roleRank[required]
}

const issuer = "cluso-ha"

// Claims identifies the operator behind a request.
type Claims struct {
	Subject   string    `json:"sub"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
	IssuedAt  time.Time `json:"issued_at"`
}

// JWTManager signs and validates HS256 tokens.
type JWTManager struct {
	secretKey     []byte
	tokenDuration time.Duration
	clk           clock.Clock
}

// NewJWTManager creates a manager. The secret must be at least 32
// characters.
func NewJWTManager(secret string, tokenDuration time.Duration, clk clock.Clock) (*JWTManager, error) {
	if len(secret) < 32 {
		return nil, ErrShortSecret
	}
	if tokenDuration <= 0 {
		tokenDuration = time.Hour
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &JWTManager{secretKey: []byte(secret), tokenDuration: tokenDuration, clk: clk}, nil
}

// GenerateToken issues a token for subject with role.
func (m *JWTManager) GenerateToken(subject, role string) (string, error) {
	if subject == "" {
		return "", ErrEmptySubject
	}
	if role == "" {
		return "", ErrEmptyRole
	}
	if _, ok := roleRank[role]; !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidRole, role)
	}

	now := m.clk.Now()
	claims := jwt.MapClaims{
		"iss":  issuer,
		"sub":  subject,
		"role": role,
		"exp":  now.Add(m.tokenDuration).Unix(),
		"iat":  now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(m.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return s, nil
}

// ValidateToken checks the signature, issuer and expiry of a token and
// returns its claims.
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secretKey, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.clk.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claimsMap, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidClaims
	}
	subject, ok := claimsMap["sub"].(string)
	if !ok || subject == "" {
		return nil, fmt.Errorf("%w: missing or invalid sub", ErrInvalidClaims)
	}
	role, ok := claimsMap["role"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing or invalid role", ErrInvalidClaims)
	}
	if _, known := roleRank[role]; !known {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRole, role)
	}

	exp, err := claimsMap.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: missing or invalid exp", ErrInvalidClaims)
	}
	out := &Claims{Subject: subject, Role: role, ExpiresAt: exp.Time}
	if iat, err := claimsMap.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	return out, nil
}

// TokenDuration returns how long issued tokens stay valid.
func (m *JWTManager) TokenDuration() time.Duration {
	return m.tokenDuration
}
