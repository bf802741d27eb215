package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"code_exec_service/internal/common"

	"github.com/go-chi/jwtauth/v5"
	"github.com/golang-jwt/jwt/v5"
)

// Identity is the verified caller behind a bearer token.
type Identity struct {
	UserID        string         `json:"uid"`
	Email         string         `json:"email,omitempty"`
	Name          string         `json:"name,omitempty"`
	EmailVerified bool           `json:"email_verified"`
	Claims        map[string]any `json:"claims,omitempty"`
}

// Verifier turns a raw token into an Identity. Any failure is reported as
// common.ErrUnauthorized.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// JWTAuth verifies and issues HS256 tokens.
type JWTAuth struct {
	auth *jwtauth.JWTAuth
	exp  time.Duration
}

func NewJWTAuth(secret string, exp time.Duration) *JWTAuth {
	return &JWTAuth{
		auth: jwtauth.New("HS256", []byte(secret), nil),
		exp:  exp,
	}
}

func (j *JWTAuth) Verify(ctx context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, common.Errorf("token required: %w", common.ErrUnauthorized)
	}

	tok, err := jwtauth.VerifyToken(j.auth, token)
	if err != nil {
		return nil, common.Errorf("invalid token: %v: %w", err, common.ErrUnauthorized)
	}
	claims, err := tok.AsMap(ctx)
	if err != nil {
		return nil, common.Errorf("reading token claims: %v: %w", err, common.ErrUnauthorized)
	}

	userID, err := GetUserIDFromClaims(claims)
	if err != nil {
		return nil, common.Errorf("invalid token claims: %v: %w", err, common.ErrUnauthorized)
	}

	id := &Identity{UserID: userID, Claims: claims}
	id.Email, _ = claims["email"].(string)
	id.Name, _ = claims["name"].(string)
	id.EmailVerified, _ = claims["email_verified"].(bool)
	return id, nil
}

// GenerateToken issues a signed token for userID. Used by the development CLI
// and tests; production tokens come from the identity provider.
func (j *JWTAuth) GenerateToken(userID, email, name string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id":        userID,
		"sub":            userID,
		"email":          email,
		"name":           name,
		"email_verified": email != "",
		"exp":            now.Add(j.exp).Unix(),
		"iat":            now.Unix(),
	}
	_, tokenString, err := j.auth.Encode(claims)
	return tokenString, err
}

// GetUserIDFromClaims reads user_id and falls back to the standard sub claim.
func GetUserIDFromClaims(claims map[string]any) (string, error) {
	if id, ok := claims["user_id"].(string); ok && id != "" {
		return id, nil
	}
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub, nil
	}
	return "", errors.New("user_id claim is missing or not a string")
}
