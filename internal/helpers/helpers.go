package helpers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

type CustomClaims struct {
	Role        string `json:"role"`
	Email       string `json:"email"`
	AppMetadata struct {
		Provider  string   `json:"provider"`
		Providers []string `json:"providers"`
		Roles     []string `json:"roles,omitempty"`
	} `json:"app_metadata"`
	UserMetadata map[string]interface{} `json:"user_metadata"`
	jwt.RegisteredClaims
}

// TokenValidator verifies Supabase access tokens against the project's
// JWKS. The key set is fetched on first use and refreshed in the
// background.
type TokenValidator struct {
	jwksURL         string
	allowUnverified bool

	mu   sync.Mutex
	jwks *keyfunc.JWKS
}

// NewTokenValidator builds a validator for the Supabase project at
// supabaseURL. With allowUnverified set, tokens are still parsed when the
// JWKS cannot be fetched; only for local development.
func NewTokenValidator(supabaseURL string, allowUnverified bool) *TokenValidator {
	return &TokenValidator{
		jwksURL:         fmt.Sprintf("%s/auth/v1/.well-known/jwks.json", strings.TrimRight(supabaseURL, "/")),
		allowUnverified: allowUnverified,
	}
}

func (v *TokenValidator) keys() (*keyfunc.JWKS, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.jwks != nil {
		return v.jwks, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	jwks, err := keyfunc.Get(v.jwksURL, keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  5 * time.Minute,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, err
	}
	v.jwks = jwks
	return jwks, nil
}

func (v *TokenValidator) ValidateToken(tokenStr string) (*CustomClaims, error) {
	jwks, err := v.keys()
	if err != nil {
		if !v.allowUnverified {
			return nil, fmt.Errorf("failed to load JWKS: %v", err)
		}
		token, _, parseErr := jwt.NewParser().ParseUnverified(tokenStr, &CustomClaims{})
		if parseErr != nil {
			return nil, fmt.Errorf("JWKS validation failed and fallback parsing failed: %v", parseErr)
		}
		claims, ok := token.Claims.(*CustomClaims)
		if !ok {
			return nil, errors.New("invalid token claims")
		}
		return claims, nil
	}

	token, err := jwt.ParseWithClaims(tokenStr, &CustomClaims{}, jwks.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %v", err)
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid or expired token")
	}

	return claims, nil
}

// Close stops the background JWKS refresh.
func (v *TokenValidator) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}

// NormalizeID trims spaces and surrounding quotes, which clients add when
// they pass ids as JSON strings or templates.
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	return strings.Trim(id, "\"'")
}

// BearerToken extracts the token from an "Authorization: Bearer ..." header
// value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
