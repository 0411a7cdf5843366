package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

var (
	// ErrTokenExpired indicates the bearer token is past its expiry.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenInvalid indicates the bearer token failed signature or claim validation.
	ErrTokenInvalid = errors.New("auth: token invalid")
	// ErrVerifierUnavailable indicates no signing material is configured or reachable.
	ErrVerifierUnavailable = errors.New("auth: verifier unavailable")
)

// JWTVerifierConfig configures bearer token verification. Secret enables HS256 tokens and JWKS
// enables RS256/ES256 tokens; either or both may be set.
type JWTVerifierConfig struct {
	Secret    string
	JWKS      *JWKSCache
	Issuer    string
	Audience  string
	AdminRole string
	Clock     func() time.Time
}

// JWTVerifier validates access tokens issued by the store's identity service.
type JWTVerifier struct {
	secret    []byte
	jwks      *JWKSCache
	issuer    string
	audience  string
	adminRole string
	now       func() time.Time
}

type accessClaims struct {
	jwt.RegisteredClaims
	Roles  []string `json:"roles,omitempty"`
	Role   string   `json:"role,omitempty"`
	Phone  string   `json:"phone,omitempty"`
	Locale string   `json:"locale,omitempty"`
}

// NewJWTVerifier constructs a verifier from the supplied signing material.
func NewJWTVerifier(cfg JWTVerifierConfig) (*JWTVerifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" && cfg.JWKS == nil {
		return nil, fmt.Errorf("%w: secret or jwks is required", ErrVerifierUnavailable)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &JWTVerifier{
		secret:    []byte(secret),
		jwks:      cfg.JWKS,
		issuer:    strings.TrimSpace(cfg.Issuer),
		audience:  strings.TrimSpace(cfg.Audience),
		adminRole: normaliseRole(cfg.AdminRole),
		now:       clock,
	}, nil
}

// Verify parses and validates token, returning the identity it carries.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	methods := make([]string, 0, 3)
	if len(v.secret) > 0 {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	if v.jwks != nil {
		methods = append(methods, jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg())
	}
	parser := jwt.NewParser(jwt.WithValidMethods(methods), jwt.WithoutClaimsValidation())

	claims := &accessClaims{}
	_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); ok {
			return v.secret, nil
		}
		if v.jwks == nil {
			return nil, ErrVerifierUnavailable
		}
		return v.jwks.Keyfunc(ctx)(t)
	})
	if err != nil {
		if errors.Is(err, ErrJWKSFetchFailed) {
			return nil, fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	now := v.now()
	if !claims.VerifyExpiresAt(now, true) {
		return nil, ErrTokenExpired
	}
	if !claims.VerifyNotBefore(now, false) {
		return nil, fmt.Errorf("%w: token not yet valid", ErrTokenInvalid)
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrTokenInvalid)
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrTokenInvalid)
	}

	userID, err := strconv.ParseInt(strings.TrimSpace(claims.Subject), 10, 64)
	if err != nil || userID <= 0 {
		return nil, fmt.Errorf("%w: subject is not a user id", ErrTokenInvalid)
	}

	identity := &Identity{
		UserID:  userID,
		Subject: claims.Subject,
		Phone:   claims.Phone,
		Locale:  claims.Locale,
		Roles:   v.roles(claims),
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}

// roles merges the list and single-role claims, mapping the configured admin role name onto
// RoleAdmin. Tokens without roles are customers.
func (v *JWTVerifier) roles(claims *accessClaims) []string {
	raw := append([]string{claims.Role}, claims.Roles...)
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, role := range raw {
		role = normaliseRole(role)
		if role == "" {
			continue
		}
		if v.adminRole != "" && role == v.adminRole {
			role = RoleAdmin
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	if len(out) == 0 {
		out = append(out, RoleCustomer)
	}
	return out
}
