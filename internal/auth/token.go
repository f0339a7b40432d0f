// Package auth issues and validates the gateway's JWTs.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mwhitford/aegis/internal/models"
)

// Token types carried in the "type" claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims is the decoded content of one of our tokens. Extra holds any
// caller-supplied claims that rode along at issue time.
type Claims struct {
	Subject      string
	Username     string
	JTI          string
	TokenType    string
	TokenVersion int
	Roles        []string
	Permissions  []string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	Extra        map[string]any
}

// IsService reports whether the token belongs to a service principal.
// Service subjects carry a "service:" prefix.
func (c *Claims) IsService() bool {
	return len(c.Subject) > 8 && c.Subject[:8] == "service:"
}

// ServiceCode returns the service identifier for service tokens, empty
// otherwise.
func (c *Claims) ServiceCode() string {
	if !c.IsService() {
		return ""
	}
	return c.Subject[8:]
}

// IssueParams describes the token to mint.
type IssueParams struct {
	Subject      string
	Username     string
	TokenType    string
	TokenVersion int
	Roles        []string
	Permissions  []string
	TTL          time.Duration // zero means the manager default for the type
	Extra        map[string]any
}

// TokenManager signs and verifies tokens with a shared HMAC secret.
type TokenManager struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration

	now func() time.Time
}

func NewTokenManager(secret string, issuer string, accessTTL, refreshTTL time.Duration) *TokenManager {
	return &TokenManager{
		secret:     []byte(secret),
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// Issue mints a signed token and returns it with its decoded claims. The
// JTI is always freshly generated.
func (m *TokenManager) Issue(p IssueParams) (string, *Claims, error) {
	now := m.now()
	ttl := p.TTL
	if ttl == 0 {
		if p.TokenType == TokenTypeRefresh {
			ttl = m.refreshTTL
		} else {
			ttl = m.accessTTL
		}
	}

	claims := &Claims{
		Subject:      p.Subject,
		Username:     p.Username,
		JTI:          uuid.NewString(),
		TokenType:    p.TokenType,
		TokenVersion: p.TokenVersion,
		Roles:        p.Roles,
		Permissions:  p.Permissions,
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
		Extra:        p.Extra,
	}

	mc := jwt.MapClaims{
		"iss":           m.issuer,
		"sub":           claims.Subject,
		"jti":           claims.JTI,
		"iat":           claims.IssuedAt.Unix(),
		"exp":           claims.ExpiresAt.Unix(),
		"type":          claims.TokenType,
		"token_version": claims.TokenVersion,
	}
	if claims.Username != "" {
		mc["username"] = claims.Username
	}
	if claims.Roles != nil {
		mc["roles"] = claims.Roles
	}
	if claims.Permissions != nil {
		mc["permissions"] = claims.Permissions
	}
	for k, v := range p.Extra {
		if _, reserved := mc[k]; !reserved {
			mc[k] = v
		}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Decode verifies the signature and standard validity of a token and
// unpacks its claims. Expired tokens return models.ErrTokenExpired, every
// other failure maps to models.ErrTokenInvalid.
func (m *TokenManager) Decode(tokenString string) (*Claims, error) {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, models.ErrTokenExpired
		}
		return nil, models.ErrTokenInvalid
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, models.ErrTokenInvalid
	}
	return claimsFromMap(mc)
}

// DecodeExpect decodes a token and additionally requires its "type" claim
// to match.
func (m *TokenManager) DecodeExpect(tokenString, tokenType string) (*Claims, error) {
	claims, err := m.Decode(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenType {
		return nil, models.ErrTokenInvalid
	}
	return claims, nil
}

func claimsFromMap(mc jwt.MapClaims) (*Claims, error) {
	c := &Claims{}

	var ok bool
	if c.Subject, ok = mc["sub"].(string); !ok || c.Subject == "" {
		return nil, models.ErrTokenInvalid
	}
	if c.JTI, ok = mc["jti"].(string); !ok || c.JTI == "" {
		return nil, models.ErrTokenInvalid
	}
	if c.TokenType, ok = mc["type"].(string); !ok || c.TokenType == "" {
		return nil, models.ErrTokenInvalid
	}

	if v, ok := mc["token_version"].(float64); ok {
		c.TokenVersion = int(v)
	}
	if v, ok := mc["username"].(string); ok {
		c.Username = v
	}
	if v, ok := mc["iat"].(float64); ok {
		c.IssuedAt = time.Unix(int64(v), 0)
	}
	if v, ok := mc["exp"].(float64); ok {
		c.ExpiresAt = time.Unix(int64(v), 0)
	}
	c.Roles = stringSlice(mc["roles"])
	c.Permissions = stringSlice(mc["permissions"])

	known := map[string]struct{}{
		"iss": {}, "sub": {}, "jti": {}, "iat": {}, "exp": {},
		"type": {}, "token_version": {}, "username": {}, "roles": {}, "permissions": {},
	}
	for k, v := range mc {
		if _, skip := known[k]; skip {
			continue
		}
		if c.Extra == nil {
			c.Extra = make(map[string]any)
		}
		c.Extra[k] = v
	}
	return c, nil
}

// stringSlice coerces a decoded JSON claim into []string. JWT round-trips
// arrays as []any.
func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// HashToken produces the storage form of a raw token. The database only
// ever sees this digest.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
