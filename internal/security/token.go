package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gryffen/internal/config"
	apperrors "gryffen/internal/errors"
)

// Token scopes.
const (
	ScopeAccess = "access"
	ScopeOAuth  = "oauth"
)

// Claims are the operator token claims. Expires is unix seconds; the
// configured never-expire timestamp marks a token that does not expire.
type Claims struct {
	Scope   string `json:"scope"`
	Expires int64  `json:"expires"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies operator tokens.
type TokenIssuer struct {
	method      jwt.SigningMethod
	key         []byte
	accessTTL   time.Duration
	oauthTTL    time.Duration
	neverExpire int64
	now         func() time.Time
}

// NewTokenIssuer builds an issuer from the security settings. key is the
// signing subkey from NewKeys.
func NewTokenIssuer(cfg config.SecurityConfig, neverExpire int64, key []byte) (*TokenIssuer, error) {
	method, ok := jwt.GetSigningMethod(cfg.AccessTokenAlgo).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeConfigInvalid,
			"ACCESS_TOKEN_HASH_ALGO %q is not an HMAC algorithm", cfg.AccessTokenAlgo)
	}
	if len(key) == 0 {
		return nil, apperrors.Newf(apperrors.ErrCodeConfigMissing, "token signing key is empty")
	}
	return &TokenIssuer{
		method:      method,
		key:         key,
		accessTTL:   cfg.AccessTokenExpire,
		oauthTTL:    cfg.OAuthTokenExpire,
		neverExpire: neverExpire,
		now:         time.Now,
	}, nil
}

// WithClock replaces the issuer's clock.
func (t *TokenIssuer) WithClock(now func() time.Time) *TokenIssuer {
	t.now = now
	return t
}

// Issue signs a token for subject. A permanent token carries the
// never-expire timestamp instead of now + TTL.
func (t *TokenIssuer) Issue(subject, scope string, permanent bool) (string, *Claims, error) {
	now := t.now()
	ttl := t.accessTTL
	if scope == ScopeOAuth {
		ttl = t.oauthTTL
	}

	claims := &Claims{
		Scope:   scope,
		Expires: now.Add(ttl).Unix(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if permanent {
		claims.Expires = t.neverExpire
	}

	signed, err := jwt.NewWithClaims(t.method, claims).SignedString(t.key)
	if err != nil {
		return "", nil, apperrors.NewAppError(apperrors.ErrCodeInternal, "failed to sign token", err)
	}
	return signed, claims, nil
}

// Verify checks the signature, algorithm, expiry and scope of raw.
func (t *TokenIssuer) Verify(raw, scope string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return t.key, nil
	}, jwt.WithValidMethods([]string{t.method.Alg()}), jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, unauthorized("invalid token", err)
	}

	if claims.Expires != t.neverExpire && t.now().Unix() >= claims.Expires {
		return nil, unauthorized("token expired", nil)
	}
	if scope != "" && claims.Scope != scope {
		return nil, unauthorized("token scope mismatch", nil)
	}
	return claims, nil
}

// Permanent reports whether claims never expire.
func (t *TokenIssuer) Permanent(claims *Claims) bool {
	return claims.Expires == t.neverExpire
}

func unauthorized(msg string, cause error) *apperrors.AppError {
	if cause != nil && errors.Is(cause, jwt.ErrTokenSignatureInvalid) {
		msg = "invalid token signature"
	}
	return apperrors.NewAppError(apperrors.ErrCodeUnauthorized, msg, cause)
}
