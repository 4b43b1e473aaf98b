package api

import (
	"errors"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const (
	defaultJWKSCacheTTL = 15 * time.Minute
	defaultAccountClaim = "account_id"
	boardsClaim         = "boards"
)

// AuthConfig configures token validation.
type AuthConfig struct {
	Audience string
	Issuer   string
	// TestSecret switches validation to HS256 with a shared secret.
	TestSecret   []byte
	KeyCacheTTL  time.Duration
	AccountClaim string
}

// Auth validates incoming JWT tokens.
type Auth struct {
	JWKS         *keyfunc.JWKS
	Audience     string
	Issuer       string
	TestMode     bool
	TestSecret   []byte
	AccountClaim string

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates a new Auth instance. A non-empty TestSecret enables HS256
// test mode and jwks may then be nil.
func NewAuth(jwks *keyfunc.JWKS, cfg AuthConfig) *Auth {
	a := &Auth{
		JWKS:         jwks,
		Audience:     cfg.Audience,
		Issuer:       cfg.Issuer,
		AccountClaim: cfg.AccountClaim,
		keyCacheTTL:  cfg.KeyCacheTTL,
	}
	if a.AccountClaim == "" {
		a.AccountClaim = defaultAccountClaim
	}
	if a.keyCacheTTL == 0 {
		a.keyCacheTTL = defaultJWKSCacheTTL
	}
	if len(cfg.TestSecret) > 0 {
		a.TestMode = true
		a.TestSecret = cfg.TestSecret
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	} else {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	}
	return a
}

// PrincipalFromAuthHeader validates the bearer token in an Authorization header.
func (a *Auth) PrincipalFromAuthHeader(h string) (Principal, error) {
	if h == "" {
		return Principal{}, errMissingAuthorization
	}
	token, err := bearerToken(h)
	if err != nil {
		return Principal{}, err
	}
	return a.PrincipalFromBearer(token)
}

// PrincipalFromBearer validates a raw bearer token.
func (a *Auth) PrincipalFromBearer(token string) (Principal, error) {
	if token == "" {
		return Principal{}, errBadAuthorization
	}

	var parsedToken *jwt.Token
	var err error
	if a.TestMode {
		parsedToken, err = a.parser.Parse(token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.TestSecret, nil
		})
	} else {
		parsedToken, err = a.parser.Parse(token, a.keyForToken)
	}
	if err != nil {
		return Principal{}, err
	}

	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, errors.New("invalid claims")
	}

	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return Principal{}, errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return Principal{}, errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(now, false) {
		return Principal{}, errors.New("token used before issued")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, false) {
		return Principal{}, errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false) {
		return Principal{}, errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Principal{}, errors.New("missing sub")
	}
	account, ok := claims[a.AccountClaim].(string)
	if !ok || account == "" {
		return Principal{}, errors.New("missing " + a.AccountClaim)
	}
	boards, err := boardsFromClaims(claims)
	if err != nil {
		return Principal{}, err
	}
	return Principal{Subject: sub, AccountID: account, Boards: boards}, nil
}

// boardsFromClaims reads the boards claim, which is either "*" or a list.
func boardsFromClaims(claims jwt.MapClaims) ([]string, error) {
	raw, ok := claims[boardsClaim]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []any:
		boards := make([]string, 0, len(v))
		for _, b := range v {
			s, ok := b.(string)
			if !ok {
				return nil, errors.New("invalid boards claim")
			}
			boards = append(boards, s)
		}
		return boards, nil
	}
	return nil, errors.New("invalid boards claim")
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}
