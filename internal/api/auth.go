package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// ScopeAdmin grants the privileged ledger operations.
const ScopeAdmin = "ledger:admin"

// Claims is the token body issued and accepted by the API.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	Subject string
	Scopes  []string
}

// Has reports whether the identity carries scope.
func (id Identity) Has(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type contextKey string

const identityKey contextKey = "trancheledger.identity"

// IdentityFrom returns the caller set by the auth middleware.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// Authenticator validates HMAC-signed bearer tokens.
type Authenticator struct {
	secret    []byte
	anonymous bool
	issuer    string
	leeway    time.Duration
	logger    zerolog.Logger
}

// NewAuthenticator returns an authenticator. An empty secret disables caller
// tokens and closes the admin routes.
func NewAuthenticator(secret, issuer string, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		secret: []byte(strings.TrimSpace(secret)),
		issuer: issuer,
		leeway: 2 * time.Minute,
		logger: logger.With().Str("component", "auth").Logger(),
	}
}

// AllowAnonymous lets Caller pass unauthenticated requests while no secret is
// configured.
func (a *Authenticator) AllowAnonymous(allow bool) *Authenticator {
	a.anonymous = allow
	return a
}

// Enabled reports whether a signing secret is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// Caller attaches the token identity when auth is enabled and requires one.
// With auth disabled the request passes through anonymously only when
// anonymous access was allowed.
func (a *Authenticator) Caller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			if !a.anonymous {
				writeError(w, http.StatusForbidden, "forbidden", "public mutations disabled")
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		id, err := a.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

// Require rejects requests whose token lacks any of the scopes.
func (a *Authenticator) Require(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Enabled() {
				writeError(w, http.StatusForbidden, "forbidden", "admin api disabled")
				return
			}
			id, err := a.authenticate(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}
			for _, scope := range scopes {
				if !id.Has(scope) {
					a.logger.Warn().Str("subject", id.Subject).Str("scope", scope).Msg("insufficient scope")
					writeError(w, http.StatusForbidden, "forbidden", "insufficient scope")
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
		})
	}
}

func (a *Authenticator) authenticate(r *http.Request) (Identity, error) {
	raw := extractBearer(r.Header.Get("Authorization"))
	if raw == "" {
		return Identity{}, errors.New("missing bearer token")
	}
	claims, err := a.parse(raw)
	if err != nil {
		a.logger.Debug().Err(err).Msg("token validation failed")
		return Identity{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Identity{}, errors.New("token has no subject")
	}
	return Identity{Subject: claims.Subject, Scopes: strings.Fields(claims.Scope)}, nil
}

func (a *Authenticator) parse(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

// IssueToken signs an HS256 token for subject.
func IssueToken(secret, issuer, subject string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	if subject == "" {
		return "", errors.New("subject is empty")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	claims := Claims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
