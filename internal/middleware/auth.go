// Package middleware provides HTTP middleware for the gateway.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/parcelchain/custodia/internal/chaincode"
	"github.com/parcelchain/custodia/internal/models"
	"github.com/parcelchain/custodia/internal/pkg/apperrors"
	"github.com/parcelchain/custodia/internal/pkg/response"
)

// Principal is the authenticated caller: the user id and role every
// downstream authorization decision starts from. The ledger re-derives
// both from the user's certificate; this pair only gates the HTTP surface.
type Principal struct {
	UserID string
	Role   chaincode.Role
}

// Authenticator turns an incoming request into a Principal. One concrete
// strategy is active per deployment; both bindings share the route code.
type Authenticator interface {
	Authenticate(r *http.Request) (*Principal, error)
}

type contextKey string

const principalKey contextKey = "principal"

// Auth enforces authentication and stores the principal in the request
// context.
func Auth(a Authenticator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := a.Authenticate(r)
			if err != nil {
				response.Error(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), principalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPrincipal retrieves the authenticated principal from context, or nil.
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalKey).(*Principal); ok {
		return p
	}
	return nil
}

// RequireRole rejects requests whose principal does not hold one of the
// given roles. This is the coarse filter; the contract is the authority.
func RequireRole(roles ...chaincode.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := GetPrincipal(r.Context())
			if p == nil {
				response.Error(w, apperrors.Unauthenticated("authentication required"))
				return
			}
			for _, role := range roles {
				if p.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			response.Error(w, apperrors.NotAuthorized("role %s is not allowed on this route", p.Role))
		})
	}
}

// sessionClaims are the JWT claims a login issues.
type sessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies bearer tokens signed with an HMAC secret.
type JWTAuthenticator struct {
	secret    []byte
	expiresIn time.Duration
}

// NewJWTAuthenticator creates the bearer-token strategy.
func NewJWTAuthenticator(secret string, expiresIn time.Duration) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), expiresIn: expiresIn}
}

// Issue creates a signed session token for the user.
func (a *JWTAuthenticator) Issue(userID string, role chaincode.Role) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiresIn)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", apperrors.Internal(err, "signing session token")
	}
	return signed, nil
}

// Authenticate validates the Authorization: Bearer header.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (*Principal, error) {
	raw := BearerToken(r)
	if raw == "" {
		return nil, apperrors.Unauthenticated("missing bearer token")
	}
	return a.ValidateToken(raw)
}

// ValidateToken parses and verifies a raw token string. The WebSocket
// handshake authenticates through this directly.
func (a *JWTAuthenticator) ValidateToken(raw string) (*Principal, error) {
	var claims sessionClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.Unauthenticated("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apperrors.Unauthenticated("invalid or expired session token")
	}
	role, ok := chaincode.ParseRole(claims.Role)
	if !ok {
		return nil, apperrors.Unauthenticated("session token carries no valid role")
	}
	return &Principal{UserID: claims.Subject, Role: role}, nil
}

// BearerToken extracts the bearer token from the Authorization header, or
// from the token query parameter for WebSocket handshakes.
func BearerToken(r *http.Request) string {
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return r.URL.Query().Get("token")
}

// UserVerifier resolves credentials to a user record. Implemented by the
// user repository.
type UserVerifier interface {
	GetByUsername(ctx context.Context, username string) (*models.User, error)
}

// BasicAuthenticator verifies HTTP Basic credentials against the stored
// bcrypt hashes. The alternative strategy for deployments without a token
// issuer.
type BasicAuthenticator struct {
	users UserVerifier
}

// NewBasicAuthenticator creates the HTTP Basic strategy.
func NewBasicAuthenticator(users UserVerifier) *BasicAuthenticator {
	return &BasicAuthenticator{users: users}
}

// Authenticate validates the Authorization: Basic header.
func (a *BasicAuthenticator) Authenticate(r *http.Request) (*Principal, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, apperrors.Unauthenticated("missing basic credentials")
	}
	user, err := a.users.GetByUsername(r.Context(), username)
	if err != nil {
		return nil, apperrors.DependencyFailure(err, "looking up user")
	}
	if user == nil || user.Status != models.UserActive {
		return nil, apperrors.Unauthenticated("invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, apperrors.Unauthenticated("invalid credentials")
	}
	return &Principal{UserID: user.ID, Role: user.Role}, nil
}
