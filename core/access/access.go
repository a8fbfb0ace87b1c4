/*Package access provides credential checking for grocify.

The frontend authenticates every mutating request with the user's password;
this package wraps the bcrypt comparison and hashing. As an alternative to
resending the password, a client can log in once and receive a short-lived
HS256 bearer token which the Middleware validates and turns into a request
identity.
*/
package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

// ErrNotAuthorized is returned when a credential check fails.
var ErrNotAuthorized = errors.New("you are not authorized to do this")

// BcryptCost is the work factor for password hashing.
const BcryptCost = 10

// HashPassword returns the bcrypt hash for the given plaintext password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// ComparePasswords reports whether the plaintext password matches the stored hash.
func ComparePasswords(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// CheckAuthorized returns ErrNotAuthorized if the plaintext password does not
// match the stored hash.
func CheckAuthorized(password, hash string) error {
	if !ComparePasswords(password, hash) {
		return ErrNotAuthorized
	}
	return nil
}

// TokenIssuer creates and validates bearer tokens for authenticated users.
type TokenIssuer struct {
	secret   []byte
	validity time.Duration
}

// NewTokenIssuer creates a token issuer with the given signing secret.
// Tokens are valid for the given duration.
func NewTokenIssuer(secret string, validity time.Duration) (*TokenIssuer, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("token secret must be at least 16 characters")
	}
	return &TokenIssuer{secret: []byte(secret), validity: validity}, nil
}

// Issue returns a signed token for the given user id.
func (t *TokenIssuer) Issue(userID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.validity)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Validate parses a token and returns the user id it was issued for.
func (t *TokenIssuer) Validate(token string) (string, error) {
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrNotAuthorized
	}
	return claims.Subject, nil
}

type contextKeyIdentityType struct{}

var contextKeyIdentity = &contextKeyIdentityType{}

// IdentityFromContext returns the authenticated user id from the context,
// or the empty string if the request carried no valid token.
func IdentityFromContext(ctx context.Context) string {
	identity, _ := ctx.Value(contextKeyIdentity).(string)
	return identity
}

// ContextWithIdentity returns a context carrying the given user id.
func ContextWithIdentity(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, userID)
}

// Middleware validates bearer tokens and attaches the authenticated identity
// to the request context. Requests without a token pass through untouched;
// requests with an invalid token are rejected.
func (t *TokenIssuer) Middleware() mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				h.ServeHTTP(w, r)
				return
			}
			token := strings.TrimPrefix(auth, "Bearer ")
			if token == auth {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}
			userID, err := t.Validate(token)
			if err != nil {
				http.Error(w, "not authorized", http.StatusUnauthorized)
				return
			}
			h.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), userID)))
		})
	}
}
