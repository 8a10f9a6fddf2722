// Package auth verifies the HS256 bearer tokens clients present at handshake
// and on the HTTP side channel.
package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/huguesloyatho/proxydash-sub001/internal/domain"
	apperrors "github.com/huguesloyatho/proxydash-sub001/internal/errors"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
)

// Claims identifies a dashboard user. The user id travels in the subject.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks tokens against a shared secret. With an empty secret every
// client is anonymous and tokens are ignored.
type Verifier struct {
	secret   []byte
	required bool
	clock    clockwork.Clock
}

func NewVerifier(secret string, required bool, clock clockwork.Clock) *Verifier {
	return &Verifier{secret: []byte(secret), required: required, clock: clock}
}

// Enabled reports whether tokens are checked at all.
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// Sign issues a token for userID valid for ttl.
func (v *Verifier) Sign(userID, name string, ttl time.Duration) (string, error) {
	now := v.clock.Now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token.
func (v *Verifier) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, domain.ErrInvalidToken
	}
	return claims, nil
}

// Identify applies the handshake policy: a valid token yields its user id, an
// absent or invalid one yields an anonymous client, unless tokens are required.
func (v *Verifier) Identify(token string) (string, error) {
	if !v.Enabled() {
		return "", nil
	}

	if token == "" {
		if v.required {
			return "", apperrors.AuthError("bearer token required", domain.ErrInvalidToken)
		}
		return "", nil
	}

	claims, err := v.Verify(token)
	if err != nil {
		if v.required {
			return "", apperrors.AuthError("invalid bearer token", err)
		}
		slog.Debug("Invalid token, continuing anonymously", "error", err)
		return "", nil
	}
	return claims.Subject, nil
}

// TokenFromRequest reads the bearer token from the Authorization header, falling
// back to the token query parameter browsers use for WebSocket handshakes.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

const userIDKey = "user_id"

// RequireBearer rejects requests without a valid token. It is a no-op when
// tokens are disabled.
func (v *Verifier) RequireBearer() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !v.Enabled() {
				return next(c)
			}
			token := TokenFromRequest(c.Request())
			if token == "" {
				return apperrors.AuthError("bearer token required", domain.ErrInvalidToken)
			}
			claims, err := v.Verify(token)
			if err != nil {
				return apperrors.AuthError("invalid bearer token", err)
			}
			c.Set(userIDKey, claims.Subject)
			return next(c)
		}
	}
}

// UserID returns the user set by RequireBearer, empty when anonymous.
func UserID(c echo.Context) string {
	id, _ := c.Get(userIDKey).(string)
	return id
}
