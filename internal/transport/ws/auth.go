package ws

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"notifyrelay/internal/model"
)

// Claims is the handshake token payload. Subject carries the numeric user
// id.
type Claims struct {
	Role    string `json:"role,omitempty"`
	Session string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller of one handshake.
type Identity struct {
	User          int64
	Role          model.Role
	Session       string
	Authenticated bool
}

var errNoToken = errors.New("missing token")

var errNoSecret = errors.New("no jwt secret configured")

func tokenFrom(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// authenticate resolves the caller from the handshake token. In insecure
// mode the "user" and "role" query parameters are trusted instead; it exists
// for local development only.
func authenticate(r *http.Request, secret []byte, insecure bool) (Identity, error) {
	if len(secret) == 0 {
		if !insecure {
			return Identity{}, errNoSecret
		}
		q := r.URL.Query()
		user, err := strconv.ParseInt(q.Get("user"), 10, 64)
		if err != nil {
			return Identity{}, fmt.Errorf("user parameter: %w", err)
		}
		return Identity{User: user, Role: model.ParseRole(q.Get("role")), Authenticated: true}, nil
	}
	raw := tokenFrom(r)
	if raw == "" {
		return Identity{}, errNoToken
	}
	claims, err := ParseToken(raw, secret)
	if err != nil {
		return Identity{}, err
	}
	user, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("token subject %q: %w", claims.Subject, err)
	}
	return Identity{
		User:          user,
		Role:          model.ParseRole(claims.Role),
		Session:       claims.Session,
		Authenticated: true,
	}, nil
}

// ParseToken validates an HS256 handshake token.
func ParseToken(raw string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject: %w", jwt.ErrTokenInvalidClaims)
	}
	return claims, nil
}

// SignToken issues a handshake token. The host uses it for tooling and tests.
func SignToken(secret []byte, c Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
}

// Identify authenticates a plain HTTP request the same way as a handshake
// and returns the caller's user id.
func (h *Hub) Identify(r *http.Request) (int64, error) {
	id, err := authenticate(r, h.secret, h.cfg.Insecure)
	if err != nil {
		return 0, err
	}
	return id.User, nil
}
