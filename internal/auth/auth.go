// Package auth guards the coordinator API with HTTP basic auth backed by
// bcrypt password hashes.
package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/fleetd/internal/config"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// ContextKey is used for context keys to avoid collisions
type ContextKey string

// UserKey holds the authenticated username in the gin context.
const UserKey ContextKey = "auth_user"

// dummyHash is compared against for unknown users so lookups take the
// same time as real ones.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("fleetd-unknown-user"), bcrypt.MinCost)

// Authenticator checks basic credentials against configured users.
type Authenticator struct {
	enabled bool
	users   map[string][]byte
}

func New(cfg config.AuthConfig) (*Authenticator, error) {
	a := &Authenticator{enabled: cfg.Enabled, users: make(map[string][]byte, len(cfg.Users))}
	for _, u := range cfg.Users {
		if u.Username == "" {
			return nil, errors.New("auth user without username")
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %s: password_hash is not a bcrypt hash: %w", u.Username, err)
		}
		a.users[u.Username] = []byte(u.PasswordHash)
	}
	return a, nil
}

// HashPassword produces a hash suitable for config password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}

func (a *Authenticator) Enabled() bool { return a != nil && a.enabled }

// Check verifies username and password.
func (a *Authenticator) Check(username, password string) error {
	hash, ok := a.users[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// GinAuth returns a Gin middleware function for authentication
func (a *Authenticator) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}
		user, pass, ok := c.Request.BasicAuth()
		if !ok || a.Check(user, pass) != nil {
			c.Header("WWW-Authenticate", `Basic realm="fleetd"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
				"code":  "unauthorized",
			})
			return
		}
		c.Set(string(UserKey), user)
		c.Next()
	}
}
