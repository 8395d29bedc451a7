package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"golang.org/x/crypto/bcrypt"

	"github.com/serversentinel/sentinel/internal/models"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

func (s *Server) clientPasswordAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pw := r.Header.Get("X-Client-Password")
		if pw == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing X-Client-Password header"})
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.ClientPasswordHash), []byte(pw)); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid password"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UserSource is the slice of the store user auth reads.
type UserSource interface {
	GetUser(id string) (*models.User, error)
	GetUserByEmail(email string) (*models.User, error)
}

// UserAuth checks dashboard users against their bcrypt password hashes.
// It serves both the REST API and websocket upgrades.
type UserAuth struct {
	users UserSource
}

func NewUserAuth(users UserSource) *UserAuth {
	return &UserAuth{users: users}
}

// Authenticate reads HTTP basic credentials, falling back to the user and
// password query parameters for browser websocket clients.
func (a *UserAuth) Authenticate(r *http.Request) (*models.User, error) {
	name, pass, ok := r.BasicAuth()
	if !ok {
		q := r.URL.Query()
		name, pass = q.Get("user"), q.Get("password")
	}
	if name == "" || pass == "" {
		return nil, ErrUnauthorized
	}

	u, err := a.users.GetUserByEmail(name)
	if err != nil {
		return nil, fmt.Errorf("look up user: %w", err)
	}
	if u == nil {
		if u, err = a.users.GetUser(name); err != nil {
			return nil, fmt.Errorf("look up user: %w", err)
		}
	}
	if u == nil || u.PasswordHash == "" {
		return nil, ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(pass)); err != nil {
		return nil, ErrUnauthorized
	}
	if !u.IsActive {
		return nil, ErrForbidden
	}
	return u, nil
}

type ctxKey int

const userKey ctxKey = iota

// UserFromContext returns the user attached by the auth middleware.
func UserFromContext(ctx context.Context) *models.User {
	u, _ := ctx.Value(userKey).(*models.User)
	return u
}

func (s *Server) userAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := s.auth.Authenticate(r)
		switch {
		case errors.Is(err, ErrForbidden):
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "user is disabled"})
			return
		case errors.Is(err, ErrUnauthorized):
			w.Header().Set("WWW-Authenticate", `Basic realm="sentinel"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		case err != nil:
			s.logger.Error("user authentication failed", "err", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, u)))
	})
}

// requireRole admits only users holding one of roles.
func requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u := UserFromContext(r.Context())
			if u == nil || !slices.Contains(roles, u.Role) {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "insufficient role"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HashPassword hashes a plaintext password with bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
