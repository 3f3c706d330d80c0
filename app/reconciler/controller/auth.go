package controller

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/curtailx/curtailx/pkg/utils"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const sessionCookie = "cx_session"

// ValidateToken checks if the Authorization header contains a valid AdminToken
func (c *Controller) ValidateToken(r *http.Request) bool {
	if c.AdminToken == "" {
		return false
	}
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return false
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(token), []byte(c.AdminToken)) == 1
}

func (c *Controller) parseSession(r *http.Request) (jwt.MapClaims, bool) {
	if len(c.JWTSecret) == 0 {
		return nil, false
	}
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil, false
	}
	tok, err := jwt.Parse(cookie.Value, func(t *jwt.Token) (any, error) { return c.JWTSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return nil, false
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	return claims, ok
}

// ValidateSessionCookie checks if the session cookie is present, valid and carries the admin role
func (c *Controller) ValidateSessionCookie(r *http.Request) bool {
	claims, ok := c.parseSession(r)
	if !ok {
		return false
	}
	role, _ := claims["role"].(string)
	return role == "admin"
}

// RequireAuth middleware
func (c *Controller) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.ValidateToken(r) || c.ValidateSessionCookie(r) {
			next.ServeHTTP(w, r)
			return
		}
		c.writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}

// IssueSession issues a session cookie
func (c *Controller) IssueSession(w http.ResponseWriter, user User) error {
	ttl := 8 * time.Hour
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  user.Username,
		"role": user.Role,
		"exp":  time.Now().Add(ttl).Unix(),
		"iat":  time.Now().Unix(),
	})
	ss, err := token.SignedString(c.JWTSecret)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    ss,
		Path:     "/",
		HttpOnly: true,
		Secure:   os.Getenv("ENVIRONMENT") == "production",
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(ttl.Seconds()),
	})
	return nil
}

// currentUser returns the username associated with the request when available.
func (c *Controller) currentUser(r *http.Request) string {
	if c.ValidateToken(r) {
		return "api-token"
	}
	if claims, ok := c.parseSession(r); ok {
		if sub, _ := claims["sub"].(string); sub != "" {
			return sub
		}
	}
	return "unknown"
}

// HandleLogin exchanges admin credentials for a session cookie
func (c *Controller) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		c.writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if len(c.JWTSecret) == 0 {
		c.writeError(w, http.StatusServiceUnavailable, "sessions are disabled")
		return
	}
	u, ok := c.Users[in.Username]
	if !ok || !utils.CheckPassword(u.Hash, in.Password) {
		c.Logger.Warn("login rejected", zap.String("user", in.Username), zap.String("remote_addr", r.RemoteAddr))
		c.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := c.IssueSession(w, u); err != nil {
		c.writeError(w, http.StatusInternalServerError, "unable to issue session")
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]string{"ok": "1"})
}

// HandleLogout clears the session cookie
func (c *Controller) HandleLogout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
	w.WriteHeader(http.StatusNoContent)
}
