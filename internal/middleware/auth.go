// Package middleware contains the HTTP middleware of the patient token service.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

type contextKey string

const staffIDKey contextKey = "staffID"

const (
	authCookieName = "staff_token"
	authCookieTTL  = 24 * time.Hour
)

// AuthMiddleware guards the approval endpoints with an HMAC-signed staff
// cookie. Patient identity is handled by the external directory, not here.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware creates an AuthMiddleware with the given secret key.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware verifies the staff cookie and puts the staff identifier into
// the request context.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		staffID, ok := a.parseCookie(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), staffIDKey, staffID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetAuthCookie installs the signed staff cookie.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, staffID string) {
	value := a.signStaffID(staffID)

	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    value,
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

func (a *AuthMiddleware) signStaffID(staffID string) string {
	// The id is hex encoded so the dot separator stays unambiguous.
	idHex := hex.EncodeToString([]byte(staffID))
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(idHex))
	signature := mac.Sum(nil)
	return idHex + "." + hex.EncodeToString(signature)
}

func (a *AuthMiddleware) parseCookie(cookieValue string) (string, bool) {
	parts := strings.Split(cookieValue, ".")
	if len(parts) != 2 {
		return "", false
	}

	idBytes, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", false
	}

	expected, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", false
	}

	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(parts[0]))
	if !hmac.Equal(mac.Sum(nil), expected) {
		return "", false
	}

	return string(idBytes), true
}

// GetStaffIDFromContext returns the authenticated staff identifier.
func GetStaffIDFromContext(ctx context.Context) (string, bool) {
	staffID, ok := ctx.Value(staffIDKey).(string)
	return staffID, ok
}
