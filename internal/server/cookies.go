package server

import (
	"net/http"
	"strings"
	"time"

	"retinalab/internal/util"
)

const sessionCookieName = "app_session_id"

// sessionCookie builds the session cookie for the request's host. Localhost
// and bare IPs get SameSite=Lax; other hosts get SameSite=None, Secure over HTTPS.
// A negative maxAge expires the cookie.
func sessionCookie(r *http.Request, value string, maxAge time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
	}
	if util.IsLocalHost(r.Host) {
		c.SameSite = http.SameSiteLaxMode
	} else {
		c.SameSite = http.SameSiteNoneMode
		c.Secure = util.IsHTTPS(r)
	}
	switch {
	case maxAge > 0:
		c.MaxAge = int(maxAge.Seconds())
		c.Expires = time.Now().Add(maxAge).UTC()
	case maxAge < 0:
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0).UTC()
	}
	return c
}

// sessionToken returns the bearer token, falling back to the session cookie.
func sessionToken(r *http.Request) (string, bool) {
	if token, ok := bearerToken(r); ok {
		return token, true
	}
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return "", false
	}
	token := strings.TrimSpace(c.Value)
	return token, token != ""
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
