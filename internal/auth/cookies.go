package auth

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// CookieName is the httpOnly cookie browsers may carry the access token in
const CookieName = "buildforge_session"

// SetTokenCookie writes token as an httpOnly session cookie
func SetTokenCookie(c *gin.Context, token string, maxAge time.Duration, secure bool) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(CookieName, token, int(maxAge.Seconds()), "/", "", secure, true)
}

// TokenFromCookie reads the access token from the session cookie
func TokenFromCookie(c *gin.Context) (string, bool) {
	token, err := c.Cookie(CookieName)
	if err != nil || token == "" {
		return "", false
	}
	return token, true
}
