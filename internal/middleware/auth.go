package middleware

import (
	"errors"
	"net/http"
	"strings"

	"buildforge/internal/auth"

	"github.com/gin-gonic/gin"
)

const (
	ctxUserID   = "user_id"
	ctxUsername = "username"
	ctxRole     = "role"
	ctxClaims   = "token_claims"
	ctxToken    = "access_token"
)

// RequireAuth validates the access token carried in the Authorization
// header, the token query parameter (EventSource cannot set headers) or
// the session cookie, in that order.
func RequireAuth(validator auth.TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, code, msg := tokenFromRequest(c)
		if token == "" {
			AbortWithError(c, http.StatusUnauthorized, code, msg)
			return
		}

		claims, err := validator.ValidateAccessToken(token)
		if err != nil {
			code := "INVALID_TOKEN"
			if errors.Is(err, auth.ErrTokenExpired) {
				code = "TOKEN_EXPIRED"
			}
			AbortWithError(c, http.StatusUnauthorized, code, err.Error())
			return
		}

		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxUsername, claims.Username)
		c.Set(ctxRole, claims.Role)
		c.Set(ctxClaims, claims)
		c.Set(ctxToken, token)
		c.Next()
	}
}

func tokenFromRequest(c *gin.Context) (token, code, msg string) {
	if header := c.GetHeader("Authorization"); header != "" {
		token, err := extractBearerToken(header)
		if err != nil {
			return "", "INVALID_AUTH_HEADER", err.Error()
		}
		return token, "", ""
	}
	if token := c.Query("token"); token != "" {
		return token, "", ""
	}
	if token, ok := auth.TokenFromCookie(c); ok {
		return token, "", ""
	}
	return "", "AUTH_REQUIRED", "Authorization header is required"
}

func extractBearerToken(header string) (string, error) {
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", errors.New("invalid authorization header format, expected 'Bearer <token>'")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	if token == "" {
		return "", errors.New("token cannot be empty")
	}
	return token, nil
}

// GetUserID returns the authenticated user id
func GetUserID(c *gin.Context) (uint, bool) {
	v, ok := c.Get(ctxUserID)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint)
	return id, ok
}

// GetUsername returns the authenticated username, if the token carried one
func GetUsername(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxUsername)
	if !ok {
		return "", false
	}
	name, ok := v.(string)
	return name, ok
}

// GetClaims returns the validated token claims
func GetClaims(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(ctxClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}

// GetToken returns the raw access token the request authenticated with
func GetToken(c *gin.Context) string {
	return c.GetString(ctxToken)
}
