// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
)

const authRealm = `Basic realm="AI Consumption Tracker"`

// BasicAuth creates a middleware that requires HTTP Basic Authentication.
// If username or password is empty, the middleware allows all requests through.
//
// Parameters:
//   - username: Required username (empty = no auth)
//   - password: Required password (empty = no auth)
//
// Returns:
//   - gin.HandlerFunc: Middleware function
func BasicAuth(username, password string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if username == "" || password == "" {
			c.Next()
			return
		}

		user, pass, ok := c.Request.BasicAuth()
		if !ok {
			c.Header("WWW-Authenticate", authRealm)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}

		// Constant-time comparison to prevent timing attacks
		usernameMatch := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
		passwordMatch := subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1

		if !usernameMatch || !passwordMatch {
			c.Header("WWW-Authenticate", authRealm)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid credentials",
			})
			return
		}

		c.Next()
	}
}

// LocalhostOnly creates a middleware that only allows requests from loopback addresses.
//
// Parameters:
//   - allowRemote: If true, allows requests from any IP
//
// Returns:
//   - gin.HandlerFunc: Middleware function
func LocalhostOnly(allowRemote bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if allowRemote {
			c.Next()
			return
		}

		ip := net.ParseIP(c.ClientIP())
		if ip == nil || !ip.IsLoopback() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "access denied: agent API is bound to localhost only",
			})
			return
		}

		c.Next()
	}
}
