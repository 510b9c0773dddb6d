// Package middleware provides HTTP middleware for the serve-mode server.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// APIKeyAuth guards endpoints with the locally configured API keys. The keys
// callback is consulted per request so config hot reloads take effect without
// a restart. An empty key list disables the check, which is the default for a
// loopback-only server.
func APIKeyAuth(keys func() []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		configured := keys()
		if len(configured) == 0 {
			c.Next()
			return
		}

		presented := presentedKey(c)
		for _, key := range configured {
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "invalid or missing api key",
		})
	}
}

// presentedKey extracts the key from either an Authorization bearer header or
// the X-API-Key header.
func presentedKey(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		if strings.HasPrefix(strings.ToLower(header), "bearer ") {
			return strings.TrimSpace(header[len("bearer "):])
		}
	}
	return strings.TrimSpace(c.GetHeader("X-API-Key"))
}
