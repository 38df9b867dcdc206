package http_api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const adminKey = "admin"

// adminAuth resolves the bearer token to an admin email. EventSource cannot set headers,
// so the token is also accepted as the access_token query parameter.
func (s *HTTPServer) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if token == "" {
			token = c.Query("access_token")
		}
		admin, ok := s.lookupToken(token)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Set(adminKey, admin)
		c.Next()
	}
}

func (s *HTTPServer) lookupToken(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	for known, admin := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return admin, true
		}
	}
	return "", false
}
