package middleware

import (
	"net/http"
	"strings"

	"camlink/internal/core/services"

	"github.com/gin-gonic/gin"
)

// JIDKey is the gin context key under which the authenticated JID is stored.
const JIDKey = "jid"

// Auth validates the bearer token and stores the authenticated JID in the
// context. Websocket clients cannot always set headers, so a token query
// parameter is accepted as a fallback.
func Auth(tokens services.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			c.Abort()
			return
		}

		jid, err := tokens.Validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set(JIDKey, jid)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.Split(header, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return c.Query("token")
}
