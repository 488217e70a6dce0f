package httpmw

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// APIKeyAuth rejects write requests that do not carry one of the accepted
// keys, either as "X-API-Key: <key>" or "Authorization: Bearer <key>".
// GET/HEAD requests and an empty key set pass through unchecked.
func APIKeyAuth(keys []string) gin.HandlerFunc {
	accepted := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		accepted[k] = struct{}{}
	}

	return func(c *gin.Context) {
		if len(accepted) == 0 || c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}

		key := c.GetHeader("X-API-Key")
		if key == "" {
			if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if _, ok := accepted[key]; !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "UNAUTHORIZED", "message": "missing or invalid API key"},
			})
			return
		}
		c.Next()
	}
}
