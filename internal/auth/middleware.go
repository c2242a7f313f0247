package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"rollcall/internal/model"
)

// RequireAuth enforces bearer JWT tokens signed with HS256 and stores the
// viewer identity on the request context.
func RequireAuth(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("claims", claims)
		c.Next()
	}
}

// RequireRole rejects requests whose token does not carry the given role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if Viewer(c).Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": role + " role required"})
			return
		}
		c.Next()
	}
}

// Viewer extracts the authenticated viewer from the request context. Zero
// value when RequireAuth did not run.
func Viewer(c *gin.Context) model.Viewer {
	claimsAny, ok := c.Get("claims")
	if !ok {
		return model.Viewer{}
	}
	claims, ok := claimsAny.(Claims)
	if !ok {
		return model.Viewer{}
	}
	return model.Viewer{ID: claims.Subject, Role: claims.Role}
}
