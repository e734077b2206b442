package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yaqeenpay/ledger/internal/logging"
)

// Headers set by the upstream gateway after it authenticates the caller.
const (
	HeaderUserID = "X-User-ID"
	HeaderRoles  = "X-User-Roles"
)

// Middleware copies the upstream identity headers into the request context.
// Requests without them continue anonymously; RequireAuth rejects those.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if userID != "" {
			p := Principal{UserID: userID, Roles: splitRoles(c.GetHeader(HeaderRoles))}
			ctx := WithPrincipal(c.Request.Context(), p)
			ctx = logging.WithActor(ctx, userID)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}

// RequireAuth middleware rejects requests without an authenticated user
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := PrincipalFrom(c.Request.Context()); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects authenticated callers lacking role.
func RequireRole(u CurrentUser, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !u.IsInRole(c.Request.Context(), role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Insufficient role for this operation.",
			})
			return
		}
		c.Next()
	}
}

// splitRoles parses the roles header. RoleSystem is only ever granted
// in-process by AsSystem, so a caller claiming it is ignored.
func splitRoles(header string) []string {
	var roles []string
	for _, r := range strings.Split(header, ",") {
		if r = strings.TrimSpace(r); r != "" && !strings.EqualFold(r, RoleSystem) {
			roles = append(roles, r)
		}
	}
	return roles
}
