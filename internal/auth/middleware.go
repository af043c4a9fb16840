package auth

import (
	"strings"

	"github.com/gin-gonic/gin"

	"uniscan/internal/errs"
)

// IdentityKey is the gin context key holding the resolved Identity.
const IdentityKey = "identity"

// Verifier resolves a bearer token to an identity.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// RequireIdentity enforces a valid session token on every request it guards.
// Both "Bearer <token>" and a bare token are accepted.
func RequireIdentity(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := extractToken(c.GetHeader("Authorization"))
		if tokenStr == "" {
			abort(c, errs.ErrUnauthenticated)
			return
		}
		id, err := v.Verify(tokenStr)
		if err != nil {
			abort(c, errs.ErrUnauthenticated)
			return
		}
		c.Set(IdentityKey, id)
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

// RequireRole must run after RequireIdentity.
func RequireRole(role Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := IdentityFrom(c.Request.Context())
		if !ok {
			abort(c, errs.ErrUnauthenticated)
			return
		}
		if id.Role != role {
			abort(c, errs.ErrForbidden)
			return
		}
		c.Next()
	}
}

func extractToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) >= 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

func abort(c *gin.Context, err *errs.Error) {
	c.AbortWithStatusJSON(errs.HTTPStatus(err.Kind), gin.H{"error": err.Msg, "kind": err.Kind})
}
