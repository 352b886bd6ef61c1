package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"assistant-relay/pkg/auth"
)

const identityKey = "identity"

type Verifier interface {
	Verify(token string) (auth.Identity, error)
}

// JwtAuth rejects requests without a valid bearer token and stores the
// verified identity on the context.
func JwtAuth(verifier Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.BearerToken(c.GetHeader("Authorization"))
		var id auth.Identity
		if err == nil {
			id, err = verifier.Verify(token)
		}
		if err != nil {
			msg := "Invalid token"
			if errors.Is(err, auth.ErrMissingCredential) {
				msg = "Missing token"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// IdentityFrom returns the identity stored by JwtAuth.
func IdentityFrom(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return auth.Identity{}, false
	}
	id, ok := v.(auth.Identity)
	return id, ok
}
