package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chat-relay/internal/common"
)

const UserIDKey = "user_id"

type IdentityResolver interface {
	Resolve(credential string) (string, error)
}

func AuthRequired(resolver IdentityResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, err := resolver.Resolve(c.GetHeader("Authorization"))
		if err != nil || uid == "" {
			common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
			c.Abort()
			return
		}
		c.Set(UserIDKey, uid)
		c.Next()
	}
}
