package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/psyho/psyho/pkg/messages"
)

// Messages gives each request a message store backed by the session.
func Messages(d Deps) (gin.HandlerFunc, error) {
	return func(c *gin.Context) {
		messages.Bind(c)
		OnBeforeWrite(c, func() { messages.Flush(c) })
		c.Next()
	}, nil
}
