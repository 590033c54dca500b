package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/psyho/psyho/pkg/urls"
)

// Clickjacking sets X-Frame-Options unless the response or the route
// already decided.
func Clickjacking(d Deps) (gin.HandlerFunc, error) {
	value := strings.ToUpper(d.Settings.XFrameOptions)
	if value == "" {
		value = "DENY"
	}
	return func(c *gin.Context) {
		OnBeforeWrite(c, func() {
			h := c.Writer.Header()
			if h.Get("X-Frame-Options") != "" {
				return
			}
			if m := urls.Current(c); m != nil && m.XFrameExempt {
				return
			}
			h.Set("X-Frame-Options", value)
		})
		c.Next()
	}, nil
}
