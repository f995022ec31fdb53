package mw

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CORS adds the headers browsers need to call the device endpoints and
// answers preflight requests with 204.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "OPTIONS, GET, POST")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Data")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
