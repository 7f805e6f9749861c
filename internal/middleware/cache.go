package middleware

import (
	"github.com/gin-gonic/gin"
)

// NoStore keeps attempt data out of shared and browser caches. Exam payloads
// carry reference answers and must never be served stale to another student.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Header("Pragma", "no-cache")
		c.Next()
	}
}
