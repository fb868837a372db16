package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CORSMiddleware lets the configured SPA origins make credentialed requests.
// The matched origin is echoed back verbatim: browsers reject
// Access-Control-Allow-Origin: * on credentialed requests, so a wildcard here
// would silently break every cookie-bearing call. csrfHeader is exposed on
// responses because the SPA must read the token from it.
func CORSMiddleware(allowedOrigins []string, csrfHeader string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}

	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Add("Vary", "Origin")

		origin := c.GetHeader("Origin")
		if _, ok := allowed[origin]; ok && origin != "" {
			header.Set("Access-Control-Allow-Origin", origin)
			header.Set("Access-Control-Allow-Credentials", "true")
			header.Set("Access-Control-Expose-Headers", csrfHeader+", "+TraceIDHeader+", "+RequestIDHeader)

			if c.Request.Method == http.MethodOptions {
				header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				header.Set("Access-Control-Allow-Headers", "Content-Type, "+csrfHeader)
				header.Set("Access-Control-Max-Age", "600")
				c.AbortWithStatus(http.StatusNoContent)
				return
			}
		}

		c.Next()
	}
}
