package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/testdrivenio/flask-spa-auth/internal/csrf"
)

// CSRFMiddleware enforces the double-submit check: the token presented in the
// request header must match the HttpOnly cookie copy and carry a fresh, valid
// signature. It runs before any business logic, so a forged request is
// rejected before credentials are even looked at. Every failure mode gets the
// same response shape; the precise cause goes to the log only.
func CSRFMiddleware(svc *csrf.Service, cookieName, headerName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		cookieToken, _ := c.Cookie(cookieName)
		headerToken := c.GetHeader(headerName)

		if err := svc.Validate(cookieToken, headerToken); err != nil {
			zerolog.Ctx(c.Request.Context()).Warn().Err(err).Msg("CSRF validation failed")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"detail": "CSRF validation failed"})
			return
		}

		c.Next()
	}
}
