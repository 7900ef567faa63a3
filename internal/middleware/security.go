package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders returns an Echo middleware that adds defensive response
// headers. Headers already supplied by the upstream are left alone.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res := c.Response()
			// Set at commit time: proxied responses are written by the handler.
			res.Before(func() {
				h := res.Header()
				if h.Get("X-Content-Type-Options") == "" {
					h.Set("X-Content-Type-Options", "nosniff")
				}
				if h.Get("X-Frame-Options") == "" {
					h.Set("X-Frame-Options", "DENY")
				}
			})
			return next(c)
		}
	}
}
