package dispatch

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// VirtualHostRewrite maps virtual-hosted-style object requests
// (Host: <bucket>.<known host>) onto the path-style routes by
// prefixing the bucket to the request path.
func VirtualHostRewrite(knownHosts ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			host := c.Request().Host
			if idx := strings.LastIndexByte(host, ':'); idx != -1 {
				host = host[:idx]
			}
			for _, known := range knownHosts {
				suffix := "." + known
				if !strings.HasSuffix(host, suffix) {
					continue
				}
				bucket := strings.TrimSuffix(host, suffix)
				if bucket == "" {
					break
				}
				r := c.Request()
				r.URL.Path = "/" + bucket + r.URL.Path
				c.SetRequest(r)
				break
			}
			return next(c)
		}
	}
}
