package service

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"lws.localdev.org/gateway"
)

// NewGatewayProvider serves the API gateway on its dedicated port. The
// route table is shared with the baseline server, which also exposes
// the management endpoints for it.
func NewGatewayProvider(deps *Deps, gw *gateway.Gateway) *httpProvider {
	return newHTTPProvider("gateway", deps.port(OffsetGateway), deps, nil, func(e *echo.Echo) {
		RegisterGatewayManagement(e, gw)
		e.Any("/*", gw.Handle)
	})
}

// RegisterGatewayManagement mounts the route management API. It lives
// on both the gateway port and the baseline server.
func RegisterGatewayManagement(e *echo.Echo, gw *gateway.Gateway) {
	e.GET("/_routes", func(c echo.Context) error {
		c.Set("operation", "ListRoutes")
		return c.JSON(http.StatusOK, map[string]any{"routes": gw.ListRoutes()})
	})
	e.POST("/_routes", func(c echo.Context) error {
		c.Set("operation", "AddRoute")
		var route gateway.Route
		if err := c.Bind(&route); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"message": err.Error()})
		}
		if err := gw.AddRoute(route); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"message": err.Error()})
		}
		return c.JSON(http.StatusCreated, route)
	})
	e.DELETE("/_routes", func(c echo.Context) error {
		c.Set("operation", "RemoveRoute")
		method := c.QueryParam("method")
		path := c.QueryParam("path")
		if err := gw.RemoveRoute(method, path); err != nil {
			return c.JSON(http.StatusNotFound, map[string]string{"message": err.Error()})
		}
		return c.NoContent(http.StatusNoContent)
	})
}
