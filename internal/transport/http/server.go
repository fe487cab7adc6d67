// Package http provides the HTTP servers of the run service.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/agentrun/internal/service"
	"github.com/xiaot623/gogo/agentrun/internal/transport/http/internalapi"
	v1 "github.com/xiaot623/gogo/agentrun/internal/transport/http/v1"
)

// NewExternalServer creates the public API server: runs, their events and
// live streams, and the tool catalog.
func NewExternalServer(svc *service.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	v1.NewHandler(svc).RegisterRoutes(e)

	return e
}

// NewInternalServer creates the operator-facing server.
func NewInternalServer(svc *service.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	internalapi.NewHandler(svc).RegisterRoutes(e)

	return e
}
