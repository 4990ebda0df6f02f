// Package http provides the HTTP servers of the turn router.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/turnrouter/internal/service"
	"github.com/xiaot623/gogo/turnrouter/internal/transport/http/internalapi"
	v1 "github.com/xiaot623/gogo/turnrouter/internal/transport/http/v1"
	"github.com/xiaot623/gogo/turnrouter/internal/transport/ws"
)

// NewExternalServer creates and configures the external-facing HTTP server.
// This server handles turns, session management and, when wsServer is
// non-nil, the WebSocket chat endpoint.
func NewExternalServer(svc *service.Service, wsServer *ws.Server) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	v1Handler := v1.NewHandler(svc)

	// Register Routes
	v1Handler.RegisterRoutes(e)
	if wsServer != nil {
		wsServer.RegisterRoutes(e)
	}

	return e
}

// NewInternalServer creates and configures the operator-facing HTTP server.
func NewInternalServer(svc *service.Service, policy internalapi.PolicyReloader, events internalapi.EventSource) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Handlers
	internalHandler := internalapi.NewHandler(svc, policy, events)

	// Register Routes
	internalHandler.RegisterRoutes(e)

	return e
}
