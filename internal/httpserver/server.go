package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/chadiek/voice-engine/internal/state"
)

// PhaseSource reports the current conversation phase. The engine implements
// it.
type PhaseSource interface {
	Phase() state.Phase
}

type stateResponse struct {
	Phase string `json:"phase"`
}

// New creates the ops server: liveness plus a read-only view of the
// conversation phase.
func New(phases PhaseSource) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/state", func(c echo.Context) error {
		return c.JSON(http.StatusOK, stateResponse{Phase: phases.Phase().String()})
	})
	return e
}
