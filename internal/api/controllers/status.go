package controllers

import (
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/nzbengine/internal/engine"
)

// StatusSource is implemented by *engine.Engine.
type StatusSource interface {
	Status() engine.Status
}

type StatusController struct {
	Source StatusSource
}

// Handle returns the engine snapshot as JSON.
func (ctrl *StatusController) Handle(c *echo.Context) error {
	return c.JSON(http.StatusOK, ctrl.Source.Status())
}
