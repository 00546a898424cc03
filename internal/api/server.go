package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/nzbengine/internal/api/controllers"
	"github.com/datallboy/nzbengine/internal/app"
)

// NewServer builds the echo router for the status surface.
func NewServer(app *app.Context, src controllers.StatusSource) *echo.Echo {
	e := echo.New()
	RegisterRoutes(e, app, src)
	return e
}

// Serve listens on addr until ctx is done.
func Serve(ctx context.Context, addr string, app *app.Context, src controllers.StatusSource) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewServer(app, src),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.Logger.Info("Status API listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status api: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
