package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

func adminMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context claims")
			}
			if claims.IsAdmin {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}

// nudgeMiddleware wakes the sync worker after every successful local write.
func nudgeMiddleware(worker SyncWorker) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			err := next(ctx)
			if err == nil && worker != nil {
				switch ctx.Request().Method {
				case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
					if ctx.Response().Status < http.StatusBadRequest {
						worker.Nudge()
					}
				}
			}
			return err
		}
	}
}
