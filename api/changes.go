package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-sync/domain"
)

const heartbeatInterval = 30 * time.Second

// Subscriber hands out per-user change event subscriptions.
type Subscriber interface {
	Subscribe(userID string) (<-chan domain.ChangeEvent, func())
}

// RegisterChanges exposes the change events of an account as a
// server-sent event stream.
func RegisterChanges(e *echo.Echo, subs Subscriber, auth Authenticator, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	e.GET("/api/changes/:userId", streamChanges(subs, auth, logger))
}

func streamChanges(subs Subscriber, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("token"); authHeader == "" && token != "" {
			authHeader = bearerPrefix + token
		}
		userID, err := auth.UserIDFromAuthHeader(authHeader)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Message: err.Error()})
		}
		if userID != c.Param("userId") {
			return c.JSON(http.StatusForbidden, errorResponse{Message: msgForbidden})
		}

		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.JSON(http.StatusInternalServerError, errorResponse{Message: "stream unsupported"})
		}
		h := c.Response().Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set(echo.HeaderCacheControl, "no-cache")
		h.Set(echo.HeaderConnection, "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		c.Response().WriteHeader(http.StatusOK)

		events, unsubscribe := subs.Subscribe(userID)
		defer unsubscribe()

		w := c.Response()
		if _, err := w.Write([]byte(": connected\n\n")); err != nil {
			return nil
		}
		flusher.Flush()
		logger.WithField("user", userID).Debug("change stream opened")

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()
		ctx := c.Request().Context()
		for {
			select {
			case <-ctx.Done():
				logger.WithField("user", userID).Debug("change stream closed")
				return nil
			case <-heartbeat.C:
				if _, err := w.Write([]byte(": ping\n\n")); err != nil {
					return nil
				}
			case ev, open := <-events:
				if !open {
					return nil
				}
				data, err := sonic.Marshal(ev)
				if err != nil {
					logger.WithError(err).Warn("encode change event")
					continue
				}
				if _, err := w.Write(append(append([]byte("event: change\ndata: "), data...), '\n', '\n')); err != nil {
					return nil
				}
			}
			flusher.Flush()
		}
	}
}
