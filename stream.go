package main

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"bloomers/api"
	"bloomers/domain"
	"bloomers/worker"
)

const streamHeartbeat = 30 * time.Second

// streamRunEvents serves run-status updates for one run over SSE. The worker
// publishes every status change to the user's Redis channel; this handler
// forwards the events for the requested run and closes the stream once the
// run reaches a terminal state. EventSource cannot set headers, so the token
// may arrive as a query parameter instead.
func streamRunEvents(rc *redis.Client, auth *api.Auth) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get("Authorization")
		if header == "" {
			if token := c.QueryParam("token"); token != "" {
				header = "Bearer " + token
			}
		}
		userID, err := auth.UserIDFromAuthHeader(header)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		runID := c.Param("id")

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		c.Response().WriteHeader(http.StatusOK)
		flusher.Flush()

		ctx := c.Request().Context()
		sub := rc.Subscribe(ctx, worker.EventChannel(runEventsPrefix, userID))
		defer sub.Close()

		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-heartbeat.C:
				if _, err := c.Response().Write([]byte(": ping\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			case msg, open := <-sub.Channel():
				if !open {
					return nil
				}
				var ev domain.RunEvent
				if err := sonic.ConfigStd.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				if ev.RunID != runID {
					continue
				}
				if _, err := c.Response().Write([]byte("data: " + msg.Payload + "\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
				if ev.Status == domain.RunCompleted || ev.Status == domain.RunFailed {
					return nil
				}
			}
		}
	}
}
