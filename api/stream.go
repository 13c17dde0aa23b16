package api

import (
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"taskboard/broadcast"
)

// streamProject serves an SSE feed of the project's board. Delivery is
// hint-driven: a task_changed message wakes the loop, which re-reads the
// full ordered list and pushes it, so a burst of updates collapses into a
// single frame with the latest committed state.
func streamProject(svc TaskService, auth Authenticator, sub broadcast.Subscriber) echo.HandlerFunc {
	return func(c echo.Context) error {
		// EventSource cannot set headers, so browsers pass the token
		// as a query parameter.
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if authHeader == "" {
			if token := c.QueryParam("token"); token != "" {
				authHeader = "Bearer " + token
			}
		}
		userID, err := auth.UserIDFromAuthHeader(authHeader)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		projectID, err := pathID(c, "projectId")
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid project id")
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		ctx := c.Request().Context()
		hints := make(chan struct{}, 1)
		cancel := sub.Subscribe(broadcast.TasksTopic(projectID), broadcast.EventTaskChanged, func([]byte) {
			select {
			case hints <- struct{}{}:
			default:
			}
		})
		defer cancel()

		sent := false
		for {
			tasks, err := svc.ListTasks(ctx, projectID, userID)
			if err != nil {
				c.Logger().Error(err)
				if sent {
					// Headers are committed after the first frame; all
					// that is left is to close the stream so the client
					// reconnects.
					return nil
				}
				return writeServiceError(c, err)
			}
			data, err := sonic.Marshal(tasks)
			if err != nil {
				c.Logger().Error(err)
				return err
			}
			if _, err := c.Response().Write([]byte("event: " + broadcast.EventTaskChanged + "\ndata: ")); err != nil {
				return err
			}
			if _, err := c.Response().Write(data); err != nil {
				return err
			}
			if _, err := c.Response().Write([]byte("\n\n")); err != nil {
				return err
			}
			flusher.Flush()
			sent = true

			select {
			case <-ctx.Done():
				return nil
			case <-hints:
			}
		}
	}
}
