package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/broadcast"
	"taskboard/domain"
)

const idempotencyKeyHeader = "X-Idempotency-Key"

// Register wires up all board routes on the provided Echo instance.
func Register(e *echo.Echo, svc TaskService, auth Authenticator, deduper Deduper, sub broadcast.Subscriber, logger *log.Logger) {
	g := e.Group("/api/projects/:projectId")
	g.GET("/tasks", getTasks(svc, auth, logger))
	g.POST("/tasks", postTask(svc, auth, logger))
	g.PATCH("/tasks/:taskId", patchTask(svc, auth, deduper, logger))
	g.DELETE("/tasks/:taskId", deleteTask(svc, auth, logger))
	g.POST("/members", postMember(svc, auth))
	g.GET("/stream", streamProject(svc, auth, sub))

	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func getTasks(svc TaskService, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newBoardRequestMetrics(ctx, logger, "/api/projects/:projectId/tasks")
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}
		projectID, perr := pathID(c, "projectId")
		if perr != nil {
			metrics.SetErrorStage("invalid_project_id")
			err = c.String(http.StatusBadRequest, "invalid project id")
			return err
		}

		tasks, svcErr := svc.ListTasks(ctx, projectID, userID)
		if svcErr != nil {
			metrics.SetErrorStage("list")
			err = writeServiceError(c, svcErr)
			return err
		}
		metrics.SetTasksReturned(len(tasks))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, tasks)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func postTask(svc TaskService, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		projectID, err := pathID(c, "projectId")
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid project id")
		}

		var in domain.TaskCreate
		if err := decodeBody(c, &in); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		task, err := svc.CreateTask(ctx, projectID, userID, in)
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(http.StatusCreated, task)
	}
}

func patchTask(svc TaskService, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newBoardRequestMetrics(ctx, logger, "/api/projects/:projectId/tasks/:taskId")
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}
		projectID, perr := pathID(c, "projectId")
		if perr != nil {
			metrics.SetErrorStage("invalid_project_id")
			err = c.String(http.StatusBadRequest, "invalid project id")
			return err
		}
		taskID, terr := pathID(c, "taskId")
		if terr != nil {
			metrics.SetErrorStage("invalid_task_id")
			err = c.String(http.StatusBadRequest, "invalid task id")
			return err
		}

		var upd domain.TaskUpdate
		if derr := decodeBody(c, &upd); derr != nil {
			metrics.SetErrorStage("decode_body")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}
		metrics.SetReordered(upd.Status != nil || upd.Position != nil)

		// A replayed reconcile request must not shift positions twice; it
		// answers with the task's current committed state instead.
		idemKey := c.Request().Header.Get(idempotencyKeyHeader)
		keyAdded := false
		if deduper != nil && idemKey != "" {
			added, dedupErr := deduper.Add(ctx, userID, idemKey)
			if dedupErr != nil {
				logger.Warnf("idempotency check unavailable: %v", dedupErr)
			} else if !added {
				task, getErr := svc.GetTask(ctx, projectID, taskID, userID)
				if getErr != nil {
					err = writeServiceError(c, getErr)
					return err
				}
				err = c.JSON(http.StatusOK, task)
				return err
			} else {
				keyAdded = true
			}
		}

		mutateStart := time.Now()
		task, svcErr := svc.UpdateTask(ctx, projectID, taskID, userID, upd)
		metrics.ObserveMutate(time.Since(mutateStart))
		if svcErr != nil {
			if keyAdded {
				if rmErr := deduper.Remove(ctx, userID, idemKey); rmErr != nil {
					logger.Warnf("idempotency key cleanup: %v", rmErr)
				}
			}
			metrics.SetErrorStage("mutate")
			err = writeServiceError(c, svcErr)
			return err
		}

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, task)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func deleteTask(svc TaskService, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		projectID, err := pathID(c, "projectId")
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid project id")
		}
		taskID, err := pathID(c, "taskId")
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid task id")
		}

		if err := svc.DeleteTask(ctx, projectID, taskID, userID); err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]string{"message": "task deleted"})
	}
}

func postMember(svc TaskService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		projectID, err := pathID(c, "projectId")
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid project id")
		}

		var in domain.MemberAdd
		if err := decodeBody(c, &in); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		if err := svc.AddMember(ctx, projectID, userID, in); err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(http.StatusCreated, map[string]string{"message": "member added"})
	}
}

func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

func decodeBody(c echo.Context, dst any) error {
	lr := io.LimitReader(c.Request().Body, patchBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeServiceError maps the domain error taxonomy onto HTTP statuses.
// Everything outside the taxonomy is a 500 the client treats as transient.
func writeServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrForbidden):
		return c.JSON(http.StatusForbidden, map[string]string{"error": "forbidden"})
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
	case errors.Is(err, domain.ErrInvalidInput):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	c.Logger().Error(err)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}
