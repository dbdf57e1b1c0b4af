// Package api serves the per-account task and activity collections that
// the sync client reads and replaces.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-sync/domain"
	"prism-sync/storage"
)

const (
	msgUserNotFound = "User not found"
	msgServerError  = "Server error"
	msgForbidden    = "Token subject does not match user"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store storage.Backend, auth Authenticator, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	h := &handlers{store: store, auth: auth, logger: logger, now: time.Now}

	e.GET("/api/tasks/:userId", h.getTasks)
	e.PUT("/api/tasks/:userId", h.putTasks)
	e.GET("/api/activities/:userId", h.getActivities)
	e.PUT("/api/activities/:userId", h.putActivities)
	e.POST("/api/users", h.postUser)
	e.GET("/healthz", healthz)
}

type handlers struct {
	store  storage.Backend
	auth   Authenticator
	logger *log.Logger
	now    func() time.Time
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// request carries the per-request state shared by every collection route.
type request struct {
	c       echo.Context
	ctx     context.Context
	metrics *requestMetrics
	userID  string
	// cause is the failure reported to metrics; the handler itself returns
	// nil once a response has been written.
	cause error
}

func (h *handlers) begin(c echo.Context) *request {
	metrics, ctx := newRequestMetrics(c.Request().Context(), h.logger, c.Request().Method, c.Path())
	c.SetRequest(c.Request().WithContext(ctx))
	return &request{c: c, ctx: ctx, metrics: metrics}
}

func (r *request) finish(err error) {
	if err == nil {
		err = r.cause
	}
	r.metrics.Log(r.c.Response().Status, err)
}

// authorize verifies the bearer token and, when owner is non-empty,
// that its subject owns the addressed collection. On false the response
// has already been written.
func (h *handlers) authorize(r *request, owner string) (bool, error) {
	start := time.Now()
	userID, err := h.auth.UserIDFromAuthHeader(r.c.Request().Header.Get(echo.HeaderAuthorization))
	r.metrics.ObserveAuth(time.Since(start))
	if err != nil {
		r.metrics.SetErrorStage("auth")
		return false, r.fail(http.StatusUnauthorized, err.Error(), nil)
	}
	if owner != "" && owner != userID {
		r.metrics.SetErrorStage("forbidden")
		return false, r.fail(http.StatusForbidden, msgForbidden, nil)
	}
	r.userID = userID
	return true, nil
}

func (r *request) fail(status int, message string, details []string) error {
	return r.c.JSON(status, errorResponse{Success: false, Message: message, Errors: details})
}

func (h *handlers) storageFailure(r *request, err error) error {
	if errors.Is(err, storage.ErrUserNotFound) {
		r.metrics.SetErrorStage("user_not_found")
		return r.fail(http.StatusNotFound, msgUserNotFound, nil)
	}
	r.metrics.SetErrorStage("storage")
	r.cause = err
	h.logger.WithError(err).WithField("user", r.userID).Error("storage request failed")
	return r.fail(http.StatusInternalServerError, msgServerError, nil)
}

func (h *handlers) getTasks(c echo.Context) (err error) {
	r := h.begin(c)
	defer func() { r.finish(err) }()

	if ok, authErr := h.authorize(r, c.Param("userId")); !ok {
		return authErr
	}

	start := time.Now()
	tasks, fetchErr := h.store.FetchTasks(r.ctx, r.userID)
	r.metrics.ObserveStorage(time.Since(start))
	if fetchErr != nil {
		return h.storageFailure(r, fetchErr)
	}
	r.metrics.SetRecords(len(tasks))
	return c.JSON(http.StatusOK, tasksResponse{Success: true, Tasks: nonNil(tasks)})
}

func (h *handlers) putTasks(c echo.Context) (err error) {
	r := h.begin(c)
	defer func() { r.finish(err) }()

	if ok, authErr := h.authorize(r, c.Param("userId")); !ok {
		return authErr
	}

	var body struct {
		Tasks *[]domain.Task `json:"tasks"`
	}
	if decodeErr := decodeBody(c, &body); decodeErr != nil || body.Tasks == nil {
		r.metrics.SetErrorStage("decode")
		return r.fail(http.StatusBadRequest, "Tasks array is required", nil)
	}
	tasks := *body.Tasks
	if problems := validateTasks(tasks); len(problems) > 0 {
		r.metrics.SetErrorStage("validate")
		return r.fail(http.StatusBadRequest, "Task validation failed", problems)
	}

	start := time.Now()
	saved, saveErr := h.store.ReplaceTasks(r.ctx, r.userID, domain.PrepareTasksWrite(tasks, h.now().UTC()))
	r.metrics.ObserveStorage(time.Since(start))
	if saveErr != nil {
		return h.storageFailure(r, saveErr)
	}
	r.metrics.SetRecords(len(saved))
	return c.JSON(http.StatusOK, tasksResponse{Success: true, Message: "Tasks saved successfully", Tasks: nonNil(saved)})
}

func (h *handlers) getActivities(c echo.Context) (err error) {
	r := h.begin(c)
	defer func() { r.finish(err) }()

	if ok, authErr := h.authorize(r, c.Param("userId")); !ok {
		return authErr
	}

	start := time.Now()
	activities, fetchErr := h.store.FetchActivities(r.ctx, r.userID)
	r.metrics.ObserveStorage(time.Since(start))
	if fetchErr != nil {
		return h.storageFailure(r, fetchErr)
	}
	r.metrics.SetRecords(len(activities))
	return c.JSON(http.StatusOK, activitiesResponse{Success: true, Activities: nonNil(activities)})
}

func (h *handlers) putActivities(c echo.Context) (err error) {
	r := h.begin(c)
	defer func() { r.finish(err) }()

	if ok, authErr := h.authorize(r, c.Param("userId")); !ok {
		return authErr
	}

	// A missing list is an empty list; a non-array is rejected.
	var body struct {
		Activities []domain.Activity `json:"activities"`
	}
	if decodeErr := decodeBody(c, &body); decodeErr != nil {
		r.metrics.SetErrorStage("decode")
		return r.fail(http.StatusBadRequest, "Activities array is required", nil)
	}
	if problems := validateActivities(body.Activities); len(problems) > 0 {
		r.metrics.SetErrorStage("validate")
		return r.fail(http.StatusBadRequest, "Activity validation failed", problems)
	}

	start := time.Now()
	saved, saveErr := h.store.ReplaceActivities(r.ctx, r.userID, domain.PrepareActivitiesWrite(body.Activities, h.now().UTC()))
	r.metrics.ObserveStorage(time.Since(start))
	if saveErr != nil {
		return h.storageFailure(r, saveErr)
	}
	r.metrics.SetRecords(len(saved))
	return c.JSON(http.StatusOK, activitiesResponse{Success: true, Message: "Activities saved successfully", Activities: nonNil(saved)})
}

func (h *handlers) postUser(c echo.Context) (err error) {
	r := h.begin(c)
	defer func() { r.finish(err) }()

	if ok, authErr := h.authorize(r, ""); !ok {
		return authErr
	}

	var body userRequest
	if c.Request().ContentLength != 0 {
		if decodeErr := decodeBody(c, &body); decodeErr != nil {
			r.metrics.SetErrorStage("decode")
			return r.fail(http.StatusBadRequest, "invalid user payload", nil)
		}
	}

	start := time.Now()
	upsertErr := h.store.UpsertUser(r.ctx, domain.Identity{
		UserID:   r.userID,
		Email:    strings.TrimSpace(body.Email),
		Username: strings.TrimSpace(body.Username),
	})
	r.metrics.ObserveStorage(time.Since(start))
	if upsertErr != nil {
		return h.storageFailure(r, upsertErr)
	}
	return c.JSON(http.StatusCreated, userResponse{Success: true, UserID: r.userID})
}

func decodeBody(c echo.Context, dst any) error {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize+1))
	if err != nil {
		return err
	}
	if len(data) > maxBodySize {
		return errors.New("request body too large")
	}
	if len(data) == 0 {
		return errors.New("empty body")
	}
	return sonic.ConfigStd.Unmarshal(data, dst)
}

func validateTasks(tasks []domain.Task) []string {
	var problems []string
	for i, t := range tasks {
		if strings.TrimSpace(t.Title) == "" {
			problems = append(problems, fmt.Sprintf("Task %d (id: %s) is missing title", i, t.ID))
		}
		if strings.TrimSpace(t.Text) == "" {
			problems = append(problems, fmt.Sprintf("Task %d (id: %s) is missing text", i, t.ID))
		}
		if t.ID == "" {
			problems = append(problems, fmt.Sprintf("Task %d is missing id", i))
		}
		if !domain.ValidatePriority(t.Priority) {
			problems = append(problems, fmt.Sprintf("Task %d (id: %s) has unknown priority %q", i, t.ID, t.Priority))
		}
	}
	return problems
}

func validateActivities(activities []domain.Activity) []string {
	var problems []string
	for i, a := range activities {
		if a.ID == "" {
			problems = append(problems, fmt.Sprintf("Activity %d is missing id", i))
		}
		if err := a.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("Activity %d (id: %s): %v", i, a.ID, err))
		}
	}
	return problems
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
