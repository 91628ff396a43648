// Package api exposes the task view over HTTP: JSON endpoints for every user
// action and a server-sent event stream of view state.
package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/randyvpcode/task-manager/domain"
	"github.com/randyvpcode/task-manager/view"
)

// Options configures Register.
type Options struct {
	// Auth guards every /api route. Nil accepts all requests.
	Auth        Authenticator
	Logger      *log.Logger
	MaxBodySize int64
	// Deduper enables the Idempotency-Key header on task creation.
	Deduper Deduper
}

type handler struct {
	view    *view.View
	log     *log.Logger
	maxBody int64
	deduper Deduper
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type contentRequest struct {
	Content string `json:"content"`
}

type addRequest struct {
	Content *string `json:"content"`
}

type formRequest struct {
	Content string `json:"content"`
	Tag     string `json:"tag"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Pending int    `json:"pending"`
}

// New returns an echo instance with middleware and routes installed.
func New(v *view.View, opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.JSONSerializer = sonicSerializer{}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding, HeaderIdempotencyKey},
	}))
	e.Use(GzipRequestMiddleware())
	Register(e, v, opts)
	return e
}

// Register wires the routes on e.
func Register(e *echo.Echo, v *view.View, opts Options) {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.Auth == nil {
		opts.Auth = anonymous{}
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 64 * 1024
	}
	h := &handler{view: v, log: opts.Logger, maxBody: opts.MaxBodySize, deduper: opts.Deduper}

	e.GET("/healthz", h.healthz)

	g := e.Group("/api", RequestMetrics(opts.Logger), RequireAuth(opts.Auth))
	g.GET("/tasks", h.getTasks)
	g.POST("/tasks", h.addTask)
	g.PUT("/draft", h.setDraft)
	g.POST("/tasks/:id/done", h.doneTask)
	g.POST("/tasks/:id/edit", h.startEdit)
	g.POST("/tasks/:id/save", h.saveEdit)
	g.POST("/tasks/:id/cancel", h.cancelEdit)
	g.DELETE("/tasks/:id", h.deleteTask)
	g.PUT("/form", h.setForm)
	g.PUT("/filters", h.setFilters)
	g.POST("/sync", h.sync)
	g.POST("/upload", h.upload)
	g.GET("/toasts", h.toasts)
	g.GET("/stream", h.stream)
}

func (h *handler) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Pending: h.view.State().Pending})
}

func (h *handler) getTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, h.view.State())
}

// respond writes the view state, or the error mapped onto a status code.
func (h *handler) respond(c echo.Context, err error) error {
	if err != nil {
		return c.JSON(statusFor(err), errorResponse{Error: domain.Message(err), Kind: domain.Kind(err)})
	}
	return c.JSON(http.StatusOK, h.view.State())
}

func (h *handler) addTask(c echo.Context) error {
	var req addRequest
	if _, err := decodeBody(c, h.maxBody, &req); err != nil {
		return badBody(c, err)
	}
	ctx := c.Request().Context()
	user, key := c.Get(userContextKey).(string), c.Request().Header.Get(HeaderIdempotencyKey)
	if h.deduper != nil && key != "" {
		added, err := h.deduper.Add(ctx, user, key)
		if err != nil {
			h.log.WithError(err).WithField("key", key).Warn("idempotency check failed")
		} else if !added {
			h.log.WithField("key", key).Debug("duplicate task creation ignored")
			return h.respond(c, nil)
		}
	}

	var err error
	if req.Content != nil {
		err = h.view.AddContent(ctx, *req.Content)
	} else {
		err = h.view.Add(ctx)
	}
	if err != nil && h.deduper != nil && key != "" {
		if rerr := h.deduper.Remove(ctx, user, key); rerr != nil {
			h.log.WithError(rerr).WithField("key", key).Warn("release idempotency key")
		}
	}
	return h.respond(c, err)
}

func (h *handler) setDraft(c echo.Context) error {
	var req contentRequest
	if _, err := decodeBody(c, h.maxBody, &req); err != nil {
		return badBody(c, err)
	}
	h.view.SetContent(req.Content)
	return h.respond(c, nil)
}

func (h *handler) doneTask(c echo.Context) error {
	return h.respond(c, h.view.Done(c.Request().Context(), c.Param("id")))
}

func (h *handler) startEdit(c echo.Context) error {
	return h.respond(c, h.view.StartEdit(c.Param("id")))
}

func (h *handler) setForm(c echo.Context) error {
	var req formRequest
	ok, err := decodeBody(c, h.maxBody, &req)
	if err != nil {
		return badBody(c, err)
	}
	if !ok {
		return badBody(c, nil)
	}
	h.view.SetFormEdit(req.Content, req.Tag)
	return h.respond(c, nil)
}

func (h *handler) saveEdit(c echo.Context) error {
	id := c.Param("id")
	if form := h.view.State().FormEdit; form.ID != id {
		return c.JSON(http.StatusConflict, errorResponse{Error: "Task is not being edited", Kind: "conflict"})
	}
	return h.respond(c, h.view.SaveEdit(c.Request().Context()))
}

func (h *handler) cancelEdit(c echo.Context) error {
	h.view.CancelEdit(c.Param("id"))
	return h.respond(c, nil)
}

func (h *handler) deleteTask(c echo.Context) error {
	return h.respond(c, h.view.Delete(c.Request().Context(), c.Param("id")))
}

func (h *handler) setFilters(c echo.Context) error {
	var req domain.Filters
	if _, err := decodeBody(c, h.maxBody, &req); err != nil {
		return badBody(c, err)
	}
	h.view.SetFilters(req)
	return h.respond(c, nil)
}

func (h *handler) sync(c echo.Context) error {
	return h.respond(c, h.view.Sync(detached(c)))
}

func (h *handler) upload(c echo.Context) error {
	return h.respond(c, h.view.SendUpdate(c.Request().Context()))
}

func (h *handler) toasts(c echo.Context) error {
	toasts := h.view.Toasts()
	if toasts == nil {
		toasts = []view.Toast{}
	}
	return c.JSON(http.StatusOK, toasts)
}

// detached drops request cancellation so a reload runs to completion.
func detached(c echo.Context) context.Context {
	return context.WithoutCancel(c.Request().Context())
}
