package crisis

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mindwell/mindwell/internal/platform/auth"
)

// Handler exposes the crisis pipeline over HTTP.
type Handler struct {
	coord *Coordinator
}

// NewHandler creates a Handler.
func NewHandler(coord *Coordinator) *Handler {
	return &Handler{coord: coord}
}

// RegisterRoutes mounts the crisis endpoints on the authenticated API group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/crisis")
	g.POST("/signal", h.RaiseSignal)
	g.GET("/active", h.ListActive)
	g.GET("/mine", h.MyActiveCase)
	g.GET("/:id", h.GetCase)
	g.POST("/:id/checkin", h.CheckIn)
	g.POST("/:id/resolve", h.Resolve)
}

func (h *Handler) identity(c echo.Context) (auth.Identity, error) {
	ident, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return auth.Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return ident, nil
}

func httpError(err error) error {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
	case errors.Is(err, ErrCaseNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "crisis case not found")
	case errors.Is(err, ErrAlreadyResolved):
		return echo.NewHTTPError(http.StatusConflict, "crisis case already resolved")
	case errors.Is(err, ErrNotAuthorized):
		return echo.NewHTTPError(http.StatusForbidden, "not authorized for this crisis case")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// RaiseSignal accepts an inbound crisis signal from the authenticated user.
func (h *Handler) RaiseSignal(c echo.Context) error {
	ident, err := h.identity(c)
	if err != nil {
		return err
	}
	var req RaiseSignalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	resp, err := h.coord.RaiseSignal(c.Request().Context(), ident.UserID, &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetCase returns one case, visible to its subject and to responders.
func (h *Handler) GetCase(c echo.Context) error {
	ident, err := h.identity(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid case id")
	}
	cs, err := h.coord.Get(c.Request().Context(), id, ident.UserID, ident.Role.Responder())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cs)
}

// ListActive returns all live cases. Responders only.
func (h *Handler) ListActive(c echo.Context) error {
	ident, err := h.identity(c)
	if err != nil {
		return err
	}
	if !ident.Role.Responder() {
		return echo.NewHTTPError(http.StatusForbidden, "responder role required")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"cases": h.coord.ActiveCases(c.Request().Context()),
	})
}

// MyActiveCase returns the caller's own live case, if any.
func (h *Handler) MyActiveCase(c echo.Context) error {
	ident, err := h.identity(c)
	if err != nil {
		return err
	}
	cs, ok := h.coord.ActiveForUser(c.Request().Context(), ident.UserID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no active crisis case")
	}
	return c.JSON(http.StatusOK, cs)
}

// CheckIn records the subject's current state on an open case.
func (h *Handler) CheckIn(c echo.Context) error {
	ident, err := h.identity(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid case id")
	}
	var req CheckInRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	resp, err := h.coord.CheckIn(c.Request().Context(), id, ident.UserID, ident.Role.Responder(), &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Resolve closes out a case.
func (h *Handler) Resolve(c echo.Context) error {
	ident, err := h.identity(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid case id")
	}
	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	resp, err := h.coord.Resolve(c.Request().Context(), id, ident.UserID, ident.Role.Responder(), &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}
