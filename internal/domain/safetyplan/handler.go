package safetyplan

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mindwell/mindwell/internal/platform/auth"
)

// Handler exposes the authenticated user's safety plan.
type Handler struct {
	svc *Service
}

// NewHandler creates a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the safety-plan endpoints.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/safety-plan", h.Get)
	api.PUT("/safety-plan", h.Put)
}

func (h *Handler) Get(c echo.Context) error {
	ident, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	p, err := h.svc.Get(c.Request().Context(), ident.UserID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if p == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no safety plan")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Put(c echo.Context) error {
	ident, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	var p Plan
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.UserID = ident.UserID
	if err := h.svc.Put(c.Request().Context(), &p); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}
