package contacts

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mindwell/mindwell/internal/platform/auth"
)

// Handler exposes contact CRUD for the authenticated owner.
type Handler struct {
	svc *Service
}

// NewHandler creates a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the contact endpoints.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/contacts")
	g.GET("", h.List)
	g.POST("", h.Create)
	g.PUT("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
}

type contactRequest struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	PriorityTier int    `json:"priority_tier"`
	Relationship string `json:"relationship"`
}

func owner(c echo.Context) (uuid.UUID, error) {
	ident, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return ident.UserID, nil
}

func (h *Handler) List(c echo.Context) error {
	ownerID, err := owner(c)
	if err != nil {
		return err
	}
	list, err := h.svc.ListContacts(c.Request().Context(), ownerID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"contacts": list})
}

func (h *Handler) Create(c echo.Context) error {
	ownerID, err := owner(c)
	if err != nil {
		return err
	}
	var req contactRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	contact, err := h.svc.CreateContact(c.Request().Context(), ownerID,
		req.Name, req.Phone, req.PriorityTier, req.Relationship)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, contact)
}

func (h *Handler) Update(c echo.Context) error {
	ownerID, err := owner(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid contact id")
	}
	var req contactRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	contact, err := h.svc.UpdateContact(c.Request().Context(), ownerID, id,
		req.Name, req.Phone, req.PriorityTier, req.Relationship)
	if err != nil {
		if errors.Is(err, ErrContactNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "contact not found")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, contact)
}

func (h *Handler) Delete(c echo.Context) error {
	ownerID, err := owner(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid contact id")
	}
	if err := h.svc.DeleteContact(c.Request().Context(), ownerID, id); err != nil {
		if errors.Is(err, ErrContactNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "contact not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
