package payment

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicdesk/clinicdesk/internal/domain/apperr"
	"github.com/clinicdesk/clinicdesk/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the authenticated payment endpoints on api and
// the provider webhook on public (webhooks carry no bearer token).
func (h *Handler) RegisterRoutes(api *echo.Group, public *echo.Group) {
	api.POST("/payments/:appointmentID/intent", h.CreateIntent, auth.RequireRole(auth.RolePatient))
	api.GET("/payments/:appointmentID", h.Get, auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	public.POST("/payments/webhook", h.Webhook)
}

func domainError(err error) error {
	return echo.NewHTTPError(apperr.HTTPStatus(err), err.Error())
}

func (h *Handler) CreateIntent(c echo.Context) error {
	p, ok := auth.FromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	}
	appointmentID, err := uuid.Parse(c.Param("appointmentID"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid appointmentID")
	}

	res, err := h.svc.CreateIntent(c.Request().Context(), p, appointmentID)
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) Get(c echo.Context) error {
	p, ok := auth.FromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	}
	appointmentID, err := uuid.Parse(c.Param("appointmentID"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid appointmentID")
	}

	rec, err := h.svc.Get(c.Request().Context(), p, appointmentID)
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Webhook(c echo.Context) error {
	var evt Event
	if err := c.Bind(&evt); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed event")
	}
	if err := h.svc.HandleProviderEvent(c.Request().Context(), evt); err != nil {
		// A non-2xx tells the provider to redeliver; handling is
		// idempotent, so that is safe.
		return echo.NewHTTPError(http.StatusInternalServerError, "event handling failed")
	}
	return c.JSON(http.StatusOK, map[string]bool{"received": true})
}
