package queue

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicdesk/clinicdesk/internal/domain/apperr"
	"github.com/clinicdesk/clinicdesk/internal/domain/appointment"
	"github.com/clinicdesk/clinicdesk/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/queue/:appointmentID/check-in", h.CheckIn, auth.RequireRole(auth.RolePatient))
	api.GET("/queue/:doctorID", h.Status, auth.RequireRole(auth.RoleDoctor))
	api.POST("/queue/:doctorID/call-next", h.CallNext, auth.RequireRole(auth.RoleDoctor))
	api.POST("/queue/:appointmentID/complete", h.Complete, auth.RequireRole(auth.RoleDoctor))
	api.DELETE("/queue/:appointmentID", h.Remove, auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
}

func domainError(err error) error {
	return echo.NewHTTPError(apperr.HTTPStatus(err), err.Error())
}

func principal(c echo.Context) (auth.Principal, error) {
	p, ok := auth.FromContext(c.Request().Context())
	if !ok {
		return auth.Principal{}, echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	}
	return p, nil
}

func pathID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func (h *Handler) CheckIn(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "appointmentID")
	if err != nil {
		return err
	}

	entry, err := h.svc.CheckIn(c.Request().Context(), p, id)
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) Status(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	doctorID, err := pathID(c, "doctorID")
	if err != nil {
		return err
	}

	entries, err := h.svc.Status(c.Request().Context(), p, doctorID)
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"queue":  entries,
		"length": len(entries),
	})
}

func (h *Handler) CallNext(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	doctorID, err := pathID(c, "doctorID")
	if err != nil {
		return err
	}

	entry, err := h.svc.CallNext(c.Request().Context(), p, doctorID)
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) Complete(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "appointmentID")
	if err != nil {
		return err
	}
	var req appointment.CompleteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	a, err := h.svc.Complete(c.Request().Context(), p, id, req)
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Remove(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "appointmentID")
	if err != nil {
		return err
	}

	if err := h.svc.Remove(c.Request().Context(), p, id); err != nil {
		return domainError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
