package worklist

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Handler struct {
	svc *Service
	loc *time.Location
}

// NewHandler serves the order API. Scheduled times given without a UTC
// offset are read in loc; nil means UTC.
func NewHandler(svc *Service, loc *time.Location) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{svc: svc, loc: loc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/orders", h.CreateOrder)
	api.GET("/orders/scheduled", h.ListScheduled)
	api.POST("/orders/generate-worklists", h.GenerateWorklists)
	api.GET("/orders/accession/:accession", h.GetByAccession)
	api.GET("/orders/:id", h.GetOrder)
	api.PUT("/orders/:id/status", h.UpdateStatus)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "order not found")
	case errors.Is(err, ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrInvalidOrder):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

type createOrderRequest struct {
	AccessionNumber    string    `json:"accession_number"`
	PatientID          uuid.UUID `json:"patient_id"`
	OrderingPhysician  string    `json:"ordering_physician"`
	ReferringPhysician string    `json:"referring_physician"`
	Modality           string    `json:"modality"`
	StudyDescription   string    `json:"study_description"`
	ScheduledAt        string    `json:"scheduled_at"`
	Priority           string    `json:"priority"`
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

// parseScheduledAt accepts RFC 3339 or a zoneless local timestamp. An
// empty value yields the zero time and is rejected by validation.
func parseScheduledAt(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", value)
}

func (h *Handler) CreateOrder(c echo.Context) error {
	var req createOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	at, err := parseScheduledAt(req.ScheduledAt, h.loc)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid scheduled_at: "+err.Error())
	}
	o := &Order{
		AccessionNumber:    req.AccessionNumber,
		PatientID:          req.PatientID,
		OrderingPhysician:  req.OrderingPhysician,
		ReferringPhysician: req.ReferringPhysician,
		Modality:           req.Modality,
		StudyDescription:   req.StudyDescription,
		ScheduledAt:        at,
		Priority:           req.Priority,
	}
	res, err := h.svc.CreateOrder(c.Request().Context(), o)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) ListScheduled(c echo.Context) error {
	orders, err := h.svc.ListScheduled(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if orders == nil {
		orders = []*Order{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  orders,
		"total": len(orders),
	})
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	o, err := h.svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) GetByAccession(c echo.Context) error {
	o, err := h.svc.GetOrderByAccession(c.Request().Context(), c.Param("accession"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil || req.Status == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "status is required")
	}
	res, err := h.svc.UpdateOrderStatus(c.Request().Context(), id, req.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// GenerateWorklists runs a full regeneration pass on the request path.
func (h *Handler) GenerateWorklists(c echo.Context) error {
	report, err := h.svc.RegenerateAll(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, report)
}
