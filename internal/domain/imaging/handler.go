package imaging

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pacs/dicombridge/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/studies", h.ListStudies)
	api.GET("/studies/uid/:uid", h.GetStudyByUID)
	api.GET("/studies/:id", h.GetStudy)
	api.PUT("/studies/:id/status", h.UpdateStatus)
	api.PUT("/studies/:id/priority", h.SetPriority)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "study not found")
	case errors.Is(err, ErrInvalidTransition):
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

func filterFromQuery(c echo.Context) (StudyFilter, error) {
	f := StudyFilter{
		Search:   c.QueryParam("search"),
		Modality: c.QueryParam("modality"),
		Status:   c.QueryParam("status"),
	}
	if v := c.QueryParam("priority"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "priority must be true or false")
		}
		f.IsPriority = &b
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		v := c.QueryParam(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, p.name+" must be YYYY-MM-DD")
		}
		*p.dst = &t
	}
	return f, nil
}

func (h *Handler) ListStudies(c echo.Context) error {
	f, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListStudies(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithLinks(c.Request().URL))
}

func (h *Handler) GetStudy(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	st, err := h.svc.GetStudy(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) GetStudyByUID(c echo.Context) error {
	st, err := h.svc.GetStudyByUID(c.Request().Context(), c.Param("uid"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
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
	st, err := h.svc.UpdateStudyStatus(c.Request().Context(), id, req.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

type priorityRequest struct {
	IsPriority *bool `json:"is_priority"`
}

func (h *Handler) SetPriority(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req priorityRequest
	if err := c.Bind(&req); err != nil || req.IsPriority == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "is_priority is required")
	}
	st, err := h.svc.SetStudyPriority(c.Request().Context(), id, *req.IsPriority)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}
