package imaging

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func newTestHandler(t *testing.T) (*Handler, *echo.Echo, *mockStore) {
	t.Helper()
	svc, store := seededService(t)
	return NewHandler(svc), echo.New(), store
}

func TestHandler_ListStudies(t *testing.T) {
	h, e, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/studies?modality=CT&limit=1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListStudies(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Total   int    `json:"total"`
		HasMore bool   `json:"has_more"`
		Next    string `json:"next"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Total != 2 || !body.HasMore || !strings.Contains(body.Next, "offset=1") {
		t.Errorf("unexpected page %+v", body)
	}
}

func TestHandler_ListStudies_BadFilter(t *testing.T) {
	h, e, _ := newTestHandler(t)
	for _, q := range []string{"?priority=maybe", "?from=05-03-2024"} {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/studies"+q, nil), httptest.NewRecorder())
		err := h.ListStudies(c)
		var he *echo.HTTPError
		if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %v", q, err)
		}
	}
}

func TestHandler_GetStudy(t *testing.T) {
	h, e, store := newTestHandler(t)
	id := store.studies["1.2.840.1"].ID

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(id.String())
	if err := h.GetStudy(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	var he *echo.HTTPError
	if err := h.GetStudy(c); !errors.As(err, &he) || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	if err := h.GetStudy(c); !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_GetStudyByUID(t *testing.T) {
	h, e, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("uid")
	c.SetParamValues("1.2.840.2")
	if err := h.GetStudyByUID(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"study_instance_uid":"1.2.840.2"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_UpdateStatus(t *testing.T) {
	h, e, store := newTestHandler(t)
	id := store.studies["1.2.840.1"].ID.String()

	tests := []struct {
		body     string
		wantCode int
	}{
		{`{"status":"InProgress"}`, http.StatusOK},
		{`{"status":"Pending"}`, http.StatusConflict},
		{`{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(tt.body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues(id)

		err := h.UpdateStatus(c)
		code := rec.Code
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
		}
		if code != tt.wantCode {
			t.Errorf("%s: expected %d, got %d (%v)", tt.body, tt.wantCode, code, err)
		}
	}
}

func TestHandler_SetPriority(t *testing.T) {
	h, e, store := newTestHandler(t)
	id := store.studies["1.2.840.1"].ID.String()

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"is_priority":true}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	if err := h.SetPriority(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !store.studies["1.2.840.1"].IsPriority {
		t.Error("expected priority set")
	}

	req = httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c = e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(id)
	var he *echo.HTTPError
	if err := h.SetPriority(c); !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}
