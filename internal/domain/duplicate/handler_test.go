package duplicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/swasthya/swasthya/internal/domain/extraction"
	"github.com/swasthya/swasthya/internal/platform/auth"
	"github.com/swasthya/swasthya/internal/platform/reporting"
)

type fakeExtractor struct {
	report *extraction.Report
	err    error
	calls  int
}

func (f *fakeExtractor) Extract(_ context.Context, _ extraction.Document) (*extraction.Report, error) {
	f.calls++
	return f.report, f.err
}

func newTestHandler(t *testing.T, opts ...HandlerOption) (*Handler, *echo.Echo) {
	svc, _ := newTestService(t, Config{})
	return NewHandler(svc, opts...), echo.New()
}

func newRequest(method, target, body, user string) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if user != "" {
		req = req.WithContext(auth.WithUserID(req.Context(), user))
	}
	return req
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func postReport(t *testing.T, h *Handler, e *echo.Echo, user, body string) *IngestResult {
	t.Helper()
	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPost, "/api/v1/reports", body, user), rec)
	if err := h.IngestReport(c); err != nil {
		t.Fatalf("IngestReport: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var res IngestResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return &res
}

const (
	cbcOct01 = `{"report_date":"2024-10-01","tests":[{"test_name":"CBC","test_date":"2024-10-01"}]}`
	cbcOct20 = `{"report_date":"2024-10-20","hospital_name":"Fortis","tests":[{"test_name":"CBC","test_date":"2024-10-20","value":"Normal"}]}`
)

func TestIngestReport_Duplicate(t *testing.T) {
	h, e := newTestHandler(t)
	postReport(t, h, e, "u1", cbcOct01)
	res := postReport(t, h, e, "u1", cbcOct20)

	if len(res.Alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(res.Alerts))
	}
	if res.Alerts[0].DaysSinceOriginal != 19 {
		t.Errorf("expected 19 days, got %d", res.Alerts[0].DaysSinceOriginal)
	}
	if res.TotalPotentialSavings.String() != "500" {
		t.Errorf("expected 500, got %s", res.TotalPotentialSavings)
	}
}

func TestIngestReport_Unauthenticated(t *testing.T) {
	h, e := newTestHandler(t)
	c := e.NewContext(newRequest(http.MethodPost, "/", cbcOct01, ""), httptest.NewRecorder())
	if code := statusOf(t, h.IngestReport(c)); code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", code)
	}
}

func TestIngestReport_InvalidInput(t *testing.T) {
	h, e := newTestHandler(t)
	c := e.NewContext(newRequest(http.MethodPost, "/", `{"tests":[]}`, "u1"), httptest.NewRecorder())
	if code := statusOf(t, h.IngestReport(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}

	c = e.NewContext(newRequest(http.MethodPost, "/", `{"tests":`, "u1"), httptest.NewRecorder())
	if code := statusOf(t, h.IngestReport(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed JSON, got %d", code)
	}
}

func TestIngestReport_IgnoresUserInBody(t *testing.T) {
	h, e := newTestHandler(t)
	res := postReport(t, h, e, "u1", `{"user_id":"u2","tests":[{"test_name":"CBC","test_date":"2024-10-01"}]}`)

	detail, err := h.svc.GetReport(context.Background(), "u1", res.ReportID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if detail.UserID != "u1" {
		t.Errorf("expected report owned by u1, got %s", detail.UserID)
	}
}

func TestGetReport(t *testing.T) {
	h, e := newTestHandler(t)
	res := postReport(t, h, e, "u1", cbcOct01)

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodGet, "/", "", "u1"), rec)
	c.SetParamNames("id")
	c.SetParamValues(res.ReportID.String())
	if err := h.GetReport(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c = e.NewContext(newRequest(http.MethodGet, "/", "", "u2"), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(res.ReportID.String())
	if code := statusOf(t, h.GetReport(c)); code != http.StatusNotFound {
		t.Errorf("expected 404 for another user, got %d", code)
	}

	c = e.NewContext(newRequest(http.MethodGet, "/", "", "u1"), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	if code := statusOf(t, h.GetReport(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestListReports_Paginated(t *testing.T) {
	h, e := newTestHandler(t)
	postReport(t, h, e, "u1", cbcOct01)
	postReport(t, h, e, "u1", cbcOct20)

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodGet, "/api/v1/reports?limit=1", "", "u1"), rec)
	if err := h.ListReports(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Data    []Report `json:"data"`
		Total   int      `json:"total"`
		HasMore bool     `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 2 || len(body.Data) != 1 || !body.HasMore {
		t.Errorf("unexpected page %+v", body)
	}
	if !strings.Contains(rec.Header().Get("Link"), `rel="next"`) {
		t.Errorf("expected next link, got %q", rec.Header().Get("Link"))
	}
}

func TestListAlerts_DecisionFilter(t *testing.T) {
	h, e := newTestHandler(t)
	postReport(t, h, e, "u1", cbcOct01)
	postReport(t, h, e, "u1", cbcOct20)

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodGet, "/api/v1/alerts?decision=pending", "", "u1"), rec)
	if err := h.ListAlerts(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("expected one pending alert, got %s", rec.Body.String())
	}

	c = e.NewContext(newRequest(http.MethodGet, "/api/v1/alerts?decision=later", "", "u1"), httptest.NewRecorder())
	if code := statusOf(t, h.ListAlerts(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func resolveAlert(h *Handler, e *echo.Echo, user string, id uuid.UUID, decision string) (*httptest.ResponseRecorder, error) {
	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPost, "/", `{"decision":"`+decision+`"}`, user), rec)
	c.SetParamNames("id")
	c.SetParamValues(id.String())
	return rec, h.ResolveAlert(c)
}

func TestResolveAlert(t *testing.T) {
	h, e := newTestHandler(t)
	postReport(t, h, e, "u1", cbcOct01)
	id := postReport(t, h, e, "u1", cbcOct20).Alerts[0].ID

	rec, err := resolveAlert(h, e, "u1", id, "skip")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res Resolution
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Changed || res.Savings.TestsSkipped != 1 {
		t.Errorf("unexpected resolution %+v", res)
	}

	if _, err := resolveAlert(h, e, "u1", id, "skip"); err != nil {
		t.Errorf("repeating the decision should succeed, got %v", err)
	}
	if _, err := resolveAlert(h, e, "u1", id, "proceed"); statusOf(t, err) != http.StatusConflict {
		t.Errorf("expected 409, got %v", err)
	}
	if _, err := resolveAlert(h, e, "u1", uuid.New(), "skip"); statusOf(t, err) != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
	if _, err := resolveAlert(h, e, "u1", id, "later"); statusOf(t, err) != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestSavingsAndExport(t *testing.T) {
	h, e := newTestHandler(t)
	postReport(t, h, e, "u1", cbcOct01)
	id := postReport(t, h, e, "u1", cbcOct20).Alerts[0].ID
	if _, err := resolveAlert(h, e, "u1", id, "skip"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodGet, "/", "", "u1"), rec)
	if err := h.GetSavings(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var s SavingsSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.TotalSavings.String() != "500" || s.TestsSkipped != 1 {
		t.Errorf("unexpected summary %+v", s)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(newRequest(http.MethodGet, "/", "", "u1"), rec)
	if err := h.ExportSavings(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != reporting.ContentTypeXLSX {
		t.Errorf("unexpected content type %q", ct)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")) {
		t.Error("expected a zip container")
	}
}

func TestGetTimeline(t *testing.T) {
	h, e := newTestHandler(t)
	postReport(t, h, e, "u1", cbcOct01)

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodGet, "/", "", "u1"), rec)
	if err := h.GetTimeline(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Entries []TimelineEntry `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Entries) != 1 || body.Entries[0].ValidUntil.String() != "2024-10-31" {
		t.Errorf("unexpected timeline %+v", body.Entries)
	}
}

func TestLookupTest(t *testing.T) {
	h, e := newTestHandler(t)

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodGet, "/?name=Chest+X-Ray", "", "u1"), rec)
	if err := h.LookupTest(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res LookupResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Known || res.Entry.CanonicalID != "xray_chest" {
		t.Errorf("unexpected lookup %+v", res)
	}

	c = e.NewContext(newRequest(http.MethodGet, "/", "", "u1"), httptest.NewRecorder())
	if code := statusOf(t, h.LookupTest(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 without name, got %d", code)
	}
	c = e.NewContext(newRequest(http.MethodGet, "/?name=CBC&category=bones", "", "u1"), httptest.NewRecorder())
	if code := statusOf(t, h.LookupTest(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown category, got %d", code)
	}
}

func uploadRequest(t *testing.T, contentType string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="report.pdf"`)
	hdr.Set("Content-Type", contentType)
	part, err := w.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	part.Write(data)
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports/upload", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req.WithContext(auth.WithUserID(req.Context(), "u1"))
}

func TestUploadReport(t *testing.T) {
	x := &fakeExtractor{report: &extraction.Report{
		ReportType: "lab_test",
		ReportDate: "2024-09-20",
		Tests:      []extraction.Test{{TestName: "CBC"}, {TestName: "Hemoglobin", Value: "14.2"}},
	}}
	h, e := newTestHandler(t, WithExtractor(x, 1024))

	rec := httptest.NewRecorder()
	c := e.NewContext(uploadRequest(t, "application/pdf", []byte("%PDF-1.4")), rec)
	if err := h.UploadReport(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var res IngestResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Tests) != 2 {
		t.Errorf("expected 2 tests, got %d", len(res.Tests))
	}
}

func TestUploadReport_Errors(t *testing.T) {
	x := &fakeExtractor{err: errors.New("upstream down")}
	h, e := newTestHandler(t, WithExtractor(x, 16))

	c := e.NewContext(uploadRequest(t, "text/plain", []byte("hello")), httptest.NewRecorder())
	if code := statusOf(t, h.UploadReport(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for unsupported type, got %d", code)
	}

	c = e.NewContext(uploadRequest(t, "image/png", bytes.Repeat([]byte("x"), 32)), httptest.NewRecorder())
	if code := statusOf(t, h.UploadReport(c)); code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", code)
	}
	if x.calls != 0 {
		t.Errorf("extractor should not be called for rejected documents, got %d calls", x.calls)
	}

	c = e.NewContext(uploadRequest(t, "image/png", []byte("png")), httptest.NewRecorder())
	if code := statusOf(t, h.UploadReport(c)); code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", code)
	}
}

func TestRegisterRoutes(t *testing.T) {
	h, e := newTestHandler(t)
	h.RegisterRoutes(e.Group("/api/v1"))

	routes := map[string]bool{}
	for _, r := range e.Routes() {
		routes[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"POST /api/v1/reports", "GET /api/v1/reports/:id", "POST /api/v1/alerts/:id/decision",
		"GET /api/v1/savings/export", "GET /api/v1/catalog/lookup",
	} {
		if !routes[want] {
			t.Errorf("missing route %s", want)
		}
	}
	if routes["POST /api/v1/reports/upload"] || routes["POST /api/v1/demo/seed"] {
		t.Error("optional routes registered without their options")
	}
}

func TestSeedDemoHandler(t *testing.T) {
	h, e := newTestHandler(t, WithDemo())
	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPost, "/", "", "u1"), rec)
	if err := h.SeedDemo(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
}
