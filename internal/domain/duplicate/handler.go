package duplicate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/swasthya/swasthya/internal/domain/catalog"
	"github.com/swasthya/swasthya/internal/domain/extraction"
	"github.com/swasthya/swasthya/internal/platform/auth"
	"github.com/swasthya/swasthya/internal/platform/reporting"
	"github.com/swasthya/swasthya/pkg/pagination"
)

type Handler struct {
	svc *Service
	// extractor is nil when no extraction service is configured.
	extractor extraction.Extractor
	uploadMax int64
	demo      bool
}

type HandlerOption func(*Handler)

// WithExtractor enables POST /reports/upload.
func WithExtractor(x extraction.Extractor, maxBytes int64) HandlerOption {
	return func(h *Handler) {
		h.extractor = x
		h.uploadMax = maxBytes
	}
}

// WithDemo enables POST /demo/seed.
func WithDemo() HandlerOption {
	return func(h *Handler) { h.demo = true }
}

func NewHandler(svc *Service, opts ...HandlerOption) *Handler {
	h := &Handler{svc: svc, uploadMax: extraction.DefaultMaxBytes}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/reports", h.IngestReport)
	api.GET("/reports", h.ListReports)
	api.GET("/reports/:id", h.GetReport)
	if h.extractor != nil {
		api.POST("/reports/upload", h.UploadReport)
	}

	api.GET("/alerts", h.ListAlerts)
	api.POST("/alerts/:id/decision", h.ResolveAlert)

	api.GET("/savings", h.GetSavings)
	api.GET("/savings/export", h.ExportSavings)
	api.GET("/timeline", h.GetTimeline)
	api.GET("/catalog/lookup", h.LookupTest)

	if h.demo {
		api.POST("/demo/seed", h.SeedDemo)
	}
}

// httpError maps service errors onto HTTP statuses.
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyResolved):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrConsistencyViolation):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "report history changed concurrently, try again")
	case errors.Is(err, extraction.ErrUnsupportedType), errors.Is(err, extraction.ErrEmpty):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, extraction.ErrTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func userID(c echo.Context) (string, error) {
	uid := auth.UserIDFromContext(c.Request().Context())
	if uid == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return uid, nil
}

// -- Reports --

func (h *Handler) IngestReport(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.UserID = uid
	res, err := h.svc.Ingest(c.Request().Context(), &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

// UploadReport accepts a multipart "file", extracts its tests and ingests
// them like IngestReport.
func (h *Handler) UploadReport(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	if h.uploadMax > 0 && fh.Size > h.uploadMax {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds %d bytes", h.uploadMax))
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, f); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	doc := extraction.Document{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Data:        buf.Bytes(),
	}
	if err := doc.Validate(h.uploadMax); err != nil {
		return httpError(err)
	}
	extracted, err := h.extractor.Extract(c.Request().Context(), doc)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	res, err := h.svc.Ingest(c.Request().Context(), FromExtraction(uid, extracted))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) ListReports(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListReports(c.Request().Context(), uid, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Report{}
	}
	return pagination.Write(c, http.StatusOK, pg, items, total)
}

func (h *Handler) GetReport(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	detail, err := h.svc.GetReport(c.Request().Context(), uid, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, detail)
}

// -- Alerts --

func (h *Handler) ListAlerts(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var decision Decision
	if q := c.QueryParam("decision"); q != "" {
		if decision, err = ParseDecision(q); err != nil {
			return httpError(err)
		}
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAlerts(c.Request().Context(), uid, decision, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*DuplicateAlert{}
	}
	return pagination.Write(c, http.StatusOK, pg, items, total)
}

type decisionRequest struct {
	Decision string `json:"decision"`
}

func (h *Handler) ResolveAlert(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body decisionRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	decision, err := ParseDecision(body.Decision)
	if err != nil {
		return httpError(err)
	}
	res, err := h.svc.Resolve(c.Request().Context(), uid, id, decision)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- Savings, timeline, catalog --

func (h *Handler) GetSavings(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	s, err := h.svc.Savings(c.Request().Context(), uid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) ExportSavings(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	s, err := h.svc.Savings(c.Request().Context(), uid)
	if err != nil {
		return httpError(err)
	}
	var buf bytes.Buffer
	if err := reporting.WriteXLSX(&buf, SavingsSheets(s)...); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="savings.xlsx"`)
	return c.Blob(http.StatusOK, reporting.ContentTypeXLSX, buf.Bytes())
}

func (h *Handler) GetTimeline(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	entries, err := h.svc.Timeline(c.Request().Context(), uid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"user_id": uid,
		"entries": entries,
	})
}

func (h *Handler) LookupTest(c echo.Context) error {
	if _, err := userID(c); err != nil {
		return err
	}
	name := c.QueryParam("name")
	if name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	category, err := catalog.ParseCategory(c.QueryParam("category"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.Lookup(name, category)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) SeedDemo(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.SeedDemo(c.Request().Context(), uid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}
