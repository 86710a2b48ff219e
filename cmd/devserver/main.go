// Package main is a local stand-in for the trace-ingest backend, used for
// smoke-testing the client without network access. It implements the
// capability probe, both batch ingest encodings, and the single-run
// fallback endpoints, storing everything in memory.
//
// Fault injection: a request carrying the X-Devserver-Fail header (an HTTP
// status code, optionally "code:n" to fail the next n requests) receives
// that status instead of being processed, for exercising the client's retry
// policy by hand.
package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/arc-self/tracekit/internal/obsmetrics"
	"github.com/arc-self/tracekit/serverinfo"
)

// store holds every run the server has accepted, keyed by id.
type store struct {
	mu   sync.Mutex
	runs map[string]map[string]any

	failMu    sync.Mutex
	failCode  int
	failCount int
}

func newStore() *store {
	return &store{runs: map[string]map[string]any{}}
}

func (s *store) upsert(id string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[id]
	if !ok {
		existing = map[string]any{}
		s.runs[id] = existing
	}
	for k, v := range fields {
		existing[k] = v
	}
}

func (s *store) get(id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	return r, ok
}

// maybeFail consumes one armed failure, or arms new ones from the header.
func (s *store) maybeFail(c echo.Context) (int, bool) {
	s.failMu.Lock()
	defer s.failMu.Unlock()

	if h := c.Request().Header.Get("X-Devserver-Fail"); h != "" {
		code, count := parseFail(h)
		if code != 0 {
			s.failCode, s.failCount = code, count
		}
	}
	if s.failCount > 0 {
		s.failCount--
		return s.failCode, true
	}
	return 0, false
}

func parseFail(h string) (code, count int) {
	count = 1
	codePart, countPart, ok := strings.Cut(h, ":")
	if ok {
		if n, err := strconv.Atoi(countPart); err == nil && n > 0 {
			count = n
		}
	}
	code, _ = strconv.Atoi(codePart)
	return code, count
}

func main() {
	// ── Structured Logger ──────────────────────────────────────────────────
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// ── SDK Metrics (optional OTLP export) ─────────────────────────────────
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	metrics, err := obsmetrics.New(context.Background(), "tracekit-devserver", otelEndpoint)
	if err != nil {
		logger.Warn("metric exporter init failed", zap.Error(err))
	}
	defer metrics.Shutdown(context.Background())

	st := newStore()

	info := serverinfo.Info{
		Version: "devserver",
		BatchIngestConfig: serverinfo.BatchIngestConfig{
			SizeLimit:            100,
			SizeLimitBytes:       20 * 1024 * 1024,
			UseMultipartEndpoint: os.Getenv("DEVSERVER_MULTIPART") == "true",
		},
		InstanceFlags: serverinfo.InstanceFlags{
			GzipBodyEnabled: os.Getenv("DEVSERVER_GZIP") == "true",
		},
	}

	// ── HTTP Server ────────────────────────────────────────────────────────
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("tracekit-devserver"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/info", func(c echo.Context) error {
		return c.JSON(http.StatusOK, info)
	})

	e.POST("/runs/batch", func(c echo.Context) error {
		if code, fail := st.maybeFail(c); fail {
			return c.NoContent(code)
		}
		body, err := requestBody(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}
		var envelope struct {
			Post  []map[string]any `json:"post"`
			Patch []map[string]any `json:"patch"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": err.Error()})
		}
		for _, r := range envelope.Post {
			st.upsert(stringField(r, "id"), r)
		}
		for _, p := range envelope.Patch {
			st.upsert(stringField(p, "id"), p)
		}
		logger.Info("batch accepted",
			zap.Int("post", len(envelope.Post)),
			zap.Int("patch", len(envelope.Patch)),
		)
		return c.JSON(http.StatusAccepted, echo.Map{"status": "ok"})
	})

	e.POST("/runs/multipart", func(c echo.Context) error {
		if code, fail := st.maybeFail(c); fail {
			return c.NoContent(code)
		}
		form, err := c.MultipartForm()
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}
		accepted := 0
		for name, headers := range form.File {
			kind, id, field := splitPartName(name)
			if kind == "" {
				continue
			}
			for _, fh := range headers {
				f, err := fh.Open()
				if err != nil {
					continue
				}
				raw, err := io.ReadAll(f)
				f.Close()
				if err != nil {
					continue
				}
				applyPart(st, kind, id, field, raw)
				accepted++
			}
		}
		for name, values := range form.Value {
			kind, id, field := splitPartName(name)
			if kind == "" {
				continue
			}
			for _, v := range values {
				applyPart(st, kind, id, field, []byte(v))
				accepted++
			}
		}
		logger.Info("multipart accepted", zap.Int("parts", accepted))
		return c.JSON(http.StatusAccepted, echo.Map{"status": "ok"})
	})

	e.POST("/runs", func(c echo.Context) error {
		if code, fail := st.maybeFail(c); fail {
			return c.NoContent(code)
		}
		var r map[string]any
		if err := c.Bind(&r); err != nil {
			return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": err.Error()})
		}
		st.upsert(stringField(r, "id"), r)
		return c.JSON(http.StatusCreated, echo.Map{"status": "ok"})
	})

	e.PATCH("/runs/:id", func(c echo.Context) error {
		if code, fail := st.maybeFail(c); fail {
			return c.NoContent(code)
		}
		var p map[string]any
		if err := c.Bind(&p); err != nil {
			return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": err.Error()})
		}
		st.upsert(c.Param("id"), p)
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	})

	e.GET("/runs/:id", func(c echo.Context) error {
		r, ok := st.get(c.Param("id"))
		if !ok {
			return c.NoContent(http.StatusNotFound)
		}
		return c.JSON(http.StatusOK, r)
	})

	port := os.Getenv("DEVSERVER_PORT")
	if port == "" {
		port = "8765"
	}

	go func() {
		logger.Info("devserver listening", zap.String("port", port))
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// ── Graceful Shutdown ──────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}
	logger.Info("devserver shut down cleanly")
}

// requestBody reads the body, transparently decompressing gzip.
func requestBody(c echo.Context) ([]byte, error) {
	var r io.Reader = c.Request().Body
	if c.Request().Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(r)
}

// splitPartName decomposes a routing field name: "post.<id>",
// "patch.<id>.outputs", "attachment.<id>.<filename>".
func splitPartName(name string) (kind, id, field string) {
	parts := strings.SplitN(name, ".", 3)
	if len(parts) < 2 {
		return "", "", ""
	}
	switch parts[0] {
	case "post", "patch", "attachment":
		kind = parts[0]
	default:
		return "", "", ""
	}
	id = parts[1]
	if len(parts) == 3 {
		field = parts[2]
	}
	return kind, id, field
}

// applyPart folds one multipart part into the store.
func applyPart(st *store, kind, id, field string, raw []byte) {
	switch {
	case kind == "attachment":
		st.upsert(id, map[string]any{"attachment." + field: len(raw)})
	case field == "":
		var fields map[string]any
		if json.Unmarshal(raw, &fields) == nil {
			st.upsert(id, fields)
		}
	default:
		var v any
		if json.Unmarshal(raw, &v) == nil {
			st.upsert(id, map[string]any{field: v})
		}
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
