package middleware

import (
	"bytes"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestApp(logger *slog.Logger) *fiber.App {
	app := fiber.New()
	app.Use(RequestID())
	app.Use(Metrics())
	app.Use(Audit(logger))
	app.Get("/cards/:cardId", func(c *fiber.Ctx) error {
		if c.Params("cardId") == "missing" {
			return fiber.NewError(fiber.StatusNotFound, "card not found")
		}
		return c.JSON(fiber.Map{"request_id": GetRequestID(c)})
	})
	return app
}

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	app := newTestApp(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/cards/abc", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatal("expected generated request id header")
	}

	req := httptest.NewRequest(fiber.MethodGet, "/cards/abc", nil)
	req.Header.Set(requestIDHeader, "req-123")
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if got := resp.Header.Get(requestIDHeader); got != "req-123" {
		t.Fatalf("expected caller request id, got %q", got)
	}
}

func TestAuditLogsRenderedStatus(t *testing.T) {
	var buf bytes.Buffer
	app := newTestApp(slog.New(slog.NewTextHandler(&buf, nil)))

	req := httptest.NewRequest(fiber.MethodGet, "/cards/missing", nil)
	req.Header.Set(requestIDHeader, "req-404")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected %d got %d", fiber.StatusNotFound, resp.StatusCode)
	}

	line := buf.String()
	for _, want := range []string{"level=WARN", "status=404", "request_id=req-404", "card_id=missing"} {
		if !strings.Contains(line, want) {
			t.Fatalf("audit line %q missing %q", line, want)
		}
	}
}

func TestMetricsUseRouteTemplate(t *testing.T) {
	app := newTestApp(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	counter := httpRequestsTotal.WithLabelValues(fiber.MethodGet, "/cards/:cardId", "200")
	before := testutil.ToFloat64(counter)

	if _, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/cards/one", nil)); err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if _, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/cards/two", nil)); err != nil {
		t.Fatalf("app.Test: %v", err)
	}

	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Fatalf("expected 2 observations on the route template, got %v", got)
	}
}

func TestRecoveredPanicIsAuditedAndCounted(t *testing.T) {
	var buf bytes.Buffer
	app := fiber.New()
	app.Use(RequestID())
	app.Use(Metrics())
	app.Use(Audit(slog.New(slog.NewTextHandler(&buf, nil))))
	app.Use(recover.New())
	app.Get("/cards/:cardId/spend", func(c *fiber.Ctx) error {
		panic("ledger exploded")
	})

	counter := httpRequestsTotal.WithLabelValues(fiber.MethodGet, "/cards/:cardId/spend", "500")
	before := testutil.ToFloat64(counter)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/cards/abc/spend", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected %d got %d", fiber.StatusInternalServerError, resp.StatusCode)
	}

	line := buf.String()
	for _, want := range []string{"level=ERROR", "status=500", "card_id=abc"} {
		if !strings.Contains(line, want) {
			t.Fatalf("audit line %q missing %q", line, want)
		}
	}
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Fatalf("expected one 500 observation, got %v", got)
	}
}
