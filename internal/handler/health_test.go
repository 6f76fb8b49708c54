package handler

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
)

type staticBackends map[string]error

func (b staticBackends) BackendHealth(context.Context) map[string]error { return b }

type healthBody struct {
	Status   string                 `json:"status"`
	Services map[string]interface{} `json:"services"`
}

func TestHealth(t *testing.T) {
	newApp := func(backends BackendChecker, redis func(context.Context) error) *fiber.App {
		h := NewHealthHandler(fiber.Map{"store": "memory"}, backends, redis)
		app := fiber.New()
		app.Get("/health", h.Check)
		return app
	}

	t.Run("all reachable", func(t *testing.T) {
		app := newApp(staticBackends{"mock": nil}, func(context.Context) error { return nil })
		status, data := do(t, app, http.MethodGet, "/health", "")
		if status != fiber.StatusOK {
			t.Fatalf("expected 200, got %d", status)
		}
		body := decode[healthBody](t, data)
		if body.Status != "ok" {
			t.Errorf("expected ok, got %q", body.Status)
		}
		if body.Services["store"] != "memory" || body.Services["redis"] != "ok" {
			t.Errorf("unexpected services: %v", body.Services)
		}
		backends, _ := body.Services["backends"].(map[string]interface{})
		if backends["mock"] != "ok" {
			t.Errorf("expected mock ok, got %v", backends)
		}
	})

	t.Run("backend unreachable", func(t *testing.T) {
		app := newApp(staticBackends{
			"mock":    nil,
			"comfyui": errors.New("connection refused"),
		}, nil)
		status, data := do(t, app, http.MethodGet, "/health", "")
		if status != fiber.StatusOK {
			t.Fatalf("expected 200, got %d", status)
		}
		body := decode[healthBody](t, data)
		if body.Status != "degraded" {
			t.Errorf("expected degraded, got %q", body.Status)
		}
		backends, _ := body.Services["backends"].(map[string]interface{})
		if backends["comfyui"] != "connection refused" || backends["mock"] != "ok" {
			t.Errorf("unexpected backends: %v", backends)
		}
		if _, ok := body.Services["redis"]; ok {
			t.Error("redis should be absent without a ping func")
		}
	})

	t.Run("redis unreachable", func(t *testing.T) {
		app := newApp(staticBackends{}, func(context.Context) error { return errors.New("dial tcp: refused") })
		_, data := do(t, app, http.MethodGet, "/health", "")
		body := decode[healthBody](t, data)
		if body.Status != "degraded" || body.Services["redis"] != "dial tcp: refused" {
			t.Errorf("unexpected body: %+v", body)
		}
	})
}
