package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"minerd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Status() types.StatusResponse
	Devices() types.DevicesResponse
	Ready() bool
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(accessLog)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Status())
	})

	r.Get("/devices", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Devices())
	})

	r.Get("/devices/{linear}", func(w http.ResponseWriter, r *http.Request) {
		linear, err := strconv.Atoi(chi.URLParam(r, "linear"))
		if err != nil || linear < 0 {
			writeJSONError(w, http.StatusBadRequest, "device index must be a non-negative integer")
			return
		}
		for _, d := range svc.Devices().Devices {
			if d.Linear == linear {
				writeJSON(w, d)
				return
			}
		}
		writeJSONError(w, http.StatusNotFound, "no device "+strconv.Itoa(linear))
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		incrementNotReady("not_mining")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not mining"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}
