package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"minerd/pkg/types"
)

type mockService struct {
	status  types.StatusResponse
	devices []types.DeviceStatus
	ready   bool
}

func (m *mockService) Status() types.StatusResponse { return m.status }
func (m *mockService) Devices() types.DevicesResponse {
	return types.DevicesResponse{Devices: append([]types.DeviceStatus(nil), m.devices...)}
}
func (m *mockService) Ready() bool { return m.ready }

func TestStatusHandler(t *testing.T) {
	svc := &mockService{status: types.StatusResponse{State: "running", Algorithm: "sha256d/1", Accepted: 4}}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing nosniff header")
	}
	var body types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.State != "running" || body.Accepted != 4 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestDevicesHandler(t *testing.T) {
	svc := &mockService{devices: []types.DeviceStatus{{Linear: 0, Name: "a"}, {Linear: 1, Name: "b", State: "excluded"}}}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/devices", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.DevicesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(body.Devices) != 2 || body.Devices[1].State != "excluded" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestDeviceByIndex(t *testing.T) {
	svc := &mockService{devices: []types.DeviceStatus{{Linear: 0, Name: "a"}, {Linear: 3, Name: "d"}}}
	r := NewMux(svc)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/devices/3", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var d types.DeviceStatus
	if err := json.Unmarshal(w.Body.Bytes(), &d); err != nil {
		t.Fatalf("json: %v", err)
	}
	if d.Name != "d" {
		t.Fatalf("device = %+v", d)
	}

	cases := map[string]int{
		"/devices/1":  http.StatusNotFound,
		"/devices/x":  http.StatusBadRequest,
		"/devices/-1": http.StatusBadRequest,
	}
	for path, want := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != want {
			t.Fatalf("%s: status=%d want %d", path, w.Code, want)
		}
		var e types.ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil || e.Code != want {
			t.Fatalf("%s: error body %q", path, w.Body.String())
		}
	}
}

func TestHealthz(t *testing.T) {
	r := NewMux(&mockService{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	svc := &mockService{ready: true}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestReadyz_NotReady(t *testing.T) {
	svc := &mockService{ready: false}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "not mining") {
		t.Fatalf("body=%q", w.Body.String())
	}
}

func TestCORSOptIn(t *testing.T) {
	preflight := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/status", nil)
		req.Header.Set("Origin", "http://dash.local")
		req.Header.Set("Access-Control-Request-Method", "GET")
		w := httptest.NewRecorder()
		NewMux(&mockService{}).ServeHTTP(w, req)
		return w
	}

	SetCORSOptions(false, nil, nil, nil)
	if h := preflight().Header().Get("Access-Control-Allow-Origin"); h != "" {
		t.Fatalf("CORS disabled but got allow-origin %q", h)
	}

	SetCORSOptions(true, []string{"http://dash.local"}, nil, nil)
	defer SetCORSOptions(false, nil, nil, nil)
	if h := preflight().Header().Get("Access-Control-Allow-Origin"); h != "http://dash.local" {
		t.Fatalf("allow-origin = %q", h)
	}
}
