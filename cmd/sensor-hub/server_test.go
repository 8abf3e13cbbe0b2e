package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ridelink/sensor-hub/internal/metrics"
	"github.com/ridelink/sensor-hub/pkg/sensor"
)

type fakeHub struct {
	lock      sync.Mutex
	scanning  bool
	scanErr   error
	devices   map[string]*sensor.Device
	connected map[string]bool
	refuse    bool
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		devices: map[string]*sensor.Device{
			"ble:c0:ff:ee:00:11:22": {ID: "ble:c0:ff:ee:00:11:22", Name: "TICKR 1A2B", Type: sensor.TypeHeartRate, Protocol: sensor.ProtocolBLE},
		},
		connected: make(map[string]bool),
	}
}

func (h *fakeHub) StartScanning(context.Context) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.scanErr != nil {
		return h.scanErr
	}
	h.scanning = true
	return nil
}

func (h *fakeHub) StopScanning() {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.scanning = false
}

func (h *fakeHub) Scanning() bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.scanning
}

func (h *fakeHub) DiscoveredDevices() []*sensor.Device {
	h.lock.Lock()
	defer h.lock.Unlock()
	out := []*sensor.Device{}
	for _, d := range h.devices {
		out = append(out, d.Clone())
	}
	return out
}

func (h *fakeHub) ConnectedDevices() []*sensor.Device {
	h.lock.Lock()
	defer h.lock.Unlock()
	out := []*sensor.Device{}
	for id := range h.connected {
		out = append(out, h.devices[id].Clone())
	}
	return out
}

func (h *fakeHub) Device(id string) (*sensor.Device, bool) {
	h.lock.Lock()
	defer h.lock.Unlock()
	d, ok := h.devices[id]
	return d.Clone(), ok
}

func (h *fakeHub) ConnectDevice(_ context.Context, id string) bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.refuse {
		return false
	}
	h.connected[id] = true
	return true
}

func (h *fakeHub) DisconnectDevice(_ context.Context, id string) bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	if !h.connected[id] {
		return false
	}
	delete(h.connected, id)
	return true
}

func do(t *testing.T, srv *httptest.Server, method, path string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %s", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, body
}

func TestDeviceRoutes(t *testing.T) {
	h := newFakeHub()
	srv := httptest.NewServer(newRouter(h, metrics.New(nil)))
	defer srv.Close()

	resp, body := do(t, srv, http.MethodGet, "/devices")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var devices []sensor.Device
	if err := json.Unmarshal(body, &devices); err != nil {
		t.Fatalf("bad body %s: %s", body, err)
	}
	if len(devices) != 1 || devices[0].Name != "TICKR 1A2B" {
		t.Errorf("unexpected devices %+v", devices)
	}

	resp, _ = do(t, srv, http.MethodGet, "/devices/ble:c0:ff:ee:00:11:22")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("unexpected status %d for a known device", resp.StatusCode)
	}
	resp, _ = do(t, srv, http.MethodGet, "/devices/ble:00:00:00:00:00:00")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unexpected status %d for an unknown device", resp.StatusCode)
	}

	resp, body = do(t, srv, http.MethodPost, "/devices/ble:c0:ff:ee:00:11:22/connect")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"success":true`) {
		t.Errorf("connect: %d %s", resp.StatusCode, body)
	}
	resp, body = do(t, srv, http.MethodGet, "/devices/connected")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "TICKR 1A2B") {
		t.Errorf("connected: %d %s", resp.StatusCode, body)
	}
	resp, _ = do(t, srv, http.MethodPost, "/devices/ble:c0:ff:ee:00:11:22/disconnect")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("disconnect: %d", resp.StatusCode)
	}
	resp, body = do(t, srv, http.MethodPost, "/devices/ble:c0:ff:ee:00:11:22/disconnect")
	if resp.StatusCode != http.StatusBadGateway || !strings.Contains(string(body), `"success":false`) {
		t.Errorf("second disconnect: %d %s", resp.StatusCode, body)
	}
	resp, _ = do(t, srv, http.MethodPost, "/devices/ant:1:120/connect")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unexpected status %d connecting an unknown device", resp.StatusCode)
	}
	resp, _ = do(t, srv, http.MethodDelete, "/devices")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("unexpected status %d for a wrong method", resp.StatusCode)
	}
}

func TestScanRoutes(t *testing.T) {
	h := newFakeHub()
	srv := httptest.NewServer(newRouter(h, metrics.New(nil)))
	defer srv.Close()

	resp, _ := do(t, srv, http.MethodPost, "/scan")
	if resp.StatusCode != http.StatusAccepted || !h.Scanning() {
		t.Errorf("start: %d", resp.StatusCode)
	}
	_, body := do(t, srv, http.MethodGet, "/healthz")
	if !strings.Contains(string(body), `"scanning":true`) || !strings.Contains(string(body), `"discovered":1`) {
		t.Errorf("unexpected health %s", body)
	}
	resp, _ = do(t, srv, http.MethodDelete, "/scan")
	if resp.StatusCode != http.StatusNoContent || h.Scanning() {
		t.Errorf("stop: %d", resp.StatusCode)
	}

	h.scanErr = sensor.ErrAdapterClosed
	resp, body = do(t, srv, http.MethodPost, "/scan")
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(string(body), "adapter closed") {
		t.Errorf("closed: %d %s", resp.StatusCode, body)
	}
}

func TestMetricsRoute(t *testing.T) {
	srv := httptest.NewServer(newRouter(newFakeHub(), metrics.New(nil)))
	defer srv.Close()

	do(t, srv, http.MethodGet, "/healthz")
	resp, body := do(t, srv, http.MethodGet, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `sensorhub_http_requests_total{route="/healthz",status="200"} 1`) {
		t.Errorf("request not counted:\n%s", body)
	}
}
