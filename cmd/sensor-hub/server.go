package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ridelink/sensor-hub/internal/log"
	"github.com/ridelink/sensor-hub/internal/metrics"
	"github.com/ridelink/sensor-hub/pkg/sensor"
)

// requestTimeout bounds connect and disconnect requests made over HTTP.
const requestTimeout = 30 * time.Second

// hub is the part of the orchestrator exposed over HTTP.
type hub interface {
	StartScanning(ctx context.Context) error
	StopScanning()
	Scanning() bool
	DiscoveredDevices() []*sensor.Device
	ConnectedDevices() []*sensor.Device
	Device(id string) (*sensor.Device, bool)
	ConnectDevice(ctx context.Context, id string) bool
	DisconnectDevice(ctx context.Context, id string) bool
}

type server struct {
	hub     hub
	metrics *metrics.Metrics
}

type statusResponse struct {
	Scanning   bool `json:"scanning"`
	Discovered int  `json:"discovered"`
	Connected  int  `json:"connected"`
}

type resultResponse struct {
	DeviceID string `json:"deviceId"`
	Success  bool   `json:"success"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newRouter(h hub, m *metrics.Metrics) *mux.Router {
	s := &server{hub: h, metrics: m}
	r := mux.NewRouter()
	s.route(r, "/healthz", s.health, http.MethodGet)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	s.route(r, "/scan", s.startScan, http.MethodPost)
	s.route(r, "/scan", s.stopScan, http.MethodDelete)
	s.route(r, "/devices", s.devices, http.MethodGet)
	s.route(r, "/devices/connected", s.connected, http.MethodGet)
	s.route(r, "/devices/{id}", s.device, http.MethodGet)
	s.route(r, "/devices/{id}/connect", s.connect, http.MethodPost)
	s.route(r, "/devices/{id}/disconnect", s.disconnect, http.MethodPost)
	return r
}

func (s *server) route(r *mux.Router, path string, h http.HandlerFunc, method string) {
	r.Handle(path, s.metrics.WrapHandler(path, h)).Methods(method)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug("Failed to write response: %s", err)
	}
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Scanning:   s.hub.Scanning(),
		Discovered: len(s.hub.DiscoveredDevices()),
		Connected:  len(s.hub.ConnectedDevices()),
	})
}

func (s *server) startScan(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.StartScanning(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) stopScan(w http.ResponseWriter, _ *http.Request) {
	s.hub.StopScanning()
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) devices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.DiscoveredDevices())
}

func (s *server) connected(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.ConnectedDevices())
}

func (s *server) device(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, ok := s.hub.Device(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: sensor.ErrUnknownDevice.Error()})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *server) connect(w http.ResponseWriter, r *http.Request) {
	s.result(w, r, s.hub.ConnectDevice)
}

func (s *server) disconnect(w http.ResponseWriter, r *http.Request) {
	s.result(w, r, s.hub.DisconnectDevice)
}

// result runs a connect or disconnect. Failures are reported as device-status events, so the
// response only carries the outcome.
func (s *server) result(w http.ResponseWriter, r *http.Request, op func(context.Context, string) bool) {
	id := mux.Vars(r)["id"]
	if _, ok := s.hub.Device(id); !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: sensor.ErrUnknownDevice.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	ok := op(ctx, id)
	status := http.StatusOK
	if !ok {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resultResponse{DeviceID: id, Success: ok})
}
