// Package status serves the node status and metrics over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang/glog"

	"github.com/robotalks/sensornode/pkg/flash"
	"github.com/robotalks/sensornode/pkg/framework"
	"github.com/robotalks/sensornode/pkg/metrics"
	"github.com/robotalks/sensornode/pkg/ota"
)

// UpdaterStatus provides the updater status.
type UpdaterStatus interface {
	Status() ota.Status
}

// BootRecorder provides the persisted boot record.
type BootRecorder interface {
	Record() flash.BootRecord
}

// Report is the body of GET /status.
type Report struct {
	DeviceID string      `json:"device_id"`
	OTA      ota.Status  `json:"ota"`
	Boot     *BootReport `json:"boot,omitempty"`
}

// BootReport describes the boot partition.
type BootReport struct {
	Slot     uint32 `json:"slot"`
	State    string `json:"state"`
	Sequence uint32 `json:"sequence"`
}

// Server is the status HTTP server.
type Server struct {
	Addr     string
	DeviceID string
	Updater  UpdaterStatus
	Boot     BootRecorder
	Metrics  *metrics.Metrics
	// Trigger requests an immediate update check; nil disables POST /ota/check.
	Trigger func() bool
}

// Name implements framework.Named.
func (s *Server) Name() string {
	return "status"
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/status", s.handleStatus)
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}
	if s.Trigger != nil {
		r.Post("/ota/check", s.handleCheck)
	}
	return r
}

// Report builds the current status report.
func (s *Server) Report() Report {
	rep := Report{DeviceID: s.DeviceID}
	if s.Updater != nil {
		rep.OTA = s.Updater.Status()
	}
	if s.Boot != nil {
		rec := s.Boot.Record()
		state := rec.ImageState()
		if state == flash.StateNew {
			state = flash.StatePendingVerify
		}
		rep.Boot = &BootReport{Slot: rec.Slot, State: state.String(), Sequence: rec.Sequence}
	}
	return rep
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Report()); err != nil {
		glog.Warningf("encode status: %v", err)
	}
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if !s.Trigger() {
		http.Error(w, "update check unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Run implements framework.Runnable.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	glog.Infof("status server listening on %s", ln.Addr())
	err := framework.RunWithContextCancel(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}, func() error {
		return srv.Serve(ln)
	})
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
