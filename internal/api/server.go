// Shepherd - Self-Updating Application Supervisor
// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/shepherd-dev/shepherd

// Package api serves the read-only operational endpoint: health, current
// deployment status, the on-disk release inventory, recent deploy history,
// and Prometheus metrics. It binds to loopback by default and never mutates
// supervisor state.
package api

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shepherd-dev/shepherd/internal/config"
	"github.com/shepherd-dev/shepherd/internal/journal"
	"github.com/shepherd-dev/shepherd/internal/logging"
	"github.com/shepherd-dev/shepherd/internal/process"
	"github.com/shepherd-dev/shepherd/internal/release"
)

// ReleaseStore is the slice of the release manager the API reads.
type ReleaseStore interface {
	CurrentRelease() (*release.Release, error)
	Releases() ([]*release.Release, error)
}

// ProcessProber is the slice of the process supervisor the API reads.
type ProcessProber interface {
	Current() *process.Handle
	IsAlive(h *process.Handle) bool
}

// HistorySource reads recent deploy records. May be nil when journaling is
// disabled.
type HistorySource interface {
	Recent(limit int) ([]journal.Record, error)
}

// Server is the admin HTTP server.
type Server struct {
	cfg      config.AdminConfig
	releases ReleaseStore
	proc     ProcessProber
	history  HistorySource
}

// NewServer creates the admin server.
func NewServer(cfg config.AdminConfig, releases ReleaseStore, proc ProcessProber, history HistorySource) *Server {
	return &Server{cfg: cfg, releases: releases, proc: proc, history: history}
}

// HTTPServer returns a configured *http.Server ready to be supervised.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(httprate.LimitByIP(s.cfg.RateLimit, time.Minute))

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/releases", s.handleReleases)
	r.Get("/history", s.handleHistory)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the /status payload.
type statusResponse struct {
	Release *release.Release `json:"release"`
	Process *processStatus   `json:"process"`
}

type processStatus struct {
	PID         int       `json:"pid"`
	State       string    `json:"state"`
	Alive       bool      `json:"alive"`
	ReleasePath string    `json:"release_path"`
	StartedAt   time.Time `json:"started_at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cur, err := s.releases.CurrentRelease()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	resp := statusResponse{Release: cur}
	if h := s.proc.Current(); h != nil {
		resp.Process = &processStatus{
			PID:         h.PID(),
			State:       string(h.State()),
			Alive:       s.proc.IsAlive(h),
			ReleasePath: h.ReleasePath(),
			StartedAt:   h.StartedAt(),
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReleases(w http.ResponseWriter, _ *http.Request) {
	releases, err := s.releases.Releases()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"releases": releases})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotFound, fmt.Errorf("deploy journal disabled"))
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			respondError(w, http.StatusBadRequest, fmt.Errorf("limit must be between 1 and 100"))
			return
		}
		limit = n
	}

	records, err := s.history.Recent(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deploys": records})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Warn().Err(err).Msg("Failed to encode admin response")
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
