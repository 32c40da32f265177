// Package httpapi exposes the booking lifecycle over REST and the tracking
// channels over websockets.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/booking"
	"github.com/example/ride-booking/internal/tracking"
)

type Deps struct {
	Bookings *booking.Service
	Tracking *tracking.Manager
	Tokens   *auth.Tokens
	// PublicWSBase is the scheme and host clients use to reach the
	// websocket endpoint, e.g. wss://api.example.com.
	PublicWSBase string
	// TrailPoints caps the recent samples on the share link. Zero leaves
	// them out.
	TrailPoints int
	// Ready reports whether backing services are reachable. Optional.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

type Server struct {
	bookings *booking.Service
	tracking *tracking.Manager
	tokens   *auth.Tokens
	wsBase   string
	trail    int
	ready    func(ctx context.Context) error
	logger   *slog.Logger
	upgrader websocket.Upgrader
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		bookings: d.Bookings,
		tracking: d.Tracking,
		tokens:   d.Tokens,
		wsBase:   d.PublicWSBase,
		trail:    d.TrailPoints,
		ready:    d.Ready,
		logger:   logger.With("component", "http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// tracking tokens are bearer credentials, so any origin may dial
			CheckOrigin: func(*http.Request) bool { return true },
		},
		mux: mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.HandleFunc("/api/v1/track/{code}", s.handlePublicLookup).Methods(http.MethodGet)
	s.mux.HandleFunc("/ws/bookings/{id}/{role:driver|watch}", s.handleTrackingWS)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/bookings", s.handleCreateBooking).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}", s.handleGetBooking).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}/route", s.handleRoute).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}/notifications", s.handleNotifications).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}/{action}", s.handleTransition).Methods(http.MethodPost)

	api.HandleFunc("/accounts/me/setup-intent", s.handleSetupIntent).Methods(http.MethodPost)
	api.HandleFunc("/accounts/me/payment-method", s.handlePaymentMethod).Methods(http.MethodPut)
	api.HandleFunc("/accounts/me/push-token", s.handlePushToken).Methods(http.MethodPut)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
