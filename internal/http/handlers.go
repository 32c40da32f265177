package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/booking"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/tracking"
)

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]errorBody{"error": {
				Code: apperr.KindUnauthorized, Message: "missing bearer token",
			}})
			return
		}
		id, err := s.tokens.Verify(raw)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]errorBody{"error": {
				Code: apperr.KindUnauthorized, Message: apperr.Message(err),
			}})
			return
		}
		if !auth.FullAccess(id) {
			writeJSON(w, http.StatusUnauthorized, map[string]errorBody{"error": {
				Code: apperr.KindUnauthorized, Message: "token is limited to a tracking channel",
			}})
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

// loadFor fetches the booking named in the path and checks the caller may
// see it. Bookings the caller cannot see are reported as missing.
func (s *Server) loadFor(r *http.Request, allowed func(auth.Identity, *models.Booking) bool) (*models.Booking, error) {
	b, err := s.bookings.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return nil, err
	}
	if !allowed(identity(r), b) {
		return nil, apperr.New(apperr.KindNotFound, "booking not found")
	}
	return b, nil
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req booking.CreateRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := identity(r)
	switch id.Role {
	case models.RoleCustomer:
		if req.CustomerID != "" && req.CustomerID != id.AccountID {
			s.writeError(w, r, apperr.New(apperr.KindUnauthorized, "customers book for themselves"))
			return
		}
		req.CustomerID = id.AccountID
	case models.RoleOperator:
	default:
		s.writeError(w, r, apperr.New(apperr.KindUnauthorized, "only customers and operators create bookings"))
		return
	}
	b, err := s.bookings.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.loadFor(r, auth.CanView)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	b, err := s.loadFor(r, auth.CanView)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	points, err := s.bookings.RoutePoints(r.Context(), b.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if points == nil {
		points = []models.RoutePoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"booking_id": b.ID, "points": points})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	b, err := s.loadFor(r, auth.CanView)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.bookings.Notifications(r.Context(), b.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := identity(r)
	out := make([]models.Notification, 0, len(list))
	for _, n := range list {
		// each party sees what was addressed to them; operators see all
		if id.Role == models.RoleOperator || n.Role == id.Role {
			out = append(out, n)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"booking_id": b.ID, "notifications": out})
}

type transitionFunc func(ctx context.Context, id string) (*models.Booking, error)

func (s *Server) transition(action string) (transitionFunc, func(auth.Identity, *models.Booking) bool, bool) {
	switch action {
	case "confirm":
		return s.bookings.Confirm, auth.CanDrive, true
	case "decline":
		return s.bookings.Decline, auth.CanDrive, true
	case "retry-deposit":
		// the customer retries after replacing a declined card
		return s.bookings.RetryDeposit, auth.CanView, true
	case "leave":
		return s.bookings.Leave, auth.CanDrive, true
	case "arrive-pickup":
		return s.bookings.ArriveAtPickup, auth.CanDrive, true
	case "start":
		return s.bookings.StartTrip, auth.CanDrive, true
	case "arrive-dropoff":
		return s.bookings.ArriveAtDropoff, auth.CanDrive, true
	case "complete":
		return s.bookings.Complete, auth.CanDrive, true
	}
	return nil, nil, false
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	apply, allowed, ok := s.transition(action)
	if !ok {
		s.writeError(w, r, apperr.Newf(apperr.KindNotFound, "unknown action %q", action))
		return
	}
	b, err := s.loadFor(r, auth.CanView)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := auth.Require(allowed(identity(r), b), action); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err = apply(r.Context(), b.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleSetupIntent(w http.ResponseWriter, r *http.Request) {
	secret, err := s.bookings.CreateSetupIntent(r.Context(), identity(r).AccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"client_secret": secret})
}

func (s *Server) handlePaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req booking.PaymentSetup
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.bookings.AttachPaymentMethod(r.Context(), identity(r).AccountID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handlePushToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.bookings.RegisterPushToken(r.Context(), identity(r).AccountID, req.Token); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type publicPlace struct {
	Address string `json:"address"`
}

type trackingChannel struct {
	URL       string    `json:"url"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type publicBooking struct {
	PublicCode   string           `json:"public_code"`
	Status       models.Status    `json:"status"`
	PickupTime   time.Time        `json:"pickup_time"`
	Pickup       publicPlace      `json:"pickup"`
	Dropoff      publicPlace      `json:"dropoff"`
	LastPosition *models.Position `json:"last_position,omitempty"`
	RecentPoints []models.Sample  `json:"recent_points,omitempty"`
	Channel      *trackingChannel `json:"tracking,omitempty"`
}

// handlePublicLookup serves the share link. Knowing the public code is
// enough to watch the trip, so while the booking is trackable the response
// carries a watch token scoped to this booking only.
func (s *Server) handlePublicLookup(w http.ResponseWriter, r *http.Request) {
	b, err := s.bookings.GetByCode(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := publicBooking{
		PublicCode: b.PublicCode,
		Status:     b.Status,
		PickupTime: b.PickupTime,
		Pickup:     publicPlace{Address: b.Pickup.Address},
		Dropoff:    publicPlace{Address: b.Dropoff.Address},
	}
	if b.Status.Trackable() {
		if pos, ok, err := s.tracking.LastPosition(r.Context(), b.ID); err != nil {
			s.logger.Warn("last position lookup failed", "booking_id", b.ID, "error", err)
		} else if ok {
			out.LastPosition = &pos
		}
		if pts, err := s.tracking.RecentPoints(r.Context(), b.ID, s.trail); err != nil {
			s.logger.Warn("recent points lookup failed", "booking_id", b.ID, "error", err)
		} else {
			out.RecentPoints = pts
		}
		token, exp, err := s.tokens.Issue(auth.Identity{
			AccountID: b.CustomerID,
			Role:      models.RoleCustomer,
			BookingID: b.ID,
			Scope:     auth.ScopeWatch,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out.Channel = &trackingChannel{URL: s.wsURL(r, b.ID, tracking.RoleWatch), Token: token, ExpiresAt: exp}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) wsURL(r *http.Request, bookingID string, role tracking.Role) string {
	base := strings.TrimRight(s.wsBase, "/")
	if base == "" {
		scheme := "ws"
		if r.TLS != nil {
			scheme = "wss"
		}
		base = scheme + "://" + r.Host
	}
	return base + "/ws/bookings/" + bookingID + "/" + string(role)
}

// handleTrackingWS authorizes before upgrading so a rejected client gets a
// plain HTTP error instead of an accepted socket.
func (s *Server) handleTrackingWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	raw := bearerToken(r)
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]errorBody{"error": {Code: apperr.KindUnauthorized, Message: "missing token"}})
		return
	}
	id, err := s.tokens.Verify(raw)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]errorBody{"error": {Code: apperr.KindUnauthorized, Message: apperr.Message(err)}})
		return
	}
	// Booking-bound tokens only come from the public lookup and must say so.
	if id.BookingID != "" && id.Scope != auth.ScopeWatch {
		writeJSON(w, http.StatusUnauthorized, map[string]errorBody{"error": {Code: apperr.KindUnauthorized, Message: "booking token lacks the watch audience"}})
		return
	}
	role := tracking.Role(vars["role"])
	if _, err := s.tracking.Authorize(r.Context(), vars["id"], role, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "booking_id", vars["id"], "error", err)
		return
	}
	// the request context ends with the handler, not the socket
	s.tracking.Serve(context.WithoutCancel(r.Context()), conn, vars["id"], role, id)
}
