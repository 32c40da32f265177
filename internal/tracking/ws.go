package tracking

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 4096
)

// wsPeer writes tracking messages to a websocket. Writes come from the
// participant's writer goroutine and the pinger, so they are serialized.
type wsPeer struct {
	conn *websocket.Conn
	mu   sync.Mutex
	once sync.Once
	stop chan struct{}
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{conn: conn, stop: make(chan struct{})}
}

func (w *wsPeer) Send(msg models.TrackingMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(msg)
}

func (w *wsPeer) Close() {
	w.once.Do(func() {
		close(w.stop)
		w.mu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
			time.Now().Add(time.Second))
		w.mu.Unlock()
		_ = w.conn.Close()
	})
}

func (w *wsPeer) pinger() {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.mu.Lock()
			err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			w.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// errorMessage is sent to a driver whose sample was rejected.
type errorMessage struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

// Serve runs an upgraded connection until it closes. The caller must have
// authorized the identity with Authorize before upgrading.
func (m *Manager) Serve(ctx context.Context, conn *websocket.Conn, bookingID string, role Role, id auth.Identity) {
	peer := newWSPeer(conn)
	p, err := m.Connect(ctx, bookingID, role, id, peer)
	if err != nil {
		// the booking changed between authorization and upgrade
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, apperr.Message(err)),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	defer m.Disconnect(p)

	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	go peer.pinger()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.log.Debug("tracking connection closed", "booking_id", bookingID, "role", role, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if role != RoleDriver {
			// observers are read only; anything they send is ignored
			continue
		}
		sample, err := decodeSample(data, bookingID)
		if err == nil {
			err = m.HandleSample(ctx, p, sample)
		}
		if err != nil {
			select {
			case <-p.Done():
				return
			default:
			}
			m.log.Warn("sample rejected", "booking_id", bookingID, "error", err)
			peer.mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteJSON(errorMessage{Type: "error", Code: string(apperr.KindOf(err)), Error: apperr.Message(err)})
			peer.mu.Unlock()
		}
	}
}

// decodeSample accepts either a full tracking message or a bare sample.
func decodeSample(data []byte, bookingID string) (models.Sample, error) {
	var msg models.TrackingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return models.Sample{}, apperr.Wrap(apperr.KindInvalidInput, "malformed message", err)
	}
	if msg.Sample != nil {
		if msg.Type != "" && msg.Type != models.MessageLocation {
			return models.Sample{}, apperr.Newf(apperr.KindInvalidInput, "unexpected message type %q", msg.Type)
		}
		if msg.BookingID != "" && msg.BookingID != bookingID {
			return models.Sample{}, apperr.New(apperr.KindInvalidInput, "sample for a different booking")
		}
		return *msg.Sample, nil
	}
	if msg.Type != "" {
		return models.Sample{}, apperr.New(apperr.KindInvalidInput, "message carries no sample")
	}
	var coords struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lng"`
	}
	if err := json.Unmarshal(data, &coords); err != nil || coords.Lat == nil || coords.Lon == nil {
		return models.Sample{}, apperr.New(apperr.KindInvalidInput, "sample needs lat and lng")
	}
	var s models.Sample
	if err := json.Unmarshal(data, &s); err != nil {
		return models.Sample{}, apperr.Wrap(apperr.KindInvalidInput, "malformed sample", err)
	}
	return s, nil
}
