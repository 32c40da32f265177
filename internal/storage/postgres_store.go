package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-booking/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// slotLockKey is the advisory lock that serializes confirmations against the
// single driver's calendar.
const slotLockKey = 7_340_021

const bookingColumns = `id, public_code, customer_id, driver_id, pickup_address, pickup_lat, pickup_lon,
	dropoff_address, dropoff_lat, dropoff_lon, pickup_time, passengers, notes, estimated_km,
	estimated_minutes, estimated_cents, deposit_cents, final_cents, deposit_ref, final_ref, leave_at,
	status, created_at, updated_at`

// casUpdate applies a BookingUpdate only when status still equals $10.
const casUpdate = `UPDATE bookings SET
	status = COALESCE($2, status),
	driver_id = COALESCE($3, driver_id),
	deposit_ref = CASE WHEN $4 THEN NULL ELSE COALESCE($5, deposit_ref) END,
	final_ref = COALESCE($6, final_ref),
	final_cents = COALESCE($7, final_cents),
	leave_at = COALESCE($8, leave_at),
	updated_at = $9
WHERE id = $1 AND status = $10
RETURNING ` + bookingColumns

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresStoreFromDB(db), nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies the embedded schema files in name order.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		b, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (p *PostgresStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO bookings(`+bookingColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
		b.ID, b.PublicCode, b.CustomerID, b.DriverID, b.Pickup.Address, b.Pickup.Lat, b.Pickup.Lon,
		b.Dropoff.Address, b.Dropoff.Lat, b.Dropoff.Lon, b.PickupTime, b.Passengers, b.Notes, b.EstimatedKm,
		b.EstimatedMinutes, b.EstimatedCents, b.DepositCents, b.FinalCents, b.DepositRef, b.FinalRef, b.LeaveAt,
		string(b.Status), b.CreatedAt, b.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "bookings_public_code_key" {
		return ErrDuplicateCode
	}
	return err
}

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	return scanBooking(row)
}

func (p *PostgresStore) GetBookingByCode(ctx context.Context, code string) (*models.Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE public_code = $1`, code)
	return scanBooking(row)
}

func (p *PostgresStore) ListBookings(ctx context.Context, f BookingFilter) ([]models.Booking, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", pq.Array(statusStrings(f.Statuses)))
	}
	if !f.PickupFrom.IsZero() {
		add("pickup_time >= $%d", f.PickupFrom)
	}
	if !f.PickupTo.IsZero() {
		add("pickup_time <= $%d", f.PickupTo)
	}
	if f.ExcludeID != "" {
		add("id <> $%d", f.ExcludeID)
	}
	q := `SELECT ` + bookingColumns + ` FROM bookings`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY pickup_time`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Booking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) TransitionBooking(ctx context.Context, id string, from models.Status, upd models.BookingUpdate) (*models.Booking, error) {
	b, err := p.cas(ctx, p.db, id, from, upd)
	if errors.Is(err, ErrNotFound) {
		return nil, p.explainMiss(ctx, p.db, id)
	}
	return b, err
}

func (p *PostgresStore) ConfirmBooking(ctx context.Context, id string, from models.Status, upd models.BookingUpdate, window time.Duration) (*models.Booking, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, slotLockKey); err != nil {
		return nil, err
	}
	var pickup time.Time
	if err := tx.QueryRowContext(ctx, `SELECT pickup_time FROM bookings WHERE id = $1`, id).Scan(&pickup); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	lo, hi := slotBounds(pickup, window)
	var holder string
	err = tx.QueryRowContext(ctx, `SELECT id FROM bookings
		WHERE id <> $1 AND status = ANY($2) AND pickup_time > $3 AND pickup_time < $4 LIMIT 1`,
		id, pq.Array(statusStrings(models.CommittedStatuses)), lo, hi).Scan(&holder)
	switch {
	case err == nil:
		return nil, ErrSlotTaken
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	// the row exists, so a miss here means the status moved
	b, err := p.cas(ctx, tx, id, from, upd)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrStatusConflict
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return b, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *PostgresStore) cas(ctx context.Context, q queryer, id string, from models.Status, upd models.BookingUpdate) (*models.Booking, error) {
	var status *string
	if upd.Status != nil {
		s := string(*upd.Status)
		status = &s
	}
	row := q.QueryRowContext(ctx, casUpdate, id, status, upd.DriverID, upd.ClearDepositRef, upd.DepositRef,
		upd.FinalRef, upd.FinalCents, upd.LeaveAt, p.now(), string(from))
	return scanBooking(row)
}

func (p *PostgresStore) explainMiss(ctx context.Context, q queryer, id string) error {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM bookings WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrStatusConflict
}

func (p *PostgresStore) RecordRoutePoint(ctx context.Context, pt models.RoutePoint) (bool, error) {
	res, err := p.db.ExecContext(ctx, `INSERT INTO route_points(id, booking_id, ts, lat, lon, speed)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE EXISTS (SELECT 1 FROM bookings WHERE id = $2 AND status = $7)`,
		pt.ID, pt.BookingID, pt.Timestamp, pt.Lat, pt.Lon, pt.Speed, string(models.StatusInProgress))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) ListRoutePoints(ctx context.Context, bookingID string) ([]models.RoutePoint, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, booking_id, ts, lat, lon, speed FROM route_points
		WHERE booking_id = $1 ORDER BY ts`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.RoutePoint, 0)
	for rows.Next() {
		var (
			pt    models.RoutePoint
			speed sql.NullFloat64
		)
		if err := rows.Scan(&pt.ID, &pt.BookingID, &pt.Timestamp, &pt.Lat, &pt.Lon, &speed); err != nil {
			return nil, err
		}
		if speed.Valid {
			v := speed.Float64
			pt.Speed = &v
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AddNotification(ctx context.Context, n *models.Notification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO notifications(id, booking_id, type, recipient_role, payload, created_at)
		VALUES($1,$2,$3,$4,$5,$6)`, n.ID, n.BookingID, string(n.Type), string(n.Role), payload, n.CreatedAt)
	return err
}

func (p *PostgresStore) ListNotifications(ctx context.Context, bookingID string) ([]models.Notification, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, booking_id, type, recipient_role, payload, created_at
		FROM notifications WHERE booking_id = $1 ORDER BY created_at`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Notification, 0)
	for rows.Next() {
		var (
			n       models.Notification
			booking sql.NullString
			typ     string
			role    string
			payload []byte
		)
		if err := rows.Scan(&n.ID, &booking, &typ, &role, &payload, &n.CreatedAt); err != nil {
			return nil, err
		}
		if booking.Valid {
			v := booking.String
			n.BookingID = &v
		}
		n.Type = models.NotificationType(typ)
		n.Role = models.Role(role)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &n.Payload); err != nil {
				return nil, fmt.Errorf("decode payload of %s: %w", n.ID, err)
			}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var a models.Account
	err := p.db.QueryRowContext(ctx, `SELECT id, payment_customer, payment_method, push_token FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.PaymentCustomer, &a.PaymentMethodRef, &a.PushToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *PostgresStore) SaveAccount(ctx context.Context, a *models.Account) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO accounts(id, payment_customer, payment_method, push_token)
		VALUES($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET payment_customer = EXCLUDED.payment_customer,
			payment_method = EXCLUDED.payment_method, push_token = EXCLUDED.push_token`,
		a.ID, a.PaymentCustomer, a.PaymentMethodRef, a.PushToken)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	var (
		b          models.Booking
		finalCents sql.NullInt64
		depositRef sql.NullString
		finalRef   sql.NullString
		leaveAt    sql.NullTime
		status     string
	)
	err := row.Scan(&b.ID, &b.PublicCode, &b.CustomerID, &b.DriverID, &b.Pickup.Address, &b.Pickup.Lat, &b.Pickup.Lon,
		&b.Dropoff.Address, &b.Dropoff.Lat, &b.Dropoff.Lon, &b.PickupTime, &b.Passengers, &b.Notes, &b.EstimatedKm,
		&b.EstimatedMinutes, &b.EstimatedCents, &b.DepositCents, &finalCents, &depositRef, &finalRef, &leaveAt,
		&status, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Status = models.Status(status)
	if finalCents.Valid {
		v := finalCents.Int64
		b.FinalCents = &v
	}
	if depositRef.Valid {
		v := depositRef.String
		b.DepositRef = &v
	}
	if finalRef.Valid {
		v := finalRef.String
		b.FinalRef = &v
	}
	if leaveAt.Valid {
		v := leaveAt.Time
		b.LeaveAt = &v
	}
	return &b, nil
}

func statusStrings(ss []models.Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
