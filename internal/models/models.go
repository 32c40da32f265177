package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Place is an address with its resolved coordinates.
type Place struct {
	Address string `json:"address"`
	Coord
}

type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleDriver   Role = "DRIVER"
	RoleOperator Role = "OPERATOR"
)

type Booking struct {
	ID               string     `json:"id"`
	PublicCode       string     `json:"public_code"`
	CustomerID       string     `json:"customer_id"`
	DriverID         string     `json:"driver_id,omitempty"`
	Pickup           Place      `json:"pickup"`
	Dropoff          Place      `json:"dropoff"`
	PickupTime       time.Time  `json:"pickup_time"`
	Passengers       int        `json:"passengers"`
	Notes            string     `json:"notes,omitempty"`
	EstimatedKm      float64    `json:"estimated_km"`
	EstimatedMinutes float64    `json:"estimated_minutes"`
	EstimatedCents   int64      `json:"estimated_price_cents"`
	DepositCents     int64      `json:"deposit_cents"`
	FinalCents       *int64     `json:"final_price_cents,omitempty"`
	DepositRef       *string    `json:"deposit_payment_ref,omitempty"`
	FinalRef         *string    `json:"final_payment_ref,omitempty"`
	LeaveAt          *time.Time `json:"leave_at,omitempty"`
	Status           Status     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// BookingUpdate names every field a transition may change. Nil pointers leave
// the stored value untouched; the Clear* flags reset an optional field.
type BookingUpdate struct {
	Status          *Status
	DriverID        *string
	DepositRef      *string
	ClearDepositRef bool
	FinalRef        *string
	FinalCents      *int64
	LeaveAt         *time.Time
}

// Apply copies the set fields of u onto b.
func (u BookingUpdate) Apply(b *Booking, now time.Time) {
	if u.Status != nil {
		b.Status = *u.Status
	}
	if u.DriverID != nil {
		b.DriverID = *u.DriverID
	}
	if u.ClearDepositRef {
		b.DepositRef = nil
	}
	if u.DepositRef != nil {
		v := *u.DepositRef
		b.DepositRef = &v
	}
	if u.FinalRef != nil {
		v := *u.FinalRef
		b.FinalRef = &v
	}
	if u.FinalCents != nil {
		v := *u.FinalCents
		b.FinalCents = &v
	}
	if u.LeaveAt != nil {
		v := *u.LeaveAt
		b.LeaveAt = &v
	}
	b.UpdatedAt = now
}

// Clone returns a deep copy so stored records can't be mutated through
// returned values.
func (b *Booking) Clone() *Booking {
	c := *b
	if b.FinalCents != nil {
		v := *b.FinalCents
		c.FinalCents = &v
	}
	if b.DepositRef != nil {
		v := *b.DepositRef
		c.DepositRef = &v
	}
	if b.FinalRef != nil {
		v := *b.FinalRef
		c.FinalRef = &v
	}
	if b.LeaveAt != nil {
		v := *b.LeaveAt
		c.LeaveAt = &v
	}
	return &c
}

type RoutePoint struct {
	ID        string    `json:"id"`
	BookingID string    `json:"booking_id"`
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Speed     *float64  `json:"speed,omitempty"`
}

type NotificationType string

const (
	NotifyConfirmation    NotificationType = "CONFIRMATION"
	NotifyDeclined        NotificationType = "DECLINED"
	NotifyDepositFailed   NotificationType = "DEPOSIT_FAILED"
	NotifyLeaveNow        NotificationType = "LEAVE_NOW"
	NotifyDriverDeparting NotificationType = "DRIVER_DEPARTING"
	NotifyOnTheWay        NotificationType = "ON_THE_WAY"
	NotifyArrivedPickup   NotificationType = "ARRIVED_PICKUP"
	NotifyTripStarted     NotificationType = "TRIP_STARTED"
	NotifyArrivedDropoff  NotificationType = "ARRIVED_DROPOFF"
	NotifyCompleted       NotificationType = "COMPLETED"
	NotifyPaymentFailed   NotificationType = "PAYMENT_FAILED"
)

type Notification struct {
	ID        string           `json:"id"`
	BookingID *string          `json:"booking_id,omitempty"`
	Type      NotificationType `json:"type"`
	Role      Role             `json:"recipient_role"`
	Payload   map[string]any   `json:"payload,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Account is the slice of a user record this service reads: payment details
// and the push token.
type Account struct {
	ID               string `json:"id"`
	PaymentCustomer  string `json:"payment_customer,omitempty"`
	PaymentMethodRef string `json:"payment_method,omitempty"`
	PushToken        string `json:"push_token,omitempty"`
}

// Sample is one driver location report as received on the wire.
type Sample struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
	Speed     *float64  `json:"speed,omitempty"`
}

func (s Sample) Coord() Coord { return Coord{Lat: s.Lat, Lon: s.Lon} }

const (
	MessageLocation = "location"
	MessageStatus   = "status"
)

// TrackingMessage is the JSON object exchanged on a tracking channel.
type TrackingMessage struct {
	Type      string  `json:"type"`
	BookingID string  `json:"booking_id"`
	Sample    *Sample `json:"sample,omitempty"`
	Status    Status  `json:"status,omitempty"`
}

// Position is the last known driver location for a booking.
type Position struct {
	BookingID string    `json:"booking_id"`
	Loc       Coord     `json:"loc"`
	Updated   time.Time `json:"updated"`
}
