package models

// Status is the booking lifecycle state.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusDriverConfirmed Status = "DRIVER_CONFIRMED"
	StatusDeclined        Status = "DECLINED"
	StatusDepositFailed   Status = "DEPOSIT_FAILED"
	StatusOnTheWay        Status = "ON_THE_WAY"
	StatusArrivedPickup   Status = "ARRIVED_PICKUP"
	StatusInProgress      Status = "IN_PROGRESS"
	StatusArrivedDropoff  Status = "ARRIVED_DROPOFF"
	StatusCompleted       Status = "COMPLETED"
)

var edges = map[Status][]Status{
	StatusPending:         {StatusDriverConfirmed, StatusDeclined, StatusDepositFailed},
	StatusDepositFailed:   {StatusDriverConfirmed, StatusDepositFailed},
	StatusDriverConfirmed: {StatusOnTheWay},
	StatusOnTheWay:        {StatusArrivedPickup},
	StatusArrivedPickup:   {StatusInProgress},
	StatusInProgress:      {StatusArrivedDropoff},
	StatusArrivedDropoff:  {StatusCompleted},
}

// CanTransition reports whether to is a direct successor of s.
func (s Status) CanTransition(to Status) bool {
	for _, next := range edges[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool { return s == StatusDeclined || s == StatusCompleted }

// Trackable is true from driver confirmation through drop-off arrival.
func (s Status) Trackable() bool {
	switch s {
	case StatusDriverConfirmed, StatusOnTheWay, StatusArrivedPickup, StatusInProgress, StatusArrivedDropoff:
		return true
	}
	return false
}

// Committed reports whether the booking holds the driver's time slot.
func (s Status) Committed() bool { return s.Trackable() }

// CommittedStatuses lists every status that holds the driver's time slot.
var CommittedStatuses = []Status{
	StatusDriverConfirmed, StatusOnTheWay, StatusArrivedPickup, StatusInProgress, StatusArrivedDropoff,
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDriverConfirmed, StatusDeclined, StatusDepositFailed, StatusOnTheWay,
		StatusArrivedPickup, StatusInProgress, StatusArrivedDropoff, StatusCompleted:
		return true
	}
	return false
}
