package auth

import (
	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/models"
)

func (id Identity) scoped(b *models.Booking) bool {
	return id.BookingID == "" || id.BookingID == b.ID
}

// CanDrive reports whether id may act as the driver of b: advance its
// status and write location samples. Watch tokens never drive.
func CanDrive(id Identity, b *models.Booking) bool {
	if !id.scoped(b) || id.Scope == ScopeWatch {
		return false
	}
	switch id.Role {
	case models.RoleOperator:
		return true
	case models.RoleDriver:
		return b.DriverID != "" && id.AccountID == b.DriverID
	}
	return false
}

// CanWatch reports whether id may observe b's tracking channel.
func CanWatch(id Identity, b *models.Booking) bool {
	if !id.scoped(b) {
		return false
	}
	switch id.Role {
	case models.RoleOperator:
		return true
	case models.RoleCustomer:
		return id.AccountID == b.CustomerID
	}
	return false
}

// CanView reports whether id may read b.
func CanView(id Identity, b *models.Booking) bool {
	return CanDrive(id, b) || CanWatch(id, b)
}

// FullAccess reports whether id is a plain API credential, neither tied to
// one booking nor narrowed by an audience.
func FullAccess(id Identity) bool {
	return id.BookingID == "" && id.Scope == ""
}

// Require returns an UNAUTHORIZED error unless ok.
func Require(ok bool, what string) error {
	if ok {
		return nil
	}
	return apperr.Newf(apperr.KindUnauthorized, "not allowed to %s this booking", what)
}
