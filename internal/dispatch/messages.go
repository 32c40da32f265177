package dispatch

import (
	"fmt"

	"github.com/example/ride-booking/internal/models"
)

// message renders the human readable title and body for a notification.
func message(n models.Notification) (string, string) {
	code, _ := n.Payload["public_code"].(string)
	ref := code
	if ref == "" {
		ref = "your booking"
	}
	switch n.Type {
	case models.NotifyConfirmation:
		if n.Role == models.RoleDriver {
			return "New confirmed ride", fmt.Sprintf("Booking %s is confirmed.", ref)
		}
		return "Booking confirmed", fmt.Sprintf("Your driver confirmed %s.", ref)
	case models.NotifyDeclined:
		return "Booking declined", fmt.Sprintf("Sorry, %s could not be accepted.", ref)
	case models.NotifyDepositFailed:
		return "Deposit failed", "We could not authorize your deposit. Please update your payment method."
	case models.NotifyLeaveNow:
		return "Time to leave", fmt.Sprintf("Leave now to reach the pickup for %s on time.", ref)
	case models.NotifyDriverDeparting:
		return "Driver departing", "Your driver is about to leave for your pickup."
	case models.NotifyOnTheWay:
		return "Driver on the way", "Your driver is on the way."
	case models.NotifyArrivedPickup:
		return "Driver arrived", "Your driver has arrived at the pickup point."
	case models.NotifyTripStarted:
		return "Trip started", "Enjoy your ride."
	case models.NotifyArrivedDropoff:
		return "Arrived", "You have arrived at your destination."
	case models.NotifyCompleted:
		return "Trip completed", "Thanks for riding with us."
	case models.NotifyPaymentFailed:
		return "Payment failed", "We could not charge the final amount for your trip."
	default:
		return string(n.Type), ""
	}
}

// flatten converts a payload into string pairs for transports that only
// carry strings.
func flatten(n models.Notification) map[string]string {
	out := map[string]string{
		"notification_id": n.ID,
		"type":            string(n.Type),
		"role":            string(n.Role),
	}
	if n.BookingID != nil {
		out["booking_id"] = *n.BookingID
	}
	for k, v := range n.Payload {
		if _, taken := out[k]; taken {
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}
