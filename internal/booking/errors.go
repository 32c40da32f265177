package booking

import (
	"errors"
	"fmt"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/storage"
)

// TransitionError reports a transition attempted from the wrong state.
type TransitionError struct {
	BookingID string
	Current   models.Status
	Attempted models.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("booking %s cannot move from %s to %s", e.BookingID, e.Current, e.Attempted)
}

func (e *TransitionError) ErrorKind() apperr.Kind { return apperr.KindInvalidTransition }

// storeErr translates storage sentinels to the error taxonomy.
func storeErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return apperr.Newf(apperr.KindNotFound, "%s not found", what)
	case errors.Is(err, storage.ErrSlotTaken):
		return apperr.Wrap(apperr.KindSlotUnavailable, "the pickup slot is already taken", err)
	default:
		return apperr.Wrap(apperr.KindInternal, "", err)
	}
}
