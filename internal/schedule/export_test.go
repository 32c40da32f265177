package schedule

func (a *TimerArmer) pending(bookingID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.timers[bookingID]
	return ok
}
