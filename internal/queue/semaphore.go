package queue

// slots bounds how many lanes run at once across all groups. A buffered
// channel entry is one occupied slot.
type slots chan struct{}

func newSlots(n int) slots {
	if n <= 0 {
		n = 1
	}
	return make(slots, n)
}

func (s slots) tryAcquire() bool {
	select {
	case s <- struct{}{}:
		return true
	default:
		return false
	}
}

// release must follow a successful tryAcquire.
func (s slots) release() { <-s }

func (s slots) inUse() int { return len(s) }
