package task

// The event register lives with the task like any other control-block
// field. Policy (wait any/all, consumption of unwanted events) belongs to
// the event package; these accessors only move bits.

// PostEvents ORs bits into the register and wakes a pending receiver. It
// never blocks and takes no lock, so it is safe from the tick path.
func (t *Task) PostEvents(bits uint32) {
	t.events.Or(bits)
	select {
	case t.event <- struct{}{}:
	default:
	}
}

// LoadEvents returns the register without modifying it.
func (t *Task) LoadEvents() uint32 { return t.events.Load() }

// TakeEvents clears mask from the register and returns the bits that were
// set in mask.
func (t *Task) TakeEvents(mask uint32) uint32 {
	return t.events.And(^mask) & mask
}

// EventWake returns the channel signalled after every PostEvents.
func (t *Task) EventWake() <-chan struct{} { return t.event }
