package posepipe

import "fmt"

// SlotState is the occupancy of an inference slot
type SlotState int

const (
	// SlotIdle indicates the slot can accept a new frame
	SlotIdle SlotState = iota
	// SlotBusy indicates the slot is processing a frame
	SlotBusy
)

// String returns a readable name for the slot state
func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotBusy:
		return "busy"
	default:
		return fmt.Sprintf("unknown slot state %d", int(s))
	}
}

// Slot is one reusable asynchronous inference execution context.  A slot
// processes at most one frame at a time.  Backends receive a copy of the Slot
// so occupancy is only ever changed by the Scheduler.
type Slot struct {
	// ID is the index of the slot in the pool, in the range 0 to size-1
	ID int
	// State is the current occupancy of the slot
	State SlotState
	// Seq is the sequence id of the frame being processed, only valid when
	// State is SlotBusy
	Seq uint64
}

// slotPool is a fixed size pool of slots.  Idle slots are held in a buffered
// channel, however unlike a runtime pool get never blocks as the Scheduler
// reports exhaustion to the caller instead of waiting
type slotPool struct {
	// idle slots ready to take a frame
	idle chan *Slot
	// all slots indexed by ID
	slots []*Slot
}

// newSlotPool creates a pool of the given size with every slot idle
func newSlotPool(size int) *slotPool {

	p := &slotPool{
		idle:  make(chan *Slot, size),
		slots: make([]*Slot, size),
	}

	for i := 0; i < size; i++ {
		s := &Slot{ID: i}
		p.slots[i] = s

		// attach to pool
		p.put(s)
	}

	return p
}

// get takes an idle slot from the pool, returns false if all slots are busy
func (p *slotPool) get() (*Slot, bool) {
	select {
	case s := <-p.idle:
		return s, true
	default:
		return nil, false
	}
}

// put marks the slot idle and returns it to the pool
func (p *slotPool) put(s *Slot) {

	s.State = SlotIdle
	s.Seq = 0

	select {
	case p.idle <- s:
	default:
		// pool is full, slot was returned twice
	}
}

// available returns the number of idle slots
func (p *slotPool) available() int {
	return len(p.idle)
}

// size returns the fixed capacity of the pool
func (p *slotPool) size() int {
	return len(p.slots)
}

// snapshot returns a copy of every slot's current state
func (p *slotPool) snapshot() []Slot {

	out := make([]Slot, len(p.slots))

	for i, s := range p.slots {
		out[i] = *s
	}

	return out
}
