package events

// Notifier accumulates pending events and the pending fault of the current
// sequence. It is owned by a single goroutine and does no locking.
type Notifier struct {
	pending Set
	fault   Fault

	// Signal is invoked with the full pending set after every Emit so the
	// host learns that events are waiting. May be nil.
	Signal func(Set)
}

func (n *Notifier) Emit(t Tag) Set {
	n.pending = n.pending.Add(t)
	if n.Signal != nil {
		n.Signal(n.pending)
	}
	return n.pending
}

func (n *Notifier) Pending() Set { return n.pending }

// Clear drops pending events. The fault is left alone.
func (n *Notifier) Clear() { n.pending = 0 }

// ClearSet drops only the tags in s.
func (n *Notifier) ClearSet(s Set) { n.pending &^= s }

func (n *Notifier) SetFault(f Fault) { n.fault = f }

func (n *Notifier) Fault() Fault { return n.fault }

// Reset clears both events and fault; used when a new sequence starts.
func (n *Notifier) Reset() {
	n.pending = 0
	n.fault = FaultNone
}
