package channels

import (
	"encoding/json"
	"time"
)

// Queue holds encoded messages awaiting a batch flush, together with the
// flush timer. It is not safe for concurrent use; the owner serialises access.
type Queue struct {
	msgs  []json.RawMessage
	timer *time.Timer
	gen   uint64
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends msg and returns the new length.
func (q *Queue) Push(msg json.RawMessage) int {
	q.msgs = append(q.msgs, msg)
	return len(q.msgs)
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	return len(q.msgs)
}

// Drain removes and returns all queued messages in enqueue order and stops
// any pending timer.
func (q *Queue) Drain() []json.RawMessage {
	q.Disarm()

	msgs := q.msgs
	q.msgs = nil

	return msgs
}

// Arm (re)starts the flush timer. A previously armed timer is cancelled, so
// only the latest Arm fires. fire receives the generation it was armed with;
// pass it to Fired before flushing.
func (q *Queue) Arm(d time.Duration, fire func(gen uint64)) {
	q.Disarm()

	gen := q.gen
	q.timer = time.AfterFunc(d, func() { fire(gen) })
}

// Fired reports whether gen is still the armed generation and, if so,
// consumes it. A timer that lost a race with Disarm or Arm reports false.
func (q *Queue) Fired(gen uint64) bool {
	if q.timer == nil || gen != q.gen {
		return false
	}

	q.timer = nil
	q.gen++

	return true
}

// Armed reports whether a flush timer is pending.
func (q *Queue) Armed() bool {
	return q.timer != nil
}

// Disarm cancels the pending flush timer, if any.
func (q *Queue) Disarm() {
	if q.timer == nil {
		return
	}

	q.timer.Stop()
	q.timer = nil
	q.gen++
}

// Clear drops queued messages and the pending timer.
func (q *Queue) Clear() {
	q.Disarm()
	q.msgs = nil
}
