package core

// Abstime is an absolute timestamp in microseconds since the hardware
// counter started free-running.
type Abstime uint64

// CalloutFunc is invoked from the timer dispatch path with the arg that
// was captured when the callout was scheduled.
type CalloutFunc func(arg interface{})

// Callout is a deadline-scheduled callback. The owner allocates it and may
// embed it in a larger object; the scheduler only links it into the pending
// queue. A callout is queued exactly when its deadline is non-zero, and it
// can be linked into at most one queue at a time.
type Callout struct {
	// Period is the repeat interval recorded by ScheduleEvery. Dispatch
	// never re-arms a callout on its own; a periodic callback reads this
	// and calls ScheduleAfter again when it runs.
	Period Abstime

	deadline Abstime
	fn       CalloutFunc
	arg      interface{}
	next     *Callout
}

// Deadline returns the absolute deadline, or 0 if the callout is not
// currently scheduled.
func (c *Callout) Deadline() Abstime {
	return c.deadline
}

// Scheduled reports whether the callout is linked into the pending queue.
func (c *Callout) Scheduled() bool {
	return c.deadline != 0
}

// calloutQueue is a singly-linked list of pending callouts sorted ascending
// by deadline. Equal deadlines keep first-scheduled-first-run order. All
// methods assume the caller already holds the owning HRT's lock.
type calloutQueue struct {
	head  *Callout
	count int
}

// insert links c with the given deadline. If c is already queued it is
// unlinked first, so scheduling an already-scheduled callout replaces its
// deadline instead of erroring.
func (q *calloutQueue) insert(c *Callout, deadline Abstime) {
	if c.deadline != 0 {
		q.unlink(c)
	}
	c.deadline = deadline

	if q.head == nil || deadline < q.head.deadline {
		c.next = q.head
		q.head = c
		q.count++
		return
	}

	// Scan past every entry with deadline <= the new one so that equal
	// deadlines fire in the order they were scheduled.
	cur := q.head
	for cur.next != nil && cur.next.deadline <= deadline {
		cur = cur.next
	}
	c.next = cur.next
	cur.next = c
	q.count++
}

// remove unlinks c and clears its deadline. Removing a callout that is not
// queued is a no-op. Reports whether c was actually unlinked.
func (q *calloutQueue) remove(c *Callout) bool {
	removed := q.unlink(c)
	c.deadline = 0
	c.next = nil
	return removed
}

// unlink detaches c from the list without touching its deadline.
func (q *calloutQueue) unlink(c *Callout) bool {
	if q.head == nil {
		return false
	}
	if q.head == c {
		q.head = c.next
		q.count--
		return true
	}
	for cur := q.head; cur.next != nil; cur = cur.next {
		if cur.next == c {
			cur.next = c.next
			q.count--
			return true
		}
	}
	return false
}

// peekEarliest returns the head entry without removing it, or nil when the
// queue is empty.
func (q *calloutQueue) peekEarliest() *Callout {
	return q.head
}

// popDue removes, in deadline order, every head entry due at or before now,
// stopping at the first future deadline or when out is full. Popped entries
// keep their deadline set; the caller reads it (for latency accounting) and
// resets it before releasing the lock.
func (q *calloutQueue) popDue(now Abstime, out []*Callout) int {
	n := 0
	for n < len(out) {
		c := q.head
		if c == nil || c.deadline > now {
			break
		}
		q.head = c.next
		c.next = nil
		q.count--
		out[n] = c
		n++
	}
	return n
}

// depth returns the number of queued callouts.
func (q *calloutQueue) depth() int {
	return q.count
}
