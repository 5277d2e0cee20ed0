package core

import "testing"

func queueDeadlines(q *calloutQueue) []Abstime {
	var out []Abstime
	for c := q.peekEarliest(); c != nil; c = c.next {
		out = append(out, c.deadline)
	}
	return out
}

func TestQueueInsertKeepsSortedOrder(t *testing.T) {
	var q calloutQueue
	var a, b, c, d Callout

	q.insert(&c, 300)
	q.insert(&a, 100)
	q.insert(&d, 400)
	q.insert(&b, 200)

	got := queueDeadlines(&q)
	want := []Abstime{100, 200, 300, 400}
	if len(got) != len(want) {
		t.Fatalf("Expected %d queued callouts, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Position %d: expected deadline %d, got %d", i, want[i], got[i])
		}
	}
	if q.depth() != 4 {
		t.Errorf("Expected depth 4, got %d", q.depth())
	}
}

func TestQueueEqualDeadlinesKeepScheduleOrder(t *testing.T) {
	var q calloutQueue
	var first, second, third Callout

	q.insert(&first, 500)
	q.insert(&second, 500)
	q.insert(&third, 500)

	if q.peekEarliest() != &first {
		t.Errorf("Expected first-scheduled callout at head")
	}
	if first.next != &second || second.next != &third {
		t.Errorf("Expected equal deadlines in schedule order first,second,third")
	}
}

func TestQueueInsertReplacesExistingEntry(t *testing.T) {
	var q calloutQueue
	var a, b Callout

	q.insert(&a, 100)
	q.insert(&b, 200)
	q.insert(&a, 300)

	if q.depth() != 2 {
		t.Fatalf("Expected depth 2 after rescheduling, got %d", q.depth())
	}
	if q.peekEarliest() != &b {
		t.Errorf("Expected b at head after a moved to 300")
	}
	if a.deadline != 300 {
		t.Errorf("Expected a.deadline 300, got %d", a.deadline)
	}
}

func TestQueueRemove(t *testing.T) {
	var q calloutQueue
	var a, b, c Callout

	q.insert(&a, 100)
	q.insert(&b, 200)
	q.insert(&c, 300)

	if !q.remove(&b) {
		t.Errorf("Expected remove of queued callout to report true")
	}
	if b.deadline != 0 || b.next != nil {
		t.Errorf("Expected removed callout reset, got deadline=%d", b.deadline)
	}
	if q.depth() != 2 {
		t.Errorf("Expected depth 2, got %d", q.depth())
	}

	// Removing again is a no-op.
	if q.remove(&b) {
		t.Errorf("Expected remove of unqueued callout to report false")
	}

	if !q.remove(&a) {
		t.Errorf("Expected head removal to report true")
	}
	if q.peekEarliest() != &c {
		t.Errorf("Expected c at head after removing a")
	}
}

func TestQueuePopDue(t *testing.T) {
	var q calloutQueue
	var a, b, c, d Callout

	q.insert(&a, 100)
	q.insert(&b, 200)
	q.insert(&c, 300)
	q.insert(&d, 400)

	var out [8]*Callout
	n := q.popDue(250, out[:])
	if n != 2 {
		t.Fatalf("Expected 2 due callouts at t=250, got %d", n)
	}
	if out[0] != &a || out[1] != &b {
		t.Errorf("Expected due callouts in deadline order a,b")
	}
	// popDue leaves the fired deadline for the dispatcher to read.
	if out[0].deadline != 100 || out[1].deadline != 200 {
		t.Errorf("Expected popped entries to keep their deadlines")
	}
	if q.depth() != 2 {
		t.Errorf("Expected 2 callouts left, got %d", q.depth())
	}

	n = q.popDue(50, out[:])
	if n != 0 {
		t.Errorf("Expected nothing due at t=50, got %d", n)
	}
}

func TestQueuePopDueRespectsOutputBound(t *testing.T) {
	var q calloutQueue
	callouts := make([]Callout, 5)
	for i := range callouts {
		q.insert(&callouts[i], Abstime(100+i))
	}

	var out [3]*Callout
	n := q.popDue(1000, out[:])
	if n != 3 {
		t.Fatalf("Expected pop bounded to 3, got %d", n)
	}
	if q.depth() != 2 {
		t.Errorf("Expected 2 callouts left after bounded pop, got %d", q.depth())
	}
	if q.peekEarliest() != &callouts[3] {
		t.Errorf("Expected fourth callout at head after bounded pop")
	}
}

func TestQueuePeekEmpty(t *testing.T) {
	var q calloutQueue
	if q.peekEarliest() != nil {
		t.Errorf("Expected nil head on empty queue")
	}
	if q.depth() != 0 {
		t.Errorf("Expected depth 0 on empty queue, got %d", q.depth())
	}
}
