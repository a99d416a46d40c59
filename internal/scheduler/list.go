package scheduler

import "github.com/snehjoshi/tickq/internal/ticks"

// list is the time-ordered queue of armed jobs.
//
// Jobs carry their own prev/next links, so removal is O(1). Insertion scans
// from the head and is O(n) in the number of armed jobs, which stays small:
// it is bounded by the number of live timers in the application.
type list struct {
	head *Job
	tail *Job
	n    int
}

// insert links j before the first job whose expiry is strictly after j's.
// Jobs with equal expiry therefore keep arm order (FIFO).
func (l *list) insert(j *Job) {
	at := l.head
	for at != nil && !ticks.After(at.expires, j.expires) {
		at = at.next
	}

	if at == nil {
		// Append at the tail.
		j.prev = l.tail
		j.next = nil
		if l.tail != nil {
			l.tail.next = j
		} else {
			l.head = j
		}
		l.tail = j
	} else {
		j.next = at
		j.prev = at.prev
		if at.prev != nil {
			at.prev.next = j
		} else {
			l.head = j
		}
		at.prev = j
	}
	l.n++
}

// remove unlinks j. j must currently be linked into l.
func (l *list) remove(j *Job) {
	if j.prev != nil {
		j.prev.next = j.next
	} else {
		l.head = j.next
	}
	if j.next != nil {
		j.next.prev = j.prev
	} else {
		l.tail = j.prev
	}
	j.prev, j.next = nil, nil
	l.n--
}

// front returns the next job due, or nil.
func (l *list) front() *Job { return l.head }
