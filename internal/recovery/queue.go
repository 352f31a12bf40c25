package recovery

import "container/heap"

type queued struct {
	RecoveryAction
	seq   uint64
	index int
}

// actionQueue is a min-heap on ScheduledAt; seq breaks ties in insertion
// order.
type actionQueue []*queued

func (q actionQueue) Len() int { return len(q) }

func (q actionQueue) Less(i, j int) bool {
	if q[i].ScheduledAt.Equal(q[j].ScheduledAt) {
		return q[i].seq < q[j].seq
	}
	return q[i].ScheduledAt.Before(q[j].ScheduledAt)
}

func (q actionQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *actionQueue) Push(x any) {
	it := x.(*queued)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *actionQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

func (q actionQueue) peek() *queued {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

var _ heap.Interface = (*actionQueue)(nil)
