package scheduler

import "container/heap"

// readyItem is an entry in the ready queue. index is the task's position in
// the scheduler input and breaks priority ties deterministically.
type readyItem struct {
	id       string
	priority int
	index    int
}

// readyQueue is a min-heap ordered by (priority, index).
type readyQueue []readyItem

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].index < q[j].index
}

func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) { *q = append(*q, x.(readyItem)) }

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

func (q *readyQueue) push(item readyItem) { heap.Push(q, item) }

func (q *readyQueue) pop() readyItem { return heap.Pop(q).(readyItem) }
