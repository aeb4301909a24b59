package taskq

// readyHeap orders runnable tasks by priority (desc), scheduled time
// (asc), then enqueue sequence (asc) for stable FIFO within a priority.
type readyHeap []*Task

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.NextRun.Equal(b.NextRun) {
		return a.NextRun.Before(b.NextRun)
	}
	return a.seq < b.seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x interface{}) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[0 : n-1]
	return t
}

// delayHeap orders not-yet-due tasks by their next-run time so due tasks
// can be promoted to the ready heap cheaply.
type delayHeap []*Task

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool {
	if !h[i].NextRun.Equal(h[j].NextRun) {
		return h[i].NextRun.Before(h[j].NextRun)
	}
	return h[i].seq < h[j].seq
}

func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayHeap) Push(x interface{}) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[0 : n-1]
	return t
}
