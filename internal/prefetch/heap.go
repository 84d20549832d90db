package prefetch

// entry pairs a buffered item with its arrival sequence, the tie-breaker
// that keeps dispatch order stable within one priority tier.
type entry struct {
	item *Item
	seq  uint64
}

// readyHeap orders immediately dispatchable entries by priority descending,
// then arrival ascending.
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].item.Env.Priority != h[j].item.Env.Priority {
		return h[i].item.Env.Priority > h[j].item.Env.Priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// schedHeap orders held-back entries by eta ascending so the next one due
// is always at the root.
type schedHeap []*entry

func (h schedHeap) Len() int { return len(h) }

func (h schedHeap) Less(i, j int) bool {
	ti, tj := h[i].item.Env.NotBefore, h[j].item.Env.NotBefore
	if !ti.Equal(tj) {
		return ti.Before(tj)
	}
	return h[i].seq < h[j].seq
}

func (h schedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *schedHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *schedHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
