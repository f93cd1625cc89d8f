package queue

// item is a case plus its position in the pending heap. index is -1 when
// the case is not PENDING.
type item struct {
	c     *Case
	seq   uint64
	index int
}

// less orders by level, then submitted_at, then insertion sequence so equal
// timestamps still dispatch FIFO.
func (a *item) less(b *item) bool {
	if a.c.UrgencyLevel != b.c.UrgencyLevel {
		return a.c.UrgencyLevel < b.c.UrgencyLevel
	}
	if !a.c.SubmittedAt.Equal(b.c.SubmittedAt) {
		return a.c.SubmittedAt.Before(b.c.SubmittedAt)
	}
	return a.seq < b.seq
}

// caseHeap implements heap.Interface over pending items.
type caseHeap []*item

func (h caseHeap) Len() int           { return len(h) }
func (h caseHeap) Less(i, j int) bool { return h[i].less(h[j]) }

func (h caseHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *caseHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *caseHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
