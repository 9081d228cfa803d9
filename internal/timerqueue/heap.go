package timerqueue

// notInHeap marks a Timer's heapIndex when it isn't currently queued.
const notInHeap = -1

// timerHeap is an intrusive binary min-heap keyed by Timer.Deadline: each
// Timer knows its own position, so cancellation and deadline updates are
// O(log n) without an auxiliary lookup table. Ported from DragonRadio's
// heap.hh (original_source) -- a target language lacking cheap intrusive
// containers would need a handle-based tombstone scheme instead (spec.md
// section 9).
type timerHeap struct {
	c []*Timer
}

func (h *timerHeap) Len() int { return len(h.c) }

func (h *timerHeap) Top() *Timer { return h.c[0] }

func parent(i int) int { return (i - 1) / 2 }
func left(i int) int   { return 2*i + 1 }
func right(i int) int  { return 2*i + 2 }

func (h *timerHeap) less(i, j int) bool {
	return h.c[i].Deadline.Before(h.c[j].Deadline)
}

func (h *timerHeap) swap(i, j int) {
	h.c[i], h.c[j] = h.c[j], h.c[i]
	h.c[i].heapIndex = i
	h.c[j].heapIndex = j
}

func (h *timerHeap) Push(t *Timer) {
	h.c = append(h.c, t)
	t.heapIndex = len(h.c) - 1
	h.upHeap(t.heapIndex)
}

func (h *timerHeap) Pop() {
	last := len(h.c) - 1
	h.swap(0, last)
	h.c[last].heapIndex = notInHeap
	h.c = h.c[:last]
	if len(h.c) > 0 {
		h.downHeap(0)
	}
}

// Remove removes t from the heap, wherever it currently sits.
func (h *timerHeap) Remove(t *Timer) {
	if t.heapIndex == notInHeap {
		return
	}
	h.removeAt(t.heapIndex)
}

func (h *timerHeap) removeAt(index int) {
	last := len(h.c) - 1
	h.swap(index, last)
	h.c[last].heapIndex = notInHeap
	h.c = h.c[:last]
	if index != len(h.c) {
		h.updateHeap(index)
	}
}

// Update re-positions t after its deadline has changed.
func (h *timerHeap) Update(t *Timer) {
	if t.heapIndex == notInHeap {
		return
	}
	h.updateHeap(t.heapIndex)
}

func (h *timerHeap) updateHeap(index int) {
	if index > 0 && h.less(index, parent(index)) {
		h.upHeap(index)
	} else {
		h.downHeap(index)
	}
}

func (h *timerHeap) upHeap(index int) {
	for index > 0 {
		p := parent(index)
		if !h.less(index, p) {
			break
		}
		h.swap(index, p)
		index = p
	}
}

func (h *timerHeap) downHeap(index int) {
	child := left(index)
	for child < len(h.c) {
		topChild := child
		if right := right(index); right < len(h.c) && h.less(right, child) {
			topChild = right
		}
		if h.less(index, topChild) {
			break
		}
		h.swap(index, topChild)
		index = topChild
		child = left(index)
	}
}
