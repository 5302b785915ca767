package hnsw

import (
	"container/heap"

	"github.com/turbodb/recordlayer/tuple"
)

// candidate is one scored graph node considered during a layer search.
type candidate struct {
	pk   tuple.Tuple
	dist float64
}

// minHeap pops the closest candidate first; it drives frontier
// expansion in searchLayer.
type minHeap []candidate

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// maxHeap pops the farthest candidate first; it bounds the current
// best-`ef` result set so the worst member can be evicted in O(log ef).
type maxHeap []candidate

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func newMinHeap(seed []candidate) *minHeap {
	h := minHeap(append([]candidate(nil), seed...))
	heap.Init(&h)
	return &h
}

func newMaxHeap(seed []candidate) *maxHeap {
	h := maxHeap(append([]candidate(nil), seed...))
	heap.Init(&h)
	return &h
}
