package frontier

import "github.com/JakeFAU/crawl-engine/internal/crawler"

// idHeap orders ready entries by page ID.
type idHeap []*crawler.FrontierEntry

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i].ID < h[j].ID }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *idHeap) Push(x any) { *h = append(*h, x.(*crawler.FrontierEntry)) }

func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// timeHeap orders delayed entries by not-before, then ID.
type timeHeap []*crawler.FrontierEntry

func (h timeHeap) Len() int { return len(h) }

func (h timeHeap) Less(i, j int) bool {
	if h[i].NotBefore.Equal(h[j].NotBefore) {
		return h[i].ID < h[j].ID
	}
	return h[i].NotBefore.Before(h[j].NotBefore)
}

func (h timeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timeHeap) Push(x any) { *h = append(*h, x.(*crawler.FrontierEntry)) }

func (h *timeHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
