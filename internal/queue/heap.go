package queue

import (
	"time"

	"github.com/openpolicy/civicsync/internal/model"
)

// jobHeap orders jobs ready at now before jobs that are not; ready jobs by
// tier rank then sequence, pending jobs by ReadyAt.
type jobHeap struct {
	jobs []*model.ScrapeJob
	now  time.Time
}

func (h jobHeap) Len() int { return len(h.jobs) }

func (h jobHeap) Less(i, j int) bool {
	a, b := h.jobs[i], h.jobs[j]
	aReady, bReady := !a.ReadyAt.After(h.now), !b.ReadyAt.After(h.now)
	if aReady != bReady {
		return aReady
	}
	if !aReady {
		if !a.ReadyAt.Equal(b.ReadyAt) {
			return a.ReadyAt.Before(b.ReadyAt)
		}
		return a.Seq < b.Seq
	}
	if ra, rb := a.Tier.Rank(), b.Tier.Rank(); ra != rb {
		return ra < rb
	}
	return a.Seq < b.Seq
}

func (h jobHeap) Swap(i, j int) { h.jobs[i], h.jobs[j] = h.jobs[j], h.jobs[i] }

func (h *jobHeap) Push(x any) { h.jobs = append(h.jobs, x.(*model.ScrapeJob)) }

func (h *jobHeap) Pop() any {
	old := h.jobs
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	h.jobs = old[:n-1]
	return it
}
