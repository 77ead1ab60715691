package jobs

import "sync"

// Hub fans job updates out to subscribers of that job.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Job]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[chan Job]struct{}{}}
}

// Subscribe returns a channel of updates for job id and a cancel func that
// must be called to release it. A slow subscriber skips intermediate updates,
// never the latest one.
func (h *Hub) Subscribe(id string) (<-chan Job, func()) {
	ch := make(chan Job, 8)

	h.mu.Lock()
	if h.subs[id] == nil {
		h.subs[id] = map[chan Job]struct{}{}
	}
	h.subs[id][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[id][ch]; ok {
				delete(h.subs[id], ch)
				close(ch)
			}
			if len(h.subs[id]) == 0 {
				delete(h.subs, id)
			}
		})
	}
}

// Publish delivers job to its subscribers. Once the job is done their
// channels are closed.
func (h *Hub) Publish(job Job) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[job.ID] {
		select {
		case ch <- clone(job):
		default:
			// full: drop the oldest update; only Publish sends, so there is room now
			select {
			case <-ch:
			default:
			}
			ch <- clone(job)
		}
		if job.State.Done() {
			close(ch)
			delete(h.subs[job.ID], ch)
		}
	}
	if job.State.Done() {
		delete(h.subs, job.ID)
	}
}
