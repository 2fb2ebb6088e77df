package collab

// recentOpIDs is how many applied operation ids a coordinator remembers.
const recentOpIDs = 4096

// opIDWindow remembers the most recent ids in a fixed ring.
type opIDWindow struct {
	ring []string
	next int
	ids  map[string]struct{}
}

func newOpIDWindow(size int) *opIDWindow {
	return &opIDWindow{
		ring: make([]string, size),
		ids:  make(map[string]struct{}, size),
	}
}

func (w *opIDWindow) has(id string) bool {
	_, ok := w.ids[id]
	return ok
}

func (w *opIDWindow) add(id string) {
	if id == "" || w.has(id) || len(w.ring) == 0 {
		return
	}
	if old := w.ring[w.next]; old != "" {
		delete(w.ids, old)
	}
	w.ring[w.next] = id
	w.ids[id] = struct{}{}
	w.next = (w.next + 1) % len(w.ring)
}
