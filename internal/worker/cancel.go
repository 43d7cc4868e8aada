package worker

import (
	"sync"

	"github.com/basket/goclawd/internal/cancelsig"
)

// signalTable maps a row id to its in-memory cancellation signal. Each
// worker pool owns one table shared by all of its workers, so a cancel
// request handled on the gateway's goroutine can reach whichever worker
// of that pool holds the lease.
type signalTable struct {
	mu      sync.RWMutex
	signals map[string]*cancelsig.Signal
}

func newSignalTable() *signalTable {
	return &signalTable{signals: make(map[string]*cancelsig.Signal)}
}

func (t *signalTable) create(id string) *cancelsig.Signal {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := cancelsig.New()
	t.signals[id] = s
	return s
}

func (t *signalTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.signals, id)
}

// Cancel sets the signal for id, if one is currently registered (i.e.
// a worker is actively holding that row's lease). A no-op otherwise —
// the durable CANCEL_REQUESTED write is what matters for a row that
// hasn't been claimed yet.
func (t *signalTable) Cancel(id string) {
	t.mu.RLock()
	s, ok := t.signals[id]
	t.mu.RUnlock()
	if ok {
		s.Set()
	}
}
