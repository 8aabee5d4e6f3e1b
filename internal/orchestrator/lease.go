package orchestrator

import (
	"sync"

	"github.com/google/uuid"
)

// leaseTable guarantees at most one active generation per chat. Entries
// live for the duration of a generation and are removed on any terminal
// transition; the table itself lives for the process.
type leaseTable struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

func newLeaseTable() *leaseTable {
	return &leaseTable{held: make(map[uuid.UUID]struct{})}
}

// acquire takes the chat's lease. It fails fast rather than queuing.
func (l *leaseTable) acquire(chatID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[chatID]; ok {
		return false
	}
	l.held[chatID] = struct{}{}
	return true
}

// release frees the chat's lease. Releasing an unheld lease is a no-op.
func (l *leaseTable) release(chatID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, chatID)
}
