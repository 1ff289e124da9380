package ledger

import "time"

// Backdate is a test helper that shifts the creation time of a row in the in-memory ledger.
func Backdate(l Ledger, id string, createdAt time.Time) {
	if mem, ok := l.(*inMemoryLedger); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		if tx, exists := mem.transactions[id]; exists {
			tx.CreatedAt = createdAt
			mem.transactions[id] = tx
		}
	}
}
