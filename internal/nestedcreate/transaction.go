package nestedcreate

import (
	"sync"

	"pgbulk/internal/dbexec"
)

// transaction holds the single transaction of one request.
type transaction struct {
	tx        dbexec.TxExecutor
	hasError  bool
	finalized bool
	mu        sync.Mutex
}

func newTransaction(tx dbexec.TxExecutor) *transaction {
	return &transaction{tx: tx}
}

func (t *transaction) MarkError() {
	t.mu.Lock()
	t.hasError = true
	t.mu.Unlock()
}

// Finalize commits or rolls back based on the error state. It holds the lock
// throughout so MarkError cannot slip in between the check and the commit.
// Later calls are no-ops.
func (t *transaction) Finalize() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalized {
		return nil
	}
	t.finalized = true

	if t.hasError {
		return t.tx.Rollback()
	}
	return t.tx.Commit()
}
