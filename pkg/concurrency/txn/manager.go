package txn

import (
	"sync"

	"txnkernel/pkg/primitives"
)

// Manager is the process-wide transaction registry: the minimal
// surface the lock manager and the deadlock detector need to look up
// and abort transactions by id.
type Manager struct {
	mu   sync.Mutex
	txns map[primitives.TxnID]*Transaction
}

func NewManager() *Manager {
	return &Manager{txns: make(map[primitives.TxnID]*Transaction)}
}

// Begin starts a new transaction at the given isolation level and
// registers it.
func (m *Manager) Begin(isolation Isolation) *Transaction {
	t := New(primitives.NewTxnID(), isolation)
	m.mu.Lock()
	m.txns[t.id] = t
	m.mu.Unlock()
	return t
}

// Get looks up a transaction by id.
func (m *Manager) Get(id primitives.TxnID) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	return t, ok
}

// Remove drops a transaction from the registry once it has committed
// or aborted and its locks have been released.
func (m *Manager) Remove(id primitives.TxnID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.txns, id)
}

// Active returns every transaction not yet in a terminal state.
func (m *Manager) Active() []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Transaction, 0, len(m.txns))
	for _, t := range m.txns {
		if !t.State().Terminal() {
			out = append(out, t)
		}
	}
	return out
}
