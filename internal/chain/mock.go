package chain

import (
	"context"
	"fmt"
	"sync"
)

// Mock is an in-memory ledger for tests and local runs. Submitted transfers
// move balances immediately and confirm on the next status poll.
type Mock struct {
	mu        sync.Mutex
	balances  map[string]int64
	statuses  map[string]TxStatus
	byRef     map[string]string
	nextTx    int64
	submitErr error
	// FailNextSubmits makes the next N submissions fail with submitErr.
	failNextSubmits int
}

var _ Client = (*Mock)(nil)

// NewMock creates an empty mock ledger.
func NewMock() *Mock {
	return &Mock{
		balances: make(map[string]int64),
		statuses: make(map[string]TxStatus),
		byRef:    make(map[string]string),
	}
}

// Fund credits an address.
func (m *Mock) Fund(address string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[address] += amount
}

// FailSubmissions makes the next n submissions return err.
func (m *Mock) FailSubmissions(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNextSubmits = n
	m.submitErr = err
}

func (m *Mock) GetBalance(_ context.Context, address string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[address], nil
}

func (m *Mock) SubmitTransfer(_ context.Context, tx SignedTransfer) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNextSubmits > 0 {
		m.failNextSubmits--
		if m.submitErr != nil {
			return "", m.submitErr
		}
		return "", fmt.Errorf("%w: injected failure", ErrNetwork)
	}

	// The ledger deduplicates by client reference.
	if tx.Ref != "" {
		if txID, ok := m.byRef[tx.Ref]; ok {
			return txID, nil
		}
	}

	if m.balances[tx.Source] < tx.Amount {
		return "", fmt.Errorf("%w: insufficient funds", ErrRejected)
	}

	m.balances[tx.Source] -= tx.Amount
	m.balances[tx.Destination] += tx.Amount

	m.nextTx++
	txID := fmt.Sprintf("tx-%d", m.nextTx)
	m.statuses[txID] = TxConfirmed
	if tx.Ref != "" {
		m.byRef[tx.Ref] = txID
	}
	return txID, nil
}

func (m *Mock) GetStatus(_ context.Context, txID string) (TxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status, ok := m.statuses[txID]
	if !ok {
		return "", fmt.Errorf("%w: tx %s", ErrNotFound, txID)
	}
	return status, nil
}

// Balance reads a balance without going through the Client interface.
func (m *Mock) Balance(address string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[address]
}
