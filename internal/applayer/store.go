package applayer

// Store owns the transactions of one flow in creation order.
//
// Identifiers are assigned from a flow-scoped counter starting at 1 and are
// exposed zero-based: the transaction stored with id n is addressed as n-1.
// Store is not safe for concurrent use; the host serialises calls per flow.
type Store[T Transaction] struct {
	nextID uint64
	txs    []T
}

// Push assigns the next identifier to tx and appends it.
// It returns the zero-based identifier.
func (s *Store[T]) Push(tx T) uint64 {
	s.nextID++
	b := tx.Base()
	assertf(b.id == 0, "transaction pushed twice (id %d)", b.id)
	b.id = s.nextID
	s.txs = append(s.txs, tx)
	return b.id - 1
}

// NextID returns the number of transactions ever created on this flow.
func (s *Store[T]) NextID() uint64 { return s.nextID }

// Len returns the number of live transactions.
func (s *Store[T]) Len() int { return len(s.txs) }

// Get returns the transaction with zero-based identifier id.
func (s *Store[T]) Get(id uint64) (T, bool) {
	for _, tx := range s.txs {
		if tx.Base().id == id+1 {
			return tx, true
		}
	}
	var zero T
	return zero, false
}

// Last returns the most recently created live transaction.
func (s *Store[T]) Last() (T, bool) {
	if len(s.txs) == 0 {
		var zero T
		return zero, false
	}
	return s.txs[len(s.txs)-1], true
}

// Find returns the newest live transaction matching fn.
func (s *Store[T]) Find(fn func(T) bool) (T, bool) {
	for i := len(s.txs) - 1; i >= 0; i-- {
		if fn(s.txs[i]) {
			return s.txs[i], true
		}
	}
	var zero T
	return zero, false
}

// Free removes the transaction with zero-based identifier id and releases
// its delegated handles. Freeing an identifier that is no longer held is a
// no-op.
func (s *Store[T]) Free(id uint64) {
	idx := -1
	for i, tx := range s.txs {
		if tx.Base().id == id+1 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	s.txs[idx].Base().release()
	copy(s.txs[idx:], s.txs[idx+1:])
	var zero T
	s.txs[len(s.txs)-1] = zero
	s.txs = s.txs[:len(s.txs)-1]

	if debugAssertions {
		for _, tx := range s.txs {
			assertf(tx.Base().id != id+1, "transaction id %d stored more than once", id+1)
		}
	}
}

// Clear frees every transaction. The id counter is kept.
func (s *Store[T]) Clear() {
	for _, tx := range s.txs {
		tx.Base().release()
	}
	s.txs = nil
}

// Iter pages through transactions for the host. It returns the first live
// transaction whose zero-based id is >= minID, the minID to pass on the next
// call, and whether further transactions follow the returned one.
func (s *Store[T]) Iter(minID uint64) (tx T, next uint64, hasMore, ok bool) {
	for i, t := range s.txs {
		id := t.Base().id - 1
		if id < minID {
			continue
		}
		return t, id + 1, i+1 < len(s.txs), true
	}
	var zero T
	return zero, minID, false, false
}

// Each calls fn for every live transaction in id order until fn returns false.
func (s *Store[T]) Each(fn func(T) bool) {
	for _, tx := range s.txs {
		if !fn(tx) {
			return
		}
	}
}

// The methods below expose the store through the protocol independent
// Transaction interface so that protocol flows can embed a *Store.

// TxCount returns the number of live transactions.
func (s *Store[T]) TxCount() int { return len(s.txs) }

// Tx is Get returning the Transaction interface.
func (s *Store[T]) Tx(id uint64) (Transaction, bool) {
	tx, ok := s.Get(id)
	if !ok {
		return nil, false
	}
	return tx, true
}

// FreeTx is Free.
func (s *Store[T]) FreeTx(id uint64) { s.Free(id) }

// Cursor is one step of host iteration.
type Cursor struct {
	Tx      Transaction
	Next    uint64
	HasMore bool
}

// IterTx is Iter returning a Cursor.
func (s *Store[T]) IterTx(minID uint64) (Cursor, bool) {
	tx, next, more, ok := s.Iter(minID)
	if !ok {
		return Cursor{Next: next}, false
	}
	return Cursor{Tx: tx, Next: next, HasMore: more}, true
}
