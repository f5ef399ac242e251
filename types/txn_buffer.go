package types

// TxnBuffer stamps rows with resumable positions.
//
// Every row of a transaction except the last carries the boundary of the
// previous transaction; the last row carries the transaction's own commit
// position. Resuming from a saved position therefore either replays the
// interrupted transaction in full or starts after a completed one. To know
// which row is last, the newest row is held back until the next row or the
// commit arrives.
type TxnBuffer struct {
	boundary Position
	pending  *ChangeEvent
}

func NewTxnBuffer(start Position) *TxnBuffer {
	return &TxnBuffer{boundary: start}
}

// Add queues event and releases the row it displaces, if any.
func (b *TxnBuffer) Add(event ChangeEvent) (ChangeEvent, bool) {
	released, ok := b.release(b.boundary)
	b.pending = &event
	return released, ok
}

// Commit releases the held row stamped with commit and moves the boundary.
func (b *TxnBuffer) Commit(commit Position) (ChangeEvent, bool) {
	released, ok := b.release(commit)
	b.boundary = commit
	return released, ok
}

// Discard drops the held row, e.g. when a transaction is rolled back.
func (b *TxnBuffer) Discard() {
	b.pending = nil
}

// Boundary is the position of the last committed transaction.
func (b *TxnBuffer) Boundary() Position {
	return b.boundary
}

func (b *TxnBuffer) release(position Position) (ChangeEvent, bool) {
	if b.pending == nil {
		return ChangeEvent{}, false
	}
	event := *b.pending
	event.Metadata.Position = position
	b.pending = nil
	return event, true
}
