package sourcebuf

// Coalesce builds the unit at the head of pending without modifying it and
// reports how many operations the unit consumes. A remove always forms a
// unit on its own. A push absorbs the pushes directly behind it for as long
// as they share its codec, timestamp offset and append window.
func Coalesce(pending []*Operation) (Unit, int) {
	if len(pending) == 0 {
		return Unit{}, 0
	}

	head := pending[0]
	if head.Kind == OpRemove {
		return Unit{
			ID:    head.ID,
			Kind:  OpRemove,
			Start: head.Start,
			End:   head.End,
			Ops:   []*Operation{head},
		}, 1
	}

	n := 1
	size := len(head.Data)
	for n < len(pending) {
		next := pending[n]
		if next.Kind != OpPush || !next.Params.SameShape(head.Params) {
			break
		}
		size += len(next.Data)
		n++
	}

	u := Unit{
		ID:     head.ID,
		Kind:   OpPush,
		Params: head.Params,
		Ops:    make([]*Operation, n),
	}
	copy(u.Ops, pending[:n])

	if n == 1 {
		u.Data = head.Data
		return u, 1
	}
	u.Data = make([]byte, 0, size)
	for _, op := range u.Ops {
		u.Data = append(u.Data, op.Data...)
	}
	return u, n
}

// Queue is the FIFO of operations that have not started yet. It is not safe
// for concurrent use; the broker guards it.
type Queue struct {
	ops []*Operation
}

// Push appends op at the tail.
func (q *Queue) Push(op *Operation) {
	q.ops = append(q.ops, op)
}

// Len returns the number of queued operations.
func (q *Queue) Len() int { return len(q.ops) }

// Next removes the next unit from the head of the queue.
func (q *Queue) Next() (*Unit, bool) {
	u, n := Coalesce(q.ops)
	if n == 0 {
		return nil, false
	}
	clear(q.ops[:n])
	q.ops = q.ops[n:]
	if len(q.ops) == 0 {
		q.ops = nil
	}
	return &u, true
}

// Drain removes and returns every queued operation in order.
func (q *Queue) Drain() []*Operation {
	ops := q.ops
	q.ops = nil
	return ops
}
