package sourcebuf

import (
	"sync/atomic"
	"time"

	"github.com/zsiec/bufsched/internal/media"
)

// OpKind discriminates push and remove operations.
type OpKind uint8

// Operation kinds.
const (
	OpPush OpKind = iota + 1
	OpRemove
)

func (k OpKind) String() string {
	switch k {
	case OpPush:
		return "push"
	case OpRemove:
		return "remove"
	}
	return "unknown"
}

// IDSource hands out operation ids. One source is shared by every buffer of
// a container so ids are unique across the container's lifetime. The zero
// value is ready to use and starts at 1.
type IDSource struct {
	last atomic.Uint64
}

// Next returns the next id.
func (s *IDSource) Next() uint64 {
	return s.last.Add(1)
}

// Operation is one caller-issued push or remove awaiting execution.
type Operation struct {
	ID     uint64
	Kind   OpKind
	Data   []byte
	Params media.PushParams
	Start  float64
	End    float64

	future *Future
}

func newPush(id uint64, data []byte, params media.PushParams) *Operation {
	return &Operation{ID: id, Kind: OpPush, Data: data, Params: params, future: newFuture(id)}
}

func newRemove(id uint64, start, end float64) *Operation {
	return &Operation{ID: id, Kind: OpRemove, Start: start, End: end, future: newFuture(id)}
}

// Future returns the operation's completion handle.
func (op *Operation) Future() *Future { return op.future }

// Unit is the work dispatched to a resource as one call: a single operation,
// or a run of same-shape pushes whose payloads were concatenated in order.
// Every member settles with the unit's outcome.
type Unit struct {
	// ID is the id of the first member and is used for correlation.
	ID     uint64
	Kind   OpKind
	Data   []byte
	Params media.PushParams
	Start  float64
	End    float64
	Ops    []*Operation

	dispatched time.Time
}

// Merged reports whether the unit carries more than one operation.
func (u *Unit) Merged() bool { return len(u.Ops) > 1 }
