package sourcebuf

import (
	"bytes"
	"testing"

	"github.com/zsiec/bufsched/internal/media"
)

func push(id uint64, data []byte, p media.PushParams) *Operation { return newPush(id, data, p) }

func TestCoalesceEmpty(t *testing.T) {
	t.Parallel()
	_, n := Coalesce(nil)
	if n != 0 {
		t.Fatalf("consumed = %d, want 0", n)
	}
}

func TestCoalesceMergesSameShape(t *testing.T) {
	t.Parallel()
	p := media.PushParams{Codec: "c1"}
	ops := []*Operation{
		push(1, []byte{1, 2}, p),
		push(2, []byte{3, 4}, p),
		push(3, []byte{5}, p),
	}

	u, n := Coalesce(ops)
	if n != 3 {
		t.Fatalf("consumed = %d, want 3", n)
	}
	if u.ID != 1 || u.Kind != OpPush || !u.Merged() {
		t.Fatalf("unit = id %d kind %v merged %v", u.ID, u.Kind, u.Merged())
	}
	if !bytes.Equal(u.Data, []byte{1, 2, 3, 4, 5}) {
		t.Fatalf("data = %v, want [1 2 3 4 5]", u.Data)
	}
	if len(ops) != 3 || ops[0].ID != 1 {
		t.Fatal("input slice was modified")
	}
	// Member payloads are copied, not aliased.
	ops[0].Data[0] = 9
	if u.Data[0] != 1 {
		t.Fatal("merged payload aliases a member payload")
	}
}

func TestCoalesceSingleKeepsPayload(t *testing.T) {
	t.Parallel()
	data := []byte{7, 8}
	u, n := Coalesce([]*Operation{push(1, data, media.PushParams{})})
	if n != 1 || u.Merged() {
		t.Fatalf("consumed = %d merged = %v, want 1 false", n, u.Merged())
	}
	if &u.Data[0] != &data[0] {
		t.Fatal("single push payload was copied")
	}
}

func TestCoalesceStopsAtShapeChange(t *testing.T) {
	t.Parallel()
	base := media.PushParams{Codec: "c1", TimestampOffset: 2, AppendWindow: media.Window(0, 10)}

	tests := []struct {
		name string
		next *Operation
	}{
		{"codec", push(2, []byte{2}, media.PushParams{Codec: "c2", TimestampOffset: 2, AppendWindow: media.Window(0, 10)})},
		{"offset", push(2, []byte{2}, media.PushParams{Codec: "c1", TimestampOffset: 3, AppendWindow: media.Window(0, 10)})},
		{"window end", push(2, []byte{2}, media.PushParams{Codec: "c1", TimestampOffset: 2, AppendWindow: media.Window(0, 11)})},
		{"window unset", push(2, []byte{2}, media.PushParams{Codec: "c1", TimestampOffset: 2})},
		{"remove", newRemove(2, 0, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ops := []*Operation{push(1, []byte{1}, base), tt.next, push(3, []byte{3}, base)}
			u, n := Coalesce(ops)
			if n != 1 {
				t.Fatalf("consumed = %d, want 1", n)
			}
			if !bytes.Equal(u.Data, []byte{1}) {
				t.Fatalf("data = %v, want [1]", u.Data)
			}
		})
	}
}

func TestCoalesceUnsetWindowValuesIgnored(t *testing.T) {
	t.Parallel()
	a := media.PushParams{AppendWindow: media.AppendWindow{Start: 5}}
	b := media.PushParams{AppendWindow: media.AppendWindow{Start: 7}}
	_, n := Coalesce([]*Operation{push(1, []byte{1}, a), push(2, []byte{2}, b)})
	if n != 2 {
		t.Fatalf("consumed = %d, want 2 (unset bounds compare equal)", n)
	}
}

func TestCoalesceRemovesStaySingle(t *testing.T) {
	t.Parallel()
	ops := []*Operation{newRemove(1, 0, 2), newRemove(2, 2, 4)}
	u, n := Coalesce(ops)
	if n != 1 {
		t.Fatalf("consumed = %d, want 1", n)
	}
	if u.Kind != OpRemove || u.Start != 0 || u.End != 2 {
		t.Fatalf("unit = %v [%g,%g), want remove [0,2)", u.Kind, u.Start, u.End)
	}
}

func TestQueueNextSplicesConsumedPrefix(t *testing.T) {
	t.Parallel()
	p := media.PushParams{Codec: "c1"}
	var q Queue
	q.Push(push(1, []byte{1}, p))
	q.Push(push(2, []byte{2}, p))
	q.Push(newRemove(3, 0, 1))
	q.Push(push(4, []byte{4}, p))

	var got [][]uint64
	for {
		u, ok := q.Next()
		if !ok {
			break
		}
		var ids []uint64
		for _, op := range u.Ops {
			ids = append(ids, op.ID)
		}
		got = append(got, ids)
	}

	want := [][]uint64{{1, 2}, {3}, {4}}
	if len(got) != len(want) {
		t.Fatalf("units = %v, want %v", got, want)
	}
	for i := range want {
		if len(got[i]) != len(want[i]) {
			t.Fatalf("units = %v, want %v", got, want)
		}
		for j := range want[i] {
			if got[i][j] != want[i][j] {
				t.Fatalf("units = %v, want %v", got, want)
			}
		}
	}
	if q.Len() != 0 {
		t.Fatalf("Len = %d, want 0", q.Len())
	}
}
