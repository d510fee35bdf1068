package media

import (
	"fmt"
	"math"
)

// AppendWindow restricts the media time an append may land in. Each bound is
// independently set or unset; an unset bound does not clip.
type AppendWindow struct {
	Start    float64
	End      float64
	HasStart bool
	HasEnd   bool
}

// Window returns an AppendWindow with both bounds set.
func Window(start, end float64) AppendWindow {
	return AppendWindow{Start: start, End: end, HasStart: true, HasEnd: true}
}

// Bounds returns the effective window, mapping unset bounds to -Inf/+Inf.
func (w AppendWindow) Bounds() (start, end float64) {
	start, end = math.Inf(-1), math.Inf(1)
	if w.HasStart {
		start = w.Start
	}
	if w.HasEnd {
		end = w.End
	}
	return start, end
}

// Equal compares set-ness and, for set bounds, values. The value of an unset
// bound is ignored.
func (w AppendWindow) Equal(o AppendWindow) bool {
	if w.HasStart != o.HasStart || w.HasEnd != o.HasEnd {
		return false
	}
	if w.HasStart && w.Start != o.Start {
		return false
	}
	if w.HasEnd && w.End != o.End {
		return false
	}
	return true
}

func (w AppendWindow) String() string {
	s, e := "unset", "unset"
	if w.HasStart {
		s = fmt.Sprintf("%g", w.Start)
	}
	if w.HasEnd {
		e = fmt.Sprintf("%g", w.End)
	}
	return "window(" + s + "," + e + ")"
}

// PushParams configures how a payload is appended. An empty Codec keeps the
// buffer's current codec.
type PushParams struct {
	Codec           string
	TimestampOffset float64
	AppendWindow    AppendWindow
}

// SameShape reports whether two pushes may share one resource append.
func (p PushParams) SameShape(o PushParams) bool {
	return p.Codec == o.Codec &&
		p.TimestampOffset == o.TimestampOffset &&
		p.AppendWindow.Equal(o.AppendWindow)
}
