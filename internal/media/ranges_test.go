package media

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNormalizeMergesAndSorts(t *testing.T) {
	t.Parallel()
	got := Normalize([]Range{
		{Start: 10, End: 12},
		{Start: 0, End: 4},
		{Start: 3, End: 6},
		{Start: 6, End: 8},
		{Start: 20, End: 20},
		{Start: math.NaN(), End: 30},
	})
	want := Ranges{{Start: 0, End: 8}, {Start: 10, End: 12}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Normalize mismatch (-want +got):\n%s", diff)
	}
}

func TestRangesAdd(t *testing.T) {
	t.Parallel()
	var rs Ranges
	rs = rs.Add(0, 2)
	rs = rs.Add(4, 6)
	rs = rs.Add(2, 4)
	want := Ranges{{Start: 0, End: 6}}
	if diff := cmp.Diff(want, rs); diff != "" {
		t.Fatalf("Add mismatch (-want +got):\n%s", diff)
	}
}

func TestRangesAddDoesNotMutateReceiver(t *testing.T) {
	t.Parallel()
	orig := Ranges{{Start: 0, End: 1}}
	_ = orig.Add(0.5, 3)
	if orig[0].End != 1 {
		t.Fatalf("receiver mutated: %v", orig)
	}
}

func TestRangesRemove(t *testing.T) {
	t.Parallel()
	rs := Ranges{{Start: 0, End: 10}, {Start: 20, End: 30}}

	tests := []struct {
		name       string
		start, end float64
		want       Ranges
	}{
		{"middle split", 2, 4, Ranges{{0, 2}, {4, 10}, {20, 30}}},
		{"head", 0, 2, Ranges{{2, 10}, {20, 30}}},
		{"across gap", 5, 25, Ranges{{0, 5}, {25, 30}}},
		{"everything", 0, 100, Ranges{}},
		{"nothing", 12, 18, Ranges{{0, 10}, {20, 30}}},
		{"empty window", 5, 5, Ranges{{0, 10}, {20, 30}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := rs.Remove(tt.start, tt.end)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("Remove(%g, %g) mismatch (-want +got):\n%s", tt.start, tt.end, diff)
			}
		})
	}
}

func TestRangesClipAndContains(t *testing.T) {
	t.Parallel()
	rs := Ranges{{Start: 0, End: 10}, {Start: 20, End: 30}}
	got := rs.Clip(5, 25)
	want := Ranges{{5, 10}, {20, 25}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Clip mismatch (-want +got):\n%s", diff)
	}
	if !rs.Contains(0) || rs.Contains(10) || !rs.Contains(29.9) {
		t.Fatal("Contains returned wrong membership at range edges")
	}
	if d := rs.Duration(); d != 20 {
		t.Fatalf("Duration = %g, want 20", d)
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()
	for _, k := range Kinds {
		got, err := ParseKind(k.String())
		if err != nil {
			t.Fatalf("ParseKind(%q): %v", k, err)
		}
		if got != k {
			t.Fatalf("ParseKind(%q) = %v, want %v", k, got, k)
		}
	}
	if _, err := ParseKind("text"); err == nil {
		t.Fatal("expected error for unsupported kind")
	}
}
