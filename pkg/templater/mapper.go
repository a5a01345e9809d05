package templater

import (
	"context"

	"github.com/rs/zerolog"
	tf "github.com/walteh/sqltmpl/pkg/templatedfile"
)

// mapper turns visit events into templated file slices. It keeps a program
// counter into the raw slices and, for every event, walks the shortest
// control flow path from the counter to the visited slice, recording every
// slice passed on the way as a zero length placeholder.
type mapper struct {
	rs  *rawSlices
	pc  int
	pos int
	out []tf.TemplatedFileSlice
}

func mapSlices(ctx context.Context, rs *rawSlices, events []event) []tf.TemplatedFileSlice {
	m := &mapper{rs: rs, pc: -1}
	end := len(rs.slices)

	for _, e := range events {
		if e.detached {
			m.record(e.slice, e.length)
			continue
		}
		path, ok := m.path(e.slice)
		if !ok {
			zerolog.Ctx(ctx).Debug().
				Int("from", m.pc).
				Int("to", e.slice).
				Msg("no control flow path between visited slices")
		}
		for _, i := range path {
			m.record(i, 0)
		}
		m.record(e.slice, e.length)
		m.pc = e.slice
	}

	if path, ok := m.path(end); ok {
		for _, i := range path {
			m.record(i, 0)
		}
	}

	if len(m.out) == 0 {
		m.out = append(m.out, tf.TemplatedFileSlice{
			SliceType:   tf.Templated,
			SourceSlice: tf.Span{Start: 0, End: rs.slices[end-1].End()},
		})
	}
	return m.out
}

// record appends the entry for one visit of slice i. A zero length entry is
// folded into the previous one when both describe the same slice.
func (m *mapper) record(i, length int) {
	s := m.rs.slices[i]
	entry := tf.TemplatedFileSlice{
		SliceType:      s.SliceType,
		SourceSlice:    s.SourceSlice(),
		TemplatedSlice: tf.Span{Start: m.pos, End: m.pos + length},
	}
	m.pos += length

	if n := len(m.out); n > 0 && length == 0 {
		prev := m.out[n-1]
		if prev.TemplatedSlice.Empty() && prev.SliceType == entry.SliceType && prev.SourceSlice == entry.SourceSlice {
			return
		}
	}
	m.out = append(m.out, entry)
}

// path returns the slices strictly between the program counter and target on
// the shortest control flow path between them.
func (m *mapper) path(target int) ([]int, bool) {
	n := len(m.rs.slices)
	parent := make([]int, n+1)
	for i := range parent {
		parent[i] = -2
	}

	const root = -1
	var queue []int
	for _, next := range m.rs.successors(m.pc) {
		if parent[next] == -2 {
			parent[next] = root
			queue = append(queue, next)
		}
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == target {
			var between []int
			for p := parent[cur]; p != root; p = parent[p] {
				between = append(between, p)
			}
			for l, r := 0, len(between)-1; l < r; l, r = l+1, r-1 {
				between[l], between[r] = between[r], between[l]
			}
			return between, true
		}
		for _, next := range m.rs.successors(cur) {
			if parent[next] == -2 {
				parent[next] = cur
				queue = append(queue, next)
			}
		}
	}
	return nil, false
}
