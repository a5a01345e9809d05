package templater

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	tf "github.com/walteh/sqltmpl/pkg/templatedfile"
	"gitlab.com/tozd/go/errors"
)

// markers delimit the trace records written into an instrumented render.
// Both runes are private use code points that occur nowhere in the source or
// in the plain render, so every occurrence in the output is a marker.
type markers struct {
	open, close rune
}

// privateUse lists the private use ranges markers are drawn from.
var privateUse = []struct{ lo, hi rune }{
	{0xE000, 0xF8FF},
	{0xF0000, 0xFFFFD},
	{0x100000, 0x10FFFD},
}

// pickMarkers returns the first two private use code points absent from all
// of texts.
func pickMarkers(texts ...string) (markers, error) {
	used := map[rune]bool{}
	for _, t := range texts {
		for _, r := range t {
			if unicode.Is(unicode.Co, r) {
				used[r] = true
			}
		}
	}

	var found []rune
	for _, pu := range privateUse {
		for r := pu.lo; r <= pu.hi && len(found) < 2; r++ {
			if !used[r] {
				found = append(found, r)
			}
		}
	}
	if len(found) < 2 {
		return markers{}, errors.Errorf("%w: no free private use code points for markers", ErrInternalConsistency)
	}
	return markers{open: found[0], close: found[1]}, nil
}

// fixed stands for exactly n bytes of output produced by slice id.
func (m markers) fixed(id, n int) string {
	return string(m.open) + strconv.Itoa(id) + "_" + strconv.Itoa(n) + string(m.close)
}

// content attributes the output that follows it to slice id.
func (m markers) content(id int) string {
	return string(m.open) + strconv.Itoa(id) + string(m.close)
}

// event is one visit of a raw slice observed in the instrumented output.
type event struct {
	slice  int
	length int
	// detached events are recorded where they render without moving the walk
	// through the file.
	detached bool
}

// instrument rewrites the source so that rendering it reports which slices
// run, in which order, and what each of them writes.
func instrument(rs *rawSlices, m markers) string {
	var b strings.Builder
	for i, s := range rs.slices {
		info := rs.info[i]
		switch s.SliceType {
		case tf.Literal:
			if info.region == regionCapture {
				b.WriteString(s.Raw)
				continue
			}
			b.WriteString(m.fixed(i, info.effLen))
		case tf.Templated:
			if info.region == regionCapture {
				b.WriteString(s.Raw)
				continue
			}
			b.WriteString(m.content(i))
			b.WriteString(s.Raw)
		case tf.Comment:
			b.WriteString(s.Raw)
		default:
			if info.region != regionNone {
				b.WriteString(s.Raw)
				continue
			}
			instrumentBlock(&b, rs, m, i)
		}
	}
	return b.String()
}

func instrumentBlock(b *strings.Builder, rs *rawSlices, m markers, i int) {
	s := rs.slices[i]
	c := rs.constructOf[i]

	switch s.SliceType {
	case tf.BlockStart:
		switch s.Tag {
		case "block":
			b.WriteString(s.Raw)
		case "call", "filter":
			// The whole output of the construct belongs to its opening tag.
			b.WriteString(m.content(i))
			b.WriteString(s.Raw)
		default:
			b.WriteString(m.fixed(i, 0))
			b.WriteString(s.Raw)
		}
	case tf.BlockMid:
		if c != nil && c.elseIdx() == i {
			// The else of a loop closes every iteration of the body.
			b.WriteString(m.fixed(c.end, 0))
			b.WriteString(s.Raw)
			b.WriteString(m.fixed(i, 0))
			return
		}
		b.WriteString(s.Raw)
		b.WriteString(m.fixed(i, 0))
	case tf.BlockEnd:
		switch {
		case s.Tag == "endblock":
			b.WriteString(s.Raw)
		case s.Tag == "endfor" && c != nil && c.elseIdx() >= 0:
			b.WriteString(s.Raw)
		case s.Tag == "endfor":
			b.WriteString(m.fixed(i, 0))
			b.WriteString(s.Raw)
		default:
			b.WriteString(s.Raw)
			b.WriteString(m.fixed(i, 0))
		}
	}
}

type decodeState int

const (
	decodeText decodeState = iota
	decodeID
	decodeLen
)

// decode reads the rendered instrumented template back into visit events.
// Output between markers belongs to the most recent content marker. Output
// following a detached fixed marker continues the last expression that was
// interrupted by a detached region, such as a block rendered through self.
func decode(out string, rs *rawSlices, m markers) ([]event, error) {
	var (
		events    []event
		state     = decodeText
		id, n     int
		digits    int
		open      = -1
		lastOuter = -1
		resumable bool
	)

	for off := 0; off < len(out); {
		r, size := utf8.DecodeRuneInString(out[off:])
		at := off
		off += size

		switch state {
		case decodeText:
			switch r {
			case m.open:
				state, id, digits = decodeID, 0, 0
			case m.close:
				return nil, errors.Errorf("%w: stray marker terminator at byte %d", ErrInternalConsistency, at)
			default:
				if open < 0 {
					if !resumable || lastOuter < 0 {
						return nil, errors.Errorf("%w: output at byte %d is not attributed to any slice", ErrInternalConsistency, at)
					}
					events = append(events, event{slice: lastOuter, detached: true})
					open = len(events) - 1
				}
				events[open].length += size
			}
		case decodeID:
			switch {
			case r >= '0' && r <= '9':
				id = id*10 + int(r-'0')
				digits++
			case r == '_' && digits > 0:
				state, n, digits = decodeLen, 0, 0
			case r == m.close && digits > 0:
				if id >= len(rs.slices) {
					return nil, errors.Errorf("%w: marker for unknown slice %d", ErrInternalConsistency, id)
				}
				detached := rs.info[id].region == regionBlock
				events = append(events, event{slice: id, detached: detached})
				open = len(events) - 1
				if !detached {
					lastOuter = id
				}
				resumable = false
				state = decodeText
			default:
				return nil, errors.Errorf("%w: malformed marker at byte %d", ErrInternalConsistency, at)
			}
		case decodeLen:
			switch {
			case r >= '0' && r <= '9':
				n = n*10 + int(r-'0')
				digits++
			case r == m.close && digits > 0:
				if id >= len(rs.slices) {
					return nil, errors.Errorf("%w: marker for unknown slice %d", ErrInternalConsistency, id)
				}
				detached := rs.info[id].region == regionBlock
				events = append(events, event{slice: id, length: n, detached: detached})
				open = -1
				resumable = detached
				state = decodeText
			default:
				return nil, errors.Errorf("%w: malformed marker at byte %d", ErrInternalConsistency, at)
			}
		}
	}
	if state != decodeText {
		return nil, errors.Errorf("%w: output ends inside a marker", ErrInternalConsistency)
	}
	return events, nil
}

// traceLength is the number of output bytes the events account for.
func traceLength(events []event) int {
	total := 0
	for _, e := range events {
		total += e.length
	}
	return total
}
