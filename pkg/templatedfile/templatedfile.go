// Package templatedfile holds the result of rendering one source file: the
// source, the rendered text, and the slices that map one onto the other.
package templatedfile

import (
	"strings"

	"github.com/google/uuid"
	"github.com/walteh/sqltmpl/pkg/position"
	"gitlab.com/tozd/go/errors"
)

// ErrInconsistent is returned by New when the slices do not describe the
// source and the rendered text exactly.
var ErrInconsistent = errors.Base("inconsistent templated file")

type SliceType string

const (
	Literal    SliceType = "literal"
	Templated  SliceType = "templated"
	Comment    SliceType = "comment"
	BlockStart SliceType = "block_start"
	BlockMid   SliceType = "block_mid"
	BlockEnd   SliceType = "block_end"
)

func (t SliceType) IsBlock() bool {
	return t == BlockStart || t == BlockMid || t == BlockEnd
}

// IsSourceOnly reports whether slices of this type never produce output.
func (t SliceType) IsSourceOnly() bool {
	return t == Comment || t.IsBlock()
}

// Span is a half-open byte range.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (s Span) Len() int {
	return s.End - s.Start
}

func (s Span) Empty() bool {
	return s.End == s.Start
}

func (s Span) Contains(pos int) bool {
	return pos >= s.Start && pos < s.End
}

// RawFileSlice is one classified fragment of the source.
type RawFileSlice struct {
	Raw       string    `json:"raw"`
	SliceType SliceType `json:"slice_type"`
	SourceIdx int       `json:"source_idx"`
	// Tag is the leading keyword of a block tag.
	Tag string `json:"tag,omitempty"`
}

func (r RawFileSlice) End() int {
	return r.SourceIdx + len(r.Raw)
}

func (r RawFileSlice) SourceSlice() Span {
	return Span{Start: r.SourceIdx, End: r.End()}
}

// TemplatedFileSlice pairs a range of rendered output with the source range
// that produced it. Block slices carry the identity of the raw tag (Group)
// and of the control construct it belongs to (Construct).
type TemplatedFileSlice struct {
	SliceType      SliceType `json:"slice_type"`
	SourceSlice    Span      `json:"source_slice"`
	TemplatedSlice Span      `json:"templated_slice"`
	Group          uuid.UUID `json:"group,omitempty"`
	Construct      uuid.UUID `json:"construct,omitempty"`
}

type TemplatedFile struct {
	name      string
	source    string
	templated string
	raw       []RawFileSlice
	sliced    []TemplatedFileSlice

	sourceIndex    *position.Index
	templatedIndex *position.Index
}

// New validates the slices and builds the file. Any violated invariant is
// reported as ErrInconsistent.
func New(name, source, templated string, sliced []TemplatedFileSlice, raw []RawFileSlice) (*TemplatedFile, error) {
	if err := checkRaw(source, raw); err != nil {
		return nil, err
	}
	if err := checkSliced(source, templated, sliced); err != nil {
		return nil, err
	}
	return &TemplatedFile{
		name:           name,
		source:         source,
		templated:      templated,
		raw:            raw,
		sliced:         sliced,
		sourceIndex:    position.NewIndex(source),
		templatedIndex: position.NewIndex(templated),
	}, nil
}

// NewUntemplated maps source onto itself with a single literal slice.
func NewUntemplated(name, source string) *TemplatedFile {
	whole := Span{Start: 0, End: len(source)}
	index := position.NewIndex(source)
	return &TemplatedFile{
		name:      name,
		source:    source,
		templated: source,
		raw:       []RawFileSlice{{Raw: source, SliceType: Literal, SourceIdx: 0}},
		sliced: []TemplatedFileSlice{{
			SliceType:      Literal,
			SourceSlice:    whole,
			TemplatedSlice: whole,
		}},
		sourceIndex:    index,
		templatedIndex: index,
	}
}

func checkRaw(source string, raw []RawFileSlice) error {
	if len(raw) == 0 {
		return errors.Errorf("%w: no raw slices", ErrInconsistent)
	}
	var b strings.Builder
	next := 0
	for i, r := range raw {
		if r.SourceIdx != next {
			return errors.Errorf("%w: raw slice %d starts at %d, expected %d", ErrInconsistent, i, r.SourceIdx, next)
		}
		next = r.End()
		b.WriteString(r.Raw)
	}
	if b.String() != source {
		return errors.Errorf("%w: raw slices do not reconstruct the source", ErrInconsistent)
	}
	return nil
}

func checkSliced(source, templated string, sliced []TemplatedFileSlice) error {
	if len(sliced) == 0 {
		if templated == "" {
			return nil
		}
		return errors.Errorf("%w: no templated slices for %d bytes of output", ErrInconsistent, len(templated))
	}

	next := 0
	for i, s := range sliced {
		ts, ss := s.TemplatedSlice, s.SourceSlice
		if ts.Start != next {
			return errors.Errorf("%w: slice %d starts at templated %d, expected %d", ErrInconsistent, i, ts.Start, next)
		}
		if ts.End < ts.Start || ts.End > len(templated) {
			return errors.Errorf("%w: slice %d has templated range %v outside [0, %d]", ErrInconsistent, i, ts, len(templated))
		}
		if ss.Start < 0 || ss.End < ss.Start || ss.End > len(source) {
			return errors.Errorf("%w: slice %d has source range %v outside [0, %d]", ErrInconsistent, i, ss, len(source))
		}
		if s.SliceType == Literal {
			if ss.Empty() && source != "" {
				return errors.Errorf("%w: literal slice %d has an empty source range", ErrInconsistent, i)
			}
			if !ts.Empty() && templated[ts.Start:ts.End] != source[ss.Start:ss.End] {
				return errors.Errorf("%w: literal slice %d renders %q from source %q", ErrInconsistent, i, templated[ts.Start:ts.End], source[ss.Start:ss.End])
			}
		}
		next = ts.End
	}
	if next != len(templated) {
		return errors.Errorf("%w: slices end at templated %d, expected %d", ErrInconsistent, next, len(templated))
	}
	return nil
}

func (f *TemplatedFile) Name() string                     { return f.name }
func (f *TemplatedFile) SourceStr() string                { return f.source }
func (f *TemplatedFile) TemplatedStr() string             { return f.templated }
func (f *TemplatedFile) RawSliced() []RawFileSlice        { return f.raw }
func (f *TemplatedFile) SlicedFile() []TemplatedFileSlice { return f.sliced }

// SliceAtTemplated returns the slice owning templated position pos. Zero
// length slices own nothing; the end of the file belongs to the last slice.
func (f *TemplatedFile) SliceAtTemplated(pos int) (TemplatedFileSlice, bool) {
	if pos < 0 || pos > len(f.templated) || len(f.sliced) == 0 {
		return TemplatedFileSlice{}, false
	}
	if pos == len(f.templated) {
		return f.sliced[len(f.sliced)-1], true
	}
	for _, s := range f.sliced {
		if s.TemplatedSlice.Contains(pos) {
			return s, true
		}
	}
	return TemplatedFileSlice{}, false
}

// SourcePosition translates a templated position into the source. The
// result is exact only for literal and templated slices with a source range,
// which is what the boolean reports; otherwise it is the start of the owning
// slice's source range.
func (f *TemplatedFile) SourcePosition(templatedPos int) (int, bool) {
	s, ok := f.SliceAtTemplated(templatedPos)
	if !ok {
		return 0, false
	}
	ss := s.SourceSlice
	if (s.SliceType != Literal && s.SliceType != Templated) || ss.Empty() {
		return ss.Start, false
	}
	pos := ss.Start + templatedPos - s.TemplatedSlice.Start
	if pos > ss.End {
		pos = ss.End
	}
	return pos, true
}

// TemplatedPositions returns every templated position produced from source
// position pos: none for code that never rendered, several for code inside a
// loop.
func (f *TemplatedFile) TemplatedPositions(sourcePos int) []int {
	var out []int
	for _, s := range f.sliced {
		if s.TemplatedSlice.Empty() || !s.SourceSlice.Contains(sourcePos) {
			continue
		}
		switch s.SliceType {
		case Literal:
			out = append(out, s.TemplatedSlice.Start+sourcePos-s.SourceSlice.Start)
		case Templated:
			out = append(out, s.TemplatedSlice.Start)
		}
	}
	return out
}

// SourceOnlySlices returns the raw slices that never appear in the output:
// comments and block tags.
func (f *TemplatedFile) SourceOnlySlices() []RawFileSlice {
	var out []RawFileSlice
	for _, r := range f.raw {
		if r.SliceType.IsSourceOnly() {
			out = append(out, r)
		}
	}
	return out
}

// IsSourceSliceLiteral reports whether span lies entirely within literal raw
// slices.
func (f *TemplatedFile) IsSourceSliceLiteral(span Span) bool {
	if len(f.raw) == 0 || span.Empty() {
		return true
	}
	literal := true
	for _, r := range f.raw {
		switch {
		case r.SourceIdx <= span.Start:
			literal = r.SliceType == Literal
		case r.SourceIdx >= span.End:
			return literal
		case r.SliceType != Literal:
			literal = false
		}
	}
	return literal
}

// RawSlicesSpanningSource returns the raw slices overlapping span.
func (f *TemplatedFile) RawSlicesSpanningSource(span Span) []RawFileSlice {
	if len(f.raw) == 0 || span.Start >= f.raw[len(f.raw)-1].End() {
		return nil
	}
	i := 0
	for i+1 < len(f.raw) && f.raw[i+1].SourceIdx <= span.Start {
		i++
	}
	n := 1
	for i+n < len(f.raw) && f.raw[i+n].SourceIdx < span.End {
		n++
	}
	return f.raw[i : i+n]
}

func (f *TemplatedFile) SourceLineCol(pos int) (line, col int) {
	return f.sourceIndex.LineCol(pos)
}

func (f *TemplatedFile) TemplatedLineCol(pos int) (line, col int) {
	return f.templatedIndex.LineCol(pos)
}
