package position

import (
	"fmt"
	"sort"

	"github.com/apparentlymart/go-textseg/v13/textseg"
)

type Place struct {
	Line      int
	Character int
}

func (p Place) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Character)
}

type Range struct {
	Start Place
	End   Place
}

// Index translates byte offsets of a text into line and column numbers.
type Index struct {
	text       string
	lineStarts []int
}

func NewIndex(text string) *Index {
	starts := []int{0}
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return &Index{text: text, lineStarts: starts}
}

// Lines returns the number of lines, counting a trailing partial line.
func (x *Index) Lines() int {
	return len(x.lineStarts)
}

func (x *Index) clamp(offset int) int {
	if offset < 0 {
		return 0
	}
	if offset > len(x.text) {
		return len(x.text)
	}
	return offset
}

// Line returns the one-based line holding offset.
func (x *Index) Line(offset int) int {
	offset = x.clamp(offset)
	return sort.Search(len(x.lineStarts), func(i int) bool { return x.lineStarts[i] > offset })
}

// LineCol returns the one-based line and column of a byte offset. Columns
// count grapheme clusters, so a multi-byte character advances the column once.
func (x *Index) LineCol(offset int) (line, col int) {
	offset = x.clamp(offset)
	line = x.Line(offset)
	start := x.lineStarts[line-1]
	n, err := textseg.TokenCount([]byte(x.text[start:offset]), textseg.ScanGraphemeClusters)
	if err != nil {
		n = offset - start
	}
	return line, n + 1
}

// Offset is the inverse of LineCol for byte columns.
func (x *Index) Offset(line, col int) int {
	if line < 1 {
		return 0
	}
	if line > len(x.lineStarts) {
		return len(x.text)
	}
	return x.clamp(x.lineStarts[line-1] + col - 1)
}

// Range returns the line/column range of the half-open byte span [start, end).
func (x *Index) Range(start, end int) Range {
	sl, sc := x.LineCol(start)
	el, ec := x.LineCol(end)
	return Range{
		Start: Place{Line: sl, Character: sc},
		End:   Place{Line: el, Character: ec},
	}
}

// GetLineAndColumn calculates the one-based line and column number of a byte
// offset in text.
func GetLineAndColumn(text string, offset int) (line, col int) {
	return NewIndex(text).LineCol(offset)
}
