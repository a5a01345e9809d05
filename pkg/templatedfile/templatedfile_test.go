package templatedfile_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/walteh/sqltmpl/pkg/templatedfile"
)

type (
	raw    = templatedfile.RawFileSlice
	sliced = templatedfile.TemplatedFileSlice
	span   = templatedfile.Span
)

func ts(typ templatedfile.SliceType, s0, s1, t0, t1 int) sliced {
	return sliced{SliceType: typ, SourceSlice: span{Start: s0, End: s1}, TemplatedSlice: span{Start: t0, End: t1}}
}

// SELECT {{ a }} FROM t  ->  SELECT x FROM t
func substitutionFile(t *testing.T) *templatedfile.TemplatedFile {
	t.Helper()
	f, err := templatedfile.New("sub.sql",
		"SELECT {{ a }} FROM t",
		"SELECT x FROM t",
		[]sliced{
			ts(templatedfile.Literal, 0, 7, 0, 7),
			ts(templatedfile.Templated, 7, 14, 7, 8),
			ts(templatedfile.Literal, 14, 21, 8, 15),
		},
		[]raw{
			{Raw: "SELECT ", SliceType: templatedfile.Literal, SourceIdx: 0},
			{Raw: "{{ a }}", SliceType: templatedfile.Templated, SourceIdx: 7},
			{Raw: " FROM t", SliceType: templatedfile.Literal, SourceIdx: 14},
		})
	require.NoError(t, err)
	return f
}

// {% for i in x %}a{% endfor %}  ->  aa
func loopFile(t *testing.T) *templatedfile.TemplatedFile {
	t.Helper()
	f, err := templatedfile.New("loop.sql",
		"{% for i in x %}a{% endfor %}",
		"aa",
		[]sliced{
			ts(templatedfile.BlockStart, 0, 16, 0, 0),
			ts(templatedfile.Literal, 16, 17, 0, 1),
			ts(templatedfile.BlockEnd, 17, 29, 1, 1),
			ts(templatedfile.Literal, 16, 17, 1, 2),
			ts(templatedfile.BlockEnd, 17, 29, 2, 2),
		},
		[]raw{
			{Raw: "{% for i in x %}", SliceType: templatedfile.BlockStart, SourceIdx: 0, Tag: "for"},
			{Raw: "a", SliceType: templatedfile.Literal, SourceIdx: 16},
			{Raw: "{% endfor %}", SliceType: templatedfile.BlockEnd, SourceIdx: 17, Tag: "endfor"},
		})
	require.NoError(t, err)
	return f
}

func TestAccessors(t *testing.T) {
	f := substitutionFile(t)
	assert.Equal(t, "sub.sql", f.Name())
	assert.Equal(t, "SELECT {{ a }} FROM t", f.SourceStr())
	assert.Equal(t, "SELECT x FROM t", f.TemplatedStr())
	assert.Len(t, f.RawSliced(), 3)
	assert.Len(t, f.SlicedFile(), 3)
}

func TestSourcePosition(t *testing.T) {
	f := substitutionFile(t)

	tests := []struct {
		templated int
		want      int
		exact     bool
	}{
		{templated: 0, want: 0, exact: true},
		{templated: 3, want: 3, exact: true},
		{templated: 7, want: 7, exact: true},
		{templated: 9, want: 15, exact: true},
		{templated: 15, want: 21, exact: true},
	}
	for _, tt := range tests {
		got, exact := f.SourcePosition(tt.templated)
		assert.Equal(t, tt.want, got, "templated %d", tt.templated)
		assert.Equal(t, tt.exact, exact, "templated %d", tt.templated)
	}

	_, ok := f.SourcePosition(100)
	assert.False(t, ok)
}

func TestSourcePositionBlock(t *testing.T) {
	f, err := templatedfile.New("x.sql", "{% if a %}{% endif %}", "",
		[]sliced{
			ts(templatedfile.BlockStart, 0, 10, 0, 0),
			ts(templatedfile.BlockEnd, 10, 21, 0, 0),
		},
		[]raw{
			{Raw: "{% if a %}", SliceType: templatedfile.BlockStart, SourceIdx: 0, Tag: "if"},
			{Raw: "{% endif %}", SliceType: templatedfile.BlockEnd, SourceIdx: 10, Tag: "endif"},
		})
	require.NoError(t, err)

	pos, exact := f.SourcePosition(0)
	assert.False(t, exact)
	assert.Equal(t, 10, pos)
}

func TestSliceAtTemplated(t *testing.T) {
	f := loopFile(t)

	s, ok := f.SliceAtTemplated(1)
	require.True(t, ok)
	assert.Equal(t, templatedfile.Literal, s.SliceType)
	assert.Equal(t, span{Start: 1, End: 2}, s.TemplatedSlice)

	s, ok = f.SliceAtTemplated(2)
	require.True(t, ok)
	assert.Equal(t, templatedfile.BlockEnd, s.SliceType)

	_, ok = f.SliceAtTemplated(-1)
	assert.False(t, ok)
}

func TestTemplatedPositions(t *testing.T) {
	loop := loopFile(t)
	assert.Equal(t, []int{0, 1}, loop.TemplatedPositions(16))
	assert.Empty(t, loop.TemplatedPositions(5))

	sub := substitutionFile(t)
	assert.Equal(t, []int{7}, sub.TemplatedPositions(9))
	assert.Equal(t, []int{10}, sub.TemplatedPositions(16))
}

func TestSourceOnlySlices(t *testing.T) {
	f := loopFile(t)
	got := f.SourceOnlySlices()
	require.Len(t, got, 2)
	assert.Equal(t, "for", got[0].Tag)
	assert.Equal(t, "endfor", got[1].Tag)
}

func TestIsSourceSliceLiteral(t *testing.T) {
	f := loopFile(t)
	assert.True(t, f.IsSourceSliceLiteral(span{Start: 16, End: 17}))
	assert.False(t, f.IsSourceSliceLiteral(span{Start: 0, End: 17}))
	assert.False(t, f.IsSourceSliceLiteral(span{Start: 16, End: 20}))
	assert.True(t, f.IsSourceSliceLiteral(span{Start: 5, End: 5}))
}

func TestRawSlicesSpanningSource(t *testing.T) {
	f := loopFile(t)

	got := f.RawSlicesSpanningSource(span{Start: 10, End: 20})
	assert.Len(t, got, 3)

	got = f.RawSlicesSpanningSource(span{Start: 16, End: 17})
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Raw)

	assert.Empty(t, f.RawSlicesSpanningSource(span{Start: 29, End: 29}))
}

func TestLineCol(t *testing.T) {
	f, err := templatedfile.New("x.sql", "a\n{{ b }}\nc", "a\nbbb\nc",
		[]sliced{
			ts(templatedfile.Literal, 0, 2, 0, 2),
			ts(templatedfile.Templated, 2, 9, 2, 5),
			ts(templatedfile.Literal, 9, 11, 5, 7),
		},
		[]raw{
			{Raw: "a\n", SliceType: templatedfile.Literal, SourceIdx: 0},
			{Raw: "{{ b }}", SliceType: templatedfile.Templated, SourceIdx: 2},
			{Raw: "\nc", SliceType: templatedfile.Literal, SourceIdx: 9},
		})
	require.NoError(t, err)

	line, col := f.SourceLineCol(10)
	assert.Equal(t, 3, line)
	assert.Equal(t, 1, col)

	line, col = f.TemplatedLineCol(4)
	assert.Equal(t, 2, line)
	assert.Equal(t, 3, col)
}

func TestNewUntemplated(t *testing.T) {
	for _, src := range []string{"SELECT 1\n", ""} {
		f := templatedfile.NewUntemplated("x.sql", src)
		assert.Equal(t, src, f.TemplatedStr())
		require.Len(t, f.SlicedFile(), 1)
		assert.Equal(t, templatedfile.Literal, f.SlicedFile()[0].SliceType)
		assert.Equal(t, span{Start: 0, End: len(src)}, f.SlicedFile()[0].TemplatedSlice)

		_, err := templatedfile.New(f.Name(), f.SourceStr(), f.TemplatedStr(), f.SlicedFile(), f.RawSliced())
		assert.NoError(t, err)
	}
}

func TestNewRejectsInconsistentSlices(t *testing.T) {
	goodRaw := []raw{
		{Raw: "ab", SliceType: templatedfile.Literal, SourceIdx: 0},
		{Raw: "{{ c }}", SliceType: templatedfile.Templated, SourceIdx: 2},
	}
	goodSliced := []sliced{
		ts(templatedfile.Literal, 0, 2, 0, 2),
		ts(templatedfile.Templated, 2, 9, 2, 3),
	}

	tests := []struct {
		name      string
		templated string
		sliced    []sliced
		raw       []raw
	}{
		{
			name:      "raw gap",
			templated: "abc",
			sliced:    goodSliced,
			raw: []raw{
				{Raw: "ab", SliceType: templatedfile.Literal, SourceIdx: 0},
				{Raw: "{{ c }}", SliceType: templatedfile.Templated, SourceIdx: 3},
			},
		},
		{
			name:      "raw does not rebuild source",
			templated: "abc",
			sliced:    goodSliced,
			raw: []raw{
				{Raw: "xy", SliceType: templatedfile.Literal, SourceIdx: 0},
				{Raw: "{{ c }}", SliceType: templatedfile.Templated, SourceIdx: 2},
			},
		},
		{
			name:      "templated gap",
			templated: "abc",
			sliced: []sliced{
				ts(templatedfile.Literal, 0, 2, 0, 2),
				ts(templatedfile.Templated, 2, 9, 3, 3),
			},
			raw: goodRaw,
		},
		{
			name:      "short of templated length",
			templated: "abcd",
			sliced:    goodSliced,
			raw:       goodRaw,
		},
		{
			name:      "literal text differs",
			templated: "xbc",
			sliced:    goodSliced,
			raw:       goodRaw,
		},
		{
			name:      "literal without source",
			templated: "abc",
			sliced: []sliced{
				ts(templatedfile.Literal, 0, 0, 0, 0),
				ts(templatedfile.Literal, 0, 2, 0, 2),
				ts(templatedfile.Templated, 2, 9, 2, 3),
			},
			raw: goodRaw,
		},
		{
			name:      "source range out of bounds",
			templated: "abc",
			sliced: []sliced{
				ts(templatedfile.Literal, 0, 2, 0, 2),
				ts(templatedfile.Templated, 2, 90, 2, 3),
			},
			raw: goodRaw,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := templatedfile.New("x.sql", "ab{{ c }}", tt.templated, tt.sliced, tt.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, templatedfile.ErrInconsistent)
		})
	}
}
