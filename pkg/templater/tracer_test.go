package templater

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tf "github.com/walteh/sqltmpl/pkg/templatedfile"
)

var testMarkers = markers{open: '\uE000', close: '\uE001'}

func TestPickMarkers(t *testing.T) {
	tests := []struct {
		name  string
		texts []string
		want  markers
	}{
		{
			name: "nothing reserved",
			want: testMarkers,
		},
		{
			name:  "ordinary text",
			texts: []string{"SELECT 1", "héllo ✓"},
			want:  testMarkers,
		},
		{
			name:  "source uses the first code point",
			texts: []string{"a\uE000b", ""},
			want:  markers{open: '\uE001', close: '\uE002'},
		},
		{
			name:  "render uses code points the source does not",
			texts: []string{"\uE001", "x\uE000\uE002y"},
			want:  markers{open: '\uE003', close: '\uE004'},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pickMarkers(tt.texts...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPickMarkersSpansRanges(t *testing.T) {
	var b strings.Builder
	for r := rune(0xE000); r <= 0xF8FF; r++ {
		b.WriteRune(r)
	}
	got, err := pickMarkers(b.String())
	require.NoError(t, err)
	assert.Equal(t, markers{open: 0xF0000, close: 0xF0001}, got)
}

func TestDecodeWithShiftedMarkers(t *testing.T) {
	rs, err := sliceRaw("SELECT {{ a }}")
	require.NoError(t, err)

	m := markers{open: '\uE001', close: '\uE002'}
	out := m.fixed(0, 7) + m.content(1) + "x\uE000y"
	events, err := decode(out, rs, m)
	require.NoError(t, err)
	assert.Equal(t, []event{{slice: 0, length: 7}, {slice: 1, length: 5}}, events)
}

func TestInstrument(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "literals and substitutions",
			src:  "SELECT {{ a }}{% if b %}x{% endif %}",
			want: testMarkers.fixed(0, 7) +
				testMarkers.content(1) + "{{ a }}" +
				testMarkers.fixed(2, 0) + "{% if b %}" +
				testMarkers.fixed(3, 1) +
				"{% endif %}" + testMarkers.fixed(4, 0),
		},
		{
			name: "loop end marks every iteration",
			src:  "{% for i in x %}a{% endfor %}",
			want: testMarkers.fixed(0, 0) + "{% for i in x %}" +
				testMarkers.fixed(1, 1) +
				testMarkers.fixed(2, 0) + "{% endfor %}",
		},
		{
			name: "loop else",
			src:  "{% for i in x %}a{% else %}b{% endfor %}",
			want: testMarkers.fixed(0, 0) + "{% for i in x %}" +
				testMarkers.fixed(1, 1) +
				testMarkers.fixed(4, 0) + "{% else %}" + testMarkers.fixed(2, 0) +
				testMarkers.fixed(3, 1) +
				"{% endfor %}",
		},
		{
			name: "captured bodies stay untouched",
			src:  "{% set v %}a{{ b }}{% endset %}c",
			want: testMarkers.fixed(0, 0) + "{% set v %}a{{ b }}{% endset %}" + testMarkers.fixed(3, 0) +
				testMarkers.fixed(4, 1),
		},
		{
			name: "call output belongs to the call tag",
			src:  "{% call m() %}a{% endcall %}",
			want: testMarkers.content(0) + "{% call m() %}a{% endcall %}" + testMarkers.fixed(2, 0),
		},
		{
			name: "trimmed whitespace keeps its own marker",
			src:  "a \n{%- if x %}b{% endif %}",
			want: testMarkers.fixed(0, 1) + testMarkers.fixed(1, 0) +
				testMarkers.fixed(2, 0) + "{%- if x %}" +
				testMarkers.fixed(3, 1) +
				"{% endif %}" + testMarkers.fixed(4, 0),
		},
		{
			name: "comments carry no marker",
			src:  "a{# c #}",
			want: testMarkers.fixed(0, 1) + "{# c #}",
		},
		{
			name: "block tags stay bare",
			src:  "{% block b %}x{% endblock %}",
			want: "{% block b %}" + testMarkers.fixed(1, 1) + "{% endblock %}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs, err := sliceRaw(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, instrument(rs, testMarkers))
		})
	}
}

func TestDecode(t *testing.T) {
	rs, err := sliceRaw("SELECT {{ a }}{% if b %}x{% endif %}")
	require.NoError(t, err)

	out := testMarkers.fixed(0, 7) + testMarkers.content(1) + "abc" + testMarkers.fixed(2, 0) + testMarkers.fixed(3, 1) + testMarkers.fixed(4, 0)
	events, err := decode(out, rs, testMarkers)
	require.NoError(t, err)
	assert.Equal(t, []event{
		{slice: 0, length: 7},
		{slice: 1, length: 3},
		{slice: 2},
		{slice: 3, length: 1},
		{slice: 4},
	}, events)
	assert.Equal(t, 11, traceLength(events))

	events, err = decode(testMarkers.content(1)+"héllo", rs, testMarkers)
	require.NoError(t, err)
	assert.Equal(t, []event{{slice: 1, length: 6}}, events)
}

func TestDecodeDetached(t *testing.T) {
	// 0 block, 1 x, 2 endblock, 3 expression
	rs, err := sliceRaw("{% block b %}x{% endblock %}{{ self.b() ~ '!' }}")
	require.NoError(t, err)

	out := testMarkers.fixed(1, 1) + testMarkers.content(3) + testMarkers.fixed(1, 1) + "!"
	events, err := decode(out, rs, testMarkers)
	require.NoError(t, err)
	assert.Equal(t, []event{
		{slice: 1, length: 1, detached: true},
		{slice: 3},
		{slice: 1, length: 1, detached: true},
		{slice: 3, length: 1, detached: true},
	}, events)
}

func TestDecodeErrors(t *testing.T) {
	rs, err := sliceRaw("a{{ b }}")
	require.NoError(t, err)

	tests := []struct {
		name string
		out  string
	}{
		{name: "unattributed output", out: "x" + testMarkers.fixed(0, 1)},
		{name: "output after a fixed marker", out: testMarkers.fixed(0, 1) + "x"},
		{name: "stray terminator", out: "\uE001"},
		{name: "unterminated marker", out: "\uE0000_1"},
		{name: "malformed id", out: "\uE000x\uE001"},
		{name: "empty id", out: "\uE000\uE001"},
		{name: "empty length", out: "\uE0000_\uE001"},
		{name: "unknown slice", out: testMarkers.content(7)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decode(tt.out, rs, testMarkers)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInternalConsistency)
		})
	}
}

func TestMapSlicesWalksSkippedSlices(t *testing.T) {
	// 0 a, 1 if, 2 b, 3 endif, 4 c
	rs, err := sliceRaw("a{% if x %}b{% endif %}c")
	require.NoError(t, err)

	events := []event{
		{slice: 0, length: 1},
		{slice: 1},
		{slice: 3},
		{slice: 4, length: 1},
	}
	got := mapSlices(context.Background(), rs, events)

	want := []tf.TemplatedFileSlice{
		{SliceType: tf.Literal, SourceSlice: tf.Span{Start: 0, End: 1}, TemplatedSlice: tf.Span{Start: 0, End: 1}},
		{SliceType: tf.BlockStart, SourceSlice: tf.Span{Start: 1, End: 11}, TemplatedSlice: tf.Span{Start: 1, End: 1}},
		{SliceType: tf.BlockEnd, SourceSlice: tf.Span{Start: 12, End: 23}, TemplatedSlice: tf.Span{Start: 1, End: 1}},
		{SliceType: tf.Literal, SourceSlice: tf.Span{Start: 23, End: 24}, TemplatedSlice: tf.Span{Start: 1, End: 2}},
	}
	assert.Equal(t, want, got)
}

func TestMapSlicesFillsPlaceholders(t *testing.T) {
	// 0 a, 1 if, 2 b, 3 endif, 4 c
	rs, err := sliceRaw("a{% if x %}b{% endif %}c")
	require.NoError(t, err)

	// Nothing observed after the first literal: the walk still reaches the
	// end of the file through the shortest path.
	got := mapSlices(context.Background(), rs, []event{{slice: 0, length: 1}})
	require.Len(t, got, 4)
	assert.Equal(t, tf.BlockStart, got[1].SliceType)
	assert.Equal(t, tf.BlockEnd, got[2].SliceType)
	assert.Equal(t, tf.Literal, got[3].SliceType)
	assert.True(t, got[3].TemplatedSlice.Empty())
}

func TestMapSlicesMergesRepeatedPlaceholders(t *testing.T) {
	// 0 for, 1 endfor
	rs, err := sliceRaw("{% for i in x %}{% endfor %}")
	require.NoError(t, err)

	got := mapSlices(context.Background(), rs, []event{{slice: 0}, {slice: 1}, {slice: 1}, {slice: 1}})
	require.Len(t, got, 2)
	assert.Equal(t, tf.BlockStart, got[0].SliceType)
	assert.Equal(t, tf.BlockEnd, got[1].SliceType)
}
