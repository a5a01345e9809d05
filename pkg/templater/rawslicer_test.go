package templater

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tf "github.com/walteh/sqltmpl/pkg/templatedfile"
)

const macroCallSQL = "{% macro render_name(title) %}\n" +
	"  '{{ title }}. foo' as {{ caller() }}\n" +
	"{% endmacro %}\n" +
	"SELECT\n" +
	"    {% call render_name('Sir') %}\n" +
	"        bar\n" +
	"    {% endcall %}\n" +
	"FROM baz\n"

type rawWant struct {
	raw string
	typ tf.SliceType
	idx int
}

func TestSliceRaw(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []rawWant
	}{
		{
			name: "plain text",
			src:  "foo",
			want: []rawWant{{"foo", tf.Literal, 0}},
		},
		{
			name: "substitution",
			src:  "foo {{bar}} z ",
			want: []rawWant{
				{"foo ", tf.Literal, 0},
				{"{{bar}}", tf.Templated, 4},
				{" z ", tf.Literal, 11},
			},
		},
		{
			name: "comment and loop",
			src:  "SELECT {# A comment #} {{field}} {% for i in [1, 3]%}, fld_{{i}}{% endfor %} FROM my_schema.{{my_table}} ",
			want: []rawWant{
				{"SELECT ", tf.Literal, 0},
				{"{# A comment #}", tf.Comment, 7},
				{" ", tf.Literal, 22},
				{"{{field}}", tf.Templated, 23},
				{" ", tf.Literal, 32},
				{"{% for i in [1, 3]%}", tf.BlockStart, 33},
				{", fld_", tf.Literal, 53},
				{"{{i}}", tf.Templated, 59},
				{"{% endfor %}", tf.BlockEnd, 64},
				{" FROM my_schema.", tf.Literal, 76},
				{"{{my_table}}", tf.Templated, 92},
				{" ", tf.Literal, 104},
			},
		},
		{
			name: "block assignment",
			src:  "{% set thing %}FOO{% endset %} BAR",
			want: []rawWant{
				{"{% set thing %}", tf.BlockStart, 0},
				{"FOO", tf.Literal, 15},
				{"{% endset %}", tf.BlockEnd, 18},
				{" BAR", tf.Literal, 30},
			},
		},
		{
			name: "block assignment with substitution",
			src:  "{% set my_query %}\nselect 1 from foobarfoobarfoobarfoobar_{{ \"dev\" }}\n{% endset %}\n{{ my_query }}\n",
			want: []rawWant{
				{"{% set my_query %}", tf.BlockStart, 0},
				{"\nselect 1 from foobarfoobarfoobarfoobar_", tf.Literal, 18},
				{"{{ \"dev\" }}", tf.Templated, 58},
				{"\n", tf.Literal, 69},
				{"{% endset %}", tf.BlockEnd, 70},
				{"\n", tf.Literal, 82},
				{"{{ my_query }}", tf.Templated, 83},
				{"\n", tf.Literal, 97},
			},
		},
		{
			name: "whitespace consuming tags",
			src:  "SELECT 1 FROM {%+if true-%} {{ref('foo')}} {%-endif%}",
			want: []rawWant{
				{"SELECT 1 FROM ", tf.Literal, 0},
				{"{%+if true-%}", tf.BlockStart, 14},
				{" ", tf.Literal, 27},
				{"{{ref('foo')}}", tf.Templated, 28},
				{" ", tf.Literal, 42},
				{"{%-endif%}", tf.BlockEnd, 43},
			},
		},
		{
			name: "consumed whitespace is its own slice",
			src:  "{% for item in some_list -%}\n    SELECT *\n    FROM some_table\n{{ \"UNION ALL\n\" if not loop.last }}\n{%- endfor %}",
			want: []rawWant{
				{"{% for item in some_list -%}", tf.BlockStart, 0},
				{"\n    ", tf.Literal, 28},
				{"SELECT *\n    FROM some_table\n", tf.Literal, 33},
				{"{{ \"UNION ALL\n\" if not loop.last }}", tf.Templated, 62},
				{"\n", tf.Literal, 97},
				{"{%- endfor %}", tf.BlockEnd, 98},
			},
		},
		{
			name: "trim on both sides",
			src:  "SELECT {%- set x = 42 %} 1 {%- if true -%} , 2{% endif -%}\n",
			want: []rawWant{
				{"SELECT", tf.Literal, 0},
				{" ", tf.Literal, 6},
				{"{%- set x = 42 %}", tf.Templated, 7},
				{" 1", tf.Literal, 24},
				{" ", tf.Literal, 26},
				{"{%- if true -%}", tf.BlockStart, 27},
				{" ", tf.Literal, 42},
				{", 2", tf.Literal, 43},
				{"{% endif -%}", tf.BlockEnd, 46},
				{"\n", tf.Literal, 58},
			},
		},
		{
			name: "macro and call",
			src:  macroCallSQL,
			want: []rawWant{
				{"{% macro render_name(title) %}", tf.BlockStart, 0},
				{"\n  '", tf.Literal, 30},
				{"{{ title }}", tf.Templated, 34},
				{". foo' as ", tf.Literal, 45},
				{"{{ caller() }}", tf.Templated, 55},
				{"\n", tf.Literal, 69},
				{"{% endmacro %}", tf.BlockEnd, 70},
				{"\nSELECT\n    ", tf.Literal, 84},
				{"{% call render_name('Sir') %}", tf.BlockStart, 96},
				{"\n        bar\n    ", tf.Literal, 125},
				{"{% endcall %}", tf.BlockEnd, 142},
				{"\nFROM baz\n", tf.Literal, 155},
			},
		},
		{
			name: "statements that are not blocks",
			src:  "{% do x.append(1) %}{% include 'a.sql' %}{% from 'm' import f %}{% import 'm' as m %}{% set a = 1 %}",
			want: []rawWant{
				{"{% do x.append(1) %}", tf.Templated, 0},
				{"{% include 'a.sql' %}", tf.Templated, 20},
				{"{% from 'm' import f %}", tf.Templated, 41},
				{"{% import 'm' as m %}", tf.Templated, 64},
				{"{% set a = 1 %}", tf.Templated, 85},
			},
		},
		{
			name: "raw block",
			src:  "{% raw %}{{ x }}{% endraw %}",
			want: []rawWant{
				{"{% raw %}", tf.BlockStart, 0},
				{"{{ x }}", tf.Literal, 9},
				{"{% endraw %}", tf.BlockEnd, 16},
			},
		},
		{
			name: "empty source",
			src:  "",
			want: []rawWant{{"", tf.Literal, 0}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SliceRaw(tt.src)
			require.NoError(t, err)

			var have []rawWant
			var rebuilt strings.Builder
			for _, s := range got {
				have = append(have, rawWant{s.Raw, s.SliceType, s.SourceIdx})
				rebuilt.WriteString(s.Raw)
			}
			assert.Equal(t, tt.want, have)
			assert.Equal(t, tt.src, rebuilt.String())
		})
	}
}

func TestSliceRawSyntaxError(t *testing.T) {
	_, err := SliceRaw("SELECT {{foo} FROM jinja_error\n")
	require.Error(t, err)
}

func TestHasTopLevelAssign(t *testing.T) {
	tests := []struct {
		inner string
		want  bool
	}{
		{inner: "set x = 1", want: true},
		{inner: `set col= "col1"`, want: true},
		{inner: "set a, b = 1, 2", want: true},
		{inner: "set x", want: false},
		{inner: "set x | upper", want: false},
		{inner: "set x = y == 2", want: true},
		{inner: "set ns.x", want: false},
		{inner: `set x = "a=b"`, want: true},
		{inner: `set x | replace("=", "")`, want: false},
		{inner: "set x | default(y <= 1)", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.inner, func(t *testing.T) {
			assert.Equal(t, tt.want, hasTopLevelAssign(tt.inner))
		})
	}
}

func TestAnalyze(t *testing.T) {
	// 0 for, 1 a, 2 if, 3 b, 4 elif, 5 c, 6 else, 7 d, 8 endif, 9 endfor
	rs, err := sliceRaw("{% for i in x %}a{% if i %}b{% elif j %}c{% else %}d{% endif %}{% endfor %}")
	require.NoError(t, err)
	require.Len(t, rs.slices, 10)

	assert.Equal(t, []int{9}, rs.info[0].jumps)
	assert.Equal(t, []int{4}, rs.info[2].jumps)
	assert.Equal(t, []int{6}, rs.info[4].jumps)
	assert.Equal(t, []int{8}, rs.info[6].jumps)
	assert.Equal(t, []int{1}, rs.info[9].jumps)

	assert.Equal(t, 2, rs.info[4].opener)
	assert.Equal(t, 2, rs.info[8].opener)
	assert.Equal(t, 0, rs.info[9].opener)
	assert.Equal(t, -1, rs.info[1].opener)

	assert.Equal(t, []int{10, 1}, rs.successors(9))
	assert.Equal(t, []int{0}, rs.successors(-1))
	assert.Nil(t, rs.successors(10))
}

func TestAnalyzeLoopElse(t *testing.T) {
	// 0 for, 1 a, 2 else, 3 b, 4 endfor
	rs, err := sliceRaw("{% for i in x %}a{% else %}b{% endfor %}")
	require.NoError(t, err)

	assert.Equal(t, []int{2}, rs.info[0].jumps)
	assert.Equal(t, []int{4}, rs.info[1].jumps)
	assert.Equal(t, []int{1}, rs.info[4].jumps)
}

func TestAnalyzeRegions(t *testing.T) {
	// 0 set, 1 a, 2 if, 3 b, 4 endif, 5 endset, 6 block, 7 c, 8 endblock, 9 d
	rs, err := sliceRaw("{% set v %}a{% if x %}b{% endif %}{% endset %}{% block n %}c{% endblock %}d")
	require.NoError(t, err)
	require.Len(t, rs.slices, 10)

	want := []region{
		regionNone,
		regionCapture, regionCapture, regionCapture, regionCapture,
		regionNone, regionNone,
		regionBlock,
		regionNone, regionNone,
	}
	for i, r := range want {
		assert.Equal(t, r, rs.info[i].region, "slice %d", i)
	}

	// conditionals inside captured bodies get no edges
	assert.Empty(t, rs.info[2].jumps)
}

func TestEffectiveLength(t *testing.T) {
	rs, err := sliceRaw("a \n{%- if x -%}\n b{% endif %}")
	require.NoError(t, err)
	require.Len(t, rs.slices, 6)

	assert.Equal(t, "a", rs.slices[0].Raw)
	assert.Equal(t, 1, rs.info[0].effLen)
	assert.Equal(t, " \n", rs.slices[1].Raw)
	assert.Equal(t, 0, rs.info[1].effLen)
	assert.Equal(t, "\n ", rs.slices[3].Raw)
	assert.Equal(t, 0, rs.info[3].effLen)
	assert.Equal(t, "b", rs.slices[4].Raw)
	assert.Equal(t, 1, rs.info[4].effLen)
}
