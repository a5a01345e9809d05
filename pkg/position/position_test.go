package position_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/walteh/sqltmpl/pkg/position"
)

func TestGetLineAndColumn(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		pos      int
		wantLine int
		wantCol  int
	}{
		{
			name:     "empty text",
			text:     "",
			pos:      0,
			wantLine: 1,
			wantCol:  1,
		},
		{
			name:     "single line, first position",
			text:     "Hello, World! ",
			pos:      2,
			wantLine: 1,
			wantCol:  3,
		},
		{
			name:     "multiple lines, second line",
			text:     "Hello\nWorld\nTest zzz",
			pos:      8,
			wantLine: 2,
			wantCol:  3,
		},
		{
			name:     "offset on the newline itself",
			text:     "ab\ncd",
			pos:      2,
			wantLine: 1,
			wantCol:  3,
		},
		{
			name:     "start of a line",
			text:     "ab\ncd",
			pos:      3,
			wantLine: 2,
			wantCol:  1,
		},
		{
			name:     "multi byte characters count once",
			text:     "SELECT 'é' {{x}}",
			pos:      len("SELECT 'é' "),
			wantLine: 1,
			wantCol:  12,
		},
		{
			name:     "past the end is clamped",
			text:     "abc",
			pos:      10,
			wantLine: 1,
			wantCol:  4,
		},
		{
			name:     "jinja template",
			text:     "SELECT\n    {{ condition }}\nFROM tbl",
			pos:      14,
			wantLine: 2,
			wantCol:  8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotLine, gotCol := position.GetLineAndColumn(tt.text, tt.pos)
			assert.Equal(t, tt.wantLine, gotLine, "line")
			assert.Equal(t, tt.wantCol, gotCol, "column")
		})
	}
}

func TestIndex_Offset(t *testing.T) {
	idx := position.NewIndex("one\ntwo\nthree")

	assert.Equal(t, 3, idx.Lines())
	assert.Equal(t, 0, idx.Offset(1, 1))
	assert.Equal(t, 5, idx.Offset(2, 2))
	assert.Equal(t, 13, idx.Offset(9, 1))

	r := idx.Range(4, 7)
	assert.Equal(t, position.Place{Line: 2, Character: 1}, r.Start)
	assert.Equal(t, position.Place{Line: 2, Character: 4}, r.End)
}
