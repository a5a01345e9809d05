package diagnostic_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/walteh/sqltmpl/pkg/diagnostic"
)

func TestVSCodeFormatter(t *testing.T) {
	diags := diagnostic.Collect("query.sql",
		diagnostic.NewTemplating("Undefined jinja template variable: 'condition'", 3, 7),
		diagnostic.Diagnostic{Message: "heads up", Line: 1, Column: 1, EndLine: 1, EndCol: 4, Severity: diagnostic.Warning},
	)

	out, err := diagnostic.NewVSCodeFormatter().Format(diags)
	require.NoError(t, err, "formatting should succeed")

	var got []map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	require.Len(t, got, 2)

	assert.EqualValues(t, 1, got[0]["severity"])
	assert.Equal(t, "templating", got[0]["code"])
	rng := got[0]["range"].(map[string]any)
	start := rng["start"].(map[string]any)
	assert.EqualValues(t, 2, start["line"])
	assert.EqualValues(t, 6, start["character"])

	assert.EqualValues(t, 2, got[1]["severity"])
}

func TestTextFormatter(t *testing.T) {
	tests := []struct {
		name  string
		diags []diagnostic.Diagnostic
		want  string
	}{
		{
			name: "no diagnostics",
			want: "",
		},
		{
			name: "ordered by position",
			diags: []diagnostic.Diagnostic{
				diagnostic.NewTemplating("second", 4, 1),
				diagnostic.NewTemplating("first", 2, 9),
			},
			want: "== [a.sql] FAIL\n" +
				"L:   2 | P:   9 | templating | first\n" +
				"L:   4 | P:   1 | templating | second\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := diagnostic.NewFormatter("text", false)
			require.NoError(t, err)
			out, err := f.Format(diagnostic.Collect("a.sql", tt.diags...))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestNewFormatter_Unknown(t *testing.T) {
	_, err := diagnostic.NewFormatter("xml", false)
	assert.Error(t, err)
}
