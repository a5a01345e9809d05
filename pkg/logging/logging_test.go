package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/walteh/sqltmpl/pkg/logging"
)

func TestSplitFuncName(t *testing.T) {
	tests := []struct {
		name     string
		pkg      string
		function string
	}{
		{name: "github.com/walteh/sqltmpl/pkg/templater.New", pkg: "github.com/walteh/sqltmpl/pkg/templater", function: "New"},
		{name: "github.com/walteh/sqltmpl/pkg/templater.(*Templater).Process", pkg: "github.com/walteh/sqltmpl/pkg/templater", function: "(*Templater).Process"},
		{name: "main.main", pkg: "main", function: "main"},
		{name: "nodot", pkg: "nodot", function: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkg, function := logging.SplitFuncName(tt.name)
			assert.Equal(t, tt.pkg, pkg)
			assert.Equal(t, tt.function, function)
		})
	}
}

func TestFormatCaller(t *testing.T) {
	assert.Equal(t, "example.com/a:file.go:12", logging.FormatCaller("example.com/a", "/src/a/file.go", 12, false))
	assert.Equal(t, "p:f.go:1", logging.FormatCaller("p", "f.go", 1, false))
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(&buf, logging.Options{JSON: true})

	log.Debug().Msg("hidden")
	assert.Empty(t, buf.String())

	log.Info().Str("file", "a.sql").Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "a.sql", entry["file"])
	assert.Contains(t, entry["caller"], "logging_test.go")
	assert.NotEmpty(t, entry["time"])
}

func TestNewDebugConsole(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(&buf, logging.Options{Debug: true})

	log.Debug().Msg("visible")
	assert.Contains(t, buf.String(), "visible")
	assert.NotContains(t, buf.String(), "\x1b[")
}
