// Package diff explains test mismatches between large values.
package diff

import (
	"strings"

	"github.com/k0kubun/pp/v3"
	"github.com/kylelemons/godebug/diff"
)

// Explain returns a line diff turning got into want, or "" when both print
// the same.
func Explain[T any](want T, got T) string {
	printer := pp.New()
	printer.SetColoringEnabled(false)

	d := diff.Diff(printer.Sprint(got), printer.Sprint(want))
	if d == "" {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("\n\nto turn ACTUAL into EXPECTED:\n\n")
	sb.WriteString("add:    +\n")
	sb.WriteString("remove: -\n\n")
	sb.WriteString(d)
	return sb.String()
}
