package diagnostic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fatih/color"
	"gitlab.com/tozd/go/errors"
)

// TemplatingRuleCode is the rule code carried by every violation the
// templater reports.
const TemplatingRuleCode = "templating"

// Diagnostics represents diagnostic information that can be formatted in different ways
type Diagnostics struct {
	File     string
	Errors   []Diagnostic
	Warnings []Diagnostic
	Hints    []Diagnostic
}

// Diagnostic represents a single diagnostic message. Line and Column are
// one-based.
type Diagnostic struct {
	RuleCode string
	Message  string
	Line     int
	Column   int
	EndLine  int
	EndCol   int
	Severity DiagnosticSeverity
}

// DiagnosticSeverity represents the severity level of a diagnostic
type DiagnosticSeverity string

const (
	Error   DiagnosticSeverity = "error"
	Warning DiagnosticSeverity = "warning"
	Info    DiagnosticSeverity = "info"
	Hint    DiagnosticSeverity = "hint"
)

// NewTemplating builds an error-level templating violation at a one-based
// line and column.
func NewTemplating(message string, line, col int) Diagnostic {
	return Diagnostic{
		RuleCode: TemplatingRuleCode,
		Message:  message,
		Line:     line,
		Column:   col,
		EndLine:  line,
		EndCol:   col,
		Severity: Error,
	}
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("L:%d P:%d %s %s", d.Line, d.Column, d.RuleCode, d.Message)
}

// Collect files diagnostics by severity.
func Collect(file string, diags ...Diagnostic) *Diagnostics {
	out := &Diagnostics{File: file}
	for _, d := range diags {
		out.Add(d)
	}
	return out
}

func (me *Diagnostics) Add(d Diagnostic) {
	switch d.Severity {
	case Warning:
		me.Warnings = append(me.Warnings, d)
	case Info, Hint:
		me.Hints = append(me.Hints, d)
	default:
		me.Errors = append(me.Errors, d)
	}
}

func (me *Diagnostics) Len() int {
	return len(me.Errors) + len(me.Warnings) + len(me.Hints)
}

// All returns every diagnostic ordered by position.
func (me *Diagnostics) All() []Diagnostic {
	all := make([]Diagnostic, 0, me.Len())
	all = append(all, me.Errors...)
	all = append(all, me.Warnings...)
	all = append(all, me.Hints...)
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Line != all[j].Line {
			return all[i].Line < all[j].Line
		}
		return all[i].Column < all[j].Column
	})
	return all
}

// Formatter formats diagnostics into different output formats
type Formatter interface {
	// Format formats diagnostics into a specific output format
	Format(diagnostics *Diagnostics) ([]byte, error)
}

// NewFormatter returns the formatter registered under name.
func NewFormatter(name string, colorize bool) (Formatter, error) {
	switch name {
	case "", "text":
		return &TextFormatter{Color: colorize}, nil
	case "vscode", "json":
		return NewVSCodeFormatter(), nil
	}
	return nil, errors.Errorf("unknown format %q", name)
}

// TextFormatter prints one line per diagnostic, sqlfluff style.
type TextFormatter struct {
	Color bool
}

func (f *TextFormatter) Format(diagnostics *Diagnostics) ([]byte, error) {
	if diagnostics == nil {
		return nil, errors.Errorf("diagnostics is nil")
	}

	var buf bytes.Buffer
	if diagnostics.Len() == 0 {
		return buf.Bytes(), nil
	}

	header := fmt.Sprintf("== [%s] FAIL", diagnostics.File)
	if f.Color {
		header = color.New(color.FgRed, color.Bold).Sprint(header)
	}
	buf.WriteString(header + "\n")

	for _, d := range diagnostics.All() {
		code := d.RuleCode
		if f.Color {
			code = color.New(color.FgHiBlue).Sprint(code)
		}
		fmt.Fprintf(&buf, "L:%4d | P:%4d | %s | %s\n", d.Line, d.Column, code, d.Message)
	}

	return buf.Bytes(), nil
}

// VSCodeFormatter formats diagnostics into VSCode-compatible format
type VSCodeFormatter struct{}

// NewVSCodeFormatter creates a new VSCodeFormatter
func NewVSCodeFormatter() *VSCodeFormatter {
	return &VSCodeFormatter{}
}

type vscodePlace struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

type vscodeRange struct {
	Start vscodePlace `json:"start"`
	End   vscodePlace `json:"end"`
}

type vscodeDiagnostic struct {
	Severity int         `json:"severity"`
	Source   string      `json:"source,omitempty"`
	Code     string      `json:"code,omitempty"`
	Message  string      `json:"message"`
	Range    vscodeRange `json:"range"`
}

func toVSCode(d Diagnostic, severity int) vscodeDiagnostic {
	// VSCode is 0-based
	return vscodeDiagnostic{
		Severity: severity,
		Source:   "sqltmpl",
		Code:     d.RuleCode,
		Message:  d.Message,
		Range: vscodeRange{
			Start: vscodePlace{Line: d.Line - 1, Character: d.Column - 1},
			End:   vscodePlace{Line: d.EndLine - 1, Character: d.EndCol - 1},
		},
	}
}

// Format implements Formatter
func (f *VSCodeFormatter) Format(diagnostics *Diagnostics) ([]byte, error) {
	if diagnostics == nil {
		return nil, errors.Errorf("diagnostics is nil")
	}

	result := []vscodeDiagnostic{}

	for _, d := range diagnostics.Errors {
		result = append(result, toVSCode(d, 1))
	}
	for _, d := range diagnostics.Warnings {
		result = append(result, toVSCode(d, 2))
	}
	for _, d := range diagnostics.Hints {
		result = append(result, toVSCode(d, 4))
	}

	return json.Marshal(result)
}
