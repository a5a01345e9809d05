package jinja

import (
	"fmt"

	"github.com/walteh/sqltmpl/pkg/position"
)

// Pos locates a node in template source. Line and Col are one-based.
type Pos struct {
	Offset int
	Line   int
	Col    int
}

func (p Pos) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Col)
}

func posAt(idx *position.Index, offset int) Pos {
	line, col := idx.LineCol(offset)
	return Pos{Offset: offset, Line: line, Col: col}
}

// SyntaxError reports a template that cannot be parsed.
type SyntaxError struct {
	Message string
	Pos
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s (line %d)", e.Message, e.Line)
}

func newSyntaxError(src string, offset int, format string, args ...any) *SyntaxError {
	return &SyntaxError{
		Message: fmt.Sprintf(format, args...),
		Pos:     posAt(position.NewIndex(src), offset),
	}
}

// UndefinedError is raised when a value that could not be resolved has to be
// turned into output.
type UndefinedError struct {
	Name string
	Pos
}

func (e *UndefinedError) Error() string {
	return fmt.Sprintf("'%s' is undefined", e.Name)
}

// RuntimeError is any failure while rendering a parsed template: type errors,
// failing callables, missing templates or runaway recursion.
type RuntimeError struct {
	Message string
	Pos
	Err error
}

func (e *RuntimeError) Error() string {
	return e.Message
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}
