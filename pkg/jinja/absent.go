package jinja

// Op names the operators an AbsentValue absorbs.
type Op int

const (
	OpAdd Op = iota
	OpSub
	OpMul
	OpDiv
	OpFloorDiv
	OpMod
	OpPow
	OpConcat
	OpLShift
	OpRShift
	OpNeg
	OpPos
	OpInvert
	OpIndex
	OpAttr
	OpCall
)

var binaryOps = map[string]Op{
	"+":  OpAdd,
	"-":  OpSub,
	"*":  OpMul,
	"/":  OpDiv,
	"//": OpFloorDiv,
	"%":  OpMod,
	"**": OpPow,
	"~":  OpConcat,
}

// AbsentValue stands in for a name the render context could not resolve.
// Every operation on it yields the same instance so rendering can carry on;
// only Materialize fails.
type AbsentValue struct {
	Name string
	Pos  Pos
	// Silent absent values render as the empty string. They come from missing
	// attributes of defined values and from conditional expressions without
	// an else branch.
	Silent bool
}

func NewAbsent(name string, pos Pos) *AbsentValue {
	return &AbsentValue{Name: name, Pos: pos}
}

func silentAbsent(name string) *AbsentValue {
	return &AbsentValue{Name: name, Silent: true}
}

// Apply absorbs an arithmetic, bitwise, index, attribute or call operation.
// The operand is ignored.
func (a *AbsentValue) Apply(op Op, operand ...any) *AbsentValue {
	return a
}

// Compare answers every comparison, equality and inequality alike, with true.
func (a *AbsentValue) Compare(op string, other any) bool {
	return true
}

func (a *AbsentValue) Truth() bool {
	return true
}

// Iter yields the value itself exactly once.
func (a *AbsentValue) Iter() []any {
	return []any{a}
}

func (a *AbsentValue) Len() int {
	return 0
}

// Materialize converts the value to output text. For a non-silent value this
// always fails with an *UndefinedError positioned at pos.
func (a *AbsentValue) Materialize(pos Pos) (string, error) {
	if a.Silent {
		return "", nil
	}
	return "", &UndefinedError{Name: a.Name, Pos: pos}
}
