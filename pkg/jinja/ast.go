package jinja

// Node is anything the parser produces. Offset is the byte offset of the node
// in its template source.
type Node interface {
	Offset() int
}

type node struct {
	off int
}

func (n node) Offset() int { return n.off }

// Stmt and Expr are kept as distinct interfaces so the parser cannot mix them
// up, even though both only expose Offset.
type Stmt interface {
	Node
	stmt()
}

type Expr interface {
	Node
	expr()
}

// statements

type Text struct {
	node
	Value string
}

type Output struct {
	node
	X Expr
}

type Branch struct {
	Cond Expr
	Body []Stmt
}

type If struct {
	node
	Branches []Branch
	Else     []Stmt
}

type For struct {
	node
	Targets []string
	Iter    Expr
	Filter  Expr
	// Recursive loops can call loop(items) to render the body again.
	Recursive bool
	Body      []Stmt
	Else      []Stmt
}

type Assign struct {
	node
	Targets []string
	Value   Expr
}

type AssignBlock struct {
	node
	Target  string
	Filters []*Filter
	Body    []Stmt
}

type Param struct {
	Name    string
	Default Expr
}

type MacroDef struct {
	node
	Name   string
	Params []Param
	Body   []Stmt
}

type CallBlock struct {
	node
	Call   *Call
	Params []Param
	Body   []Stmt
}

type BlockDef struct {
	node
	Name string
	Body []Stmt
}

type Include struct {
	node
	Template      Expr
	IgnoreMissing bool
}

type Import struct {
	node
	Template Expr
	Alias    string
}

type ImportName struct {
	Name  string
	Alias string
}

type FromImport struct {
	node
	Template Expr
	Names    []ImportName
}

type Do struct {
	node
	X Expr
}

type FilterBlock struct {
	node
	Filters []*Filter
	Body    []Stmt
}

type With struct {
	node
	Targets []string
	Values  []Expr
	Body    []Stmt
}

func (*Text) stmt()        {}
func (*Output) stmt()      {}
func (*If) stmt()          {}
func (*For) stmt()         {}
func (*Assign) stmt()      {}
func (*AssignBlock) stmt() {}
func (*MacroDef) stmt()    {}
func (*CallBlock) stmt()   {}
func (*BlockDef) stmt()    {}
func (*Include) stmt()     {}
func (*Import) stmt()      {}
func (*FromImport) stmt()  {}
func (*Do) stmt()          {}
func (*FilterBlock) stmt() {}
func (*With) stmt()        {}

// expressions

type Const struct {
	node
	Value any
}

type Name struct {
	node
	Name string
}

type ListLit struct {
	node
	Items []Expr
}

type TupleLit struct {
	node
	Items []Expr
}

type DictLit struct {
	node
	Keys   []Expr
	Values []Expr
}

type GetAttr struct {
	node
	X    Expr
	Attr string
}

type GetItem struct {
	node
	X   Expr
	Key Expr
}

type SliceExpr struct {
	node
	X    Expr
	Low  Expr
	High Expr
	Step Expr
}

type Kwarg struct {
	Name  string
	Value Expr
}

type Call struct {
	node
	Fn     Expr
	Args   []Expr
	Kwargs []Kwarg
}

// Filter applies a named filter to X. X is nil inside filter blocks and
// block assignments, where the captured body is the input.
type Filter struct {
	node
	X      Expr
	Name   string
	Args   []Expr
	Kwargs []Kwarg
}

type Test struct {
	node
	X      Expr
	Name   string
	Args   []Expr
	Negate bool
}

type Unary struct {
	node
	Op string
	X  Expr
}

type Binary struct {
	node
	Op   string
	L, R Expr
}

type CondExpr struct {
	node
	Test, Then, Else Expr
}

func (*Const) expr()     {}
func (*Name) expr()      {}
func (*ListLit) expr()   {}
func (*TupleLit) expr()  {}
func (*DictLit) expr()   {}
func (*GetAttr) expr()   {}
func (*GetItem) expr()   {}
func (*SliceExpr) expr() {}
func (*Call) expr()      {}
func (*Filter) expr()    {}
func (*Test) expr()      {}
func (*Unary) expr()     {}
func (*Binary) expr()    {}
func (*CondExpr) expr()  {}
