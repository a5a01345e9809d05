package templater

import (
	"strings"

	"github.com/walteh/sqltmpl/pkg/jinja"
	tf "github.com/walteh/sqltmpl/pkg/templatedfile"
)

// region says how a slice is rendered relative to the place it appears in.
// Captured bodies (set blocks, macros, call and filter bodies) produce values
// rather than output, and {% block %} bodies are rendered both in place and
// wherever the block is referenced.
type region int

const (
	regionNone region = iota
	regionBlock
	regionCapture
)

var startKeywords = map[string]bool{
	"for":    true,
	"if":     true,
	"macro":  true,
	"call":   true,
	"block":  true,
	"filter": true,
	"raw":    true,
	"with":   true,
}

var captureKeywords = map[string]bool{
	"set":    true,
	"macro":  true,
	"call":   true,
	"filter": true,
}

type sliceInfo struct {
	// effLen is what a literal contributes to the output when rendered in
	// place. Whitespace eaten by a trimming tag has an effective length of 0.
	effLen int
	region region
	// jumps are control flow edges besides the fall through to the next slice.
	jumps []int
	// opener is the index of the tag opening the construct a block tag
	// belongs to; -1 for anything else.
	opener int
}

// construct is one balanced block: its opening tag, its mid tags and its end.
type construct struct {
	keyword string
	opener  int
	mids    []int
	end     int
}

type rawSlices struct {
	slices     []tf.RawFileSlice
	info       []sliceInfo
	constructs []*construct
	// constructOf maps a block tag index to the construct it belongs to.
	constructOf map[int]*construct
}

// SliceRaw splits src into a contiguous sequence of classified raw slices.
// Whitespace consumed by a neighbouring trimming tag becomes its own literal
// slice.
func SliceRaw(src string) ([]tf.RawFileSlice, error) {
	rs, err := sliceRaw(src)
	if err != nil {
		return nil, err
	}
	return rs.slices, nil
}

func sliceRaw(src string) (*rawSlices, error) {
	toks, err := jinja.Scan(src)
	if err != nil {
		return nil, err
	}

	rs := &rawSlices{constructOf: map[int]*construct{}}
	add := func(raw string, typ tf.SliceType, offset int, tag string, effLen int) {
		rs.slices = append(rs.slices, tf.RawFileSlice{Raw: raw, SliceType: typ, SourceIdx: offset, Tag: tag})
		rs.info = append(rs.info, sliceInfo{effLen: effLen, opener: -1})
	}

	for i, tok := range toks {
		switch tok.Kind {
		case jinja.TokenData:
			lead, core, trail := jinja.SplitTrimmed(toks, i)
			off := tok.Offset
			if lead != "" {
				add(lead, tf.Literal, off, "", 0)
				off += len(lead)
			}
			if core != "" {
				add(core, tf.Literal, off, "", len(core))
				off += len(core)
			}
			if trail != "" {
				add(trail, tf.Literal, off, "", 0)
			}
		case jinja.TokenVariable:
			add(tok.Raw, tf.Templated, tok.Offset, "", 0)
		case jinja.TokenComment:
			add(tok.Raw, tf.Comment, tok.Offset, "", 0)
		case jinja.TokenBlock:
			add(tok.Raw, classifyBlock(tok), tok.Offset, tok.Keyword, 0)
		}
	}

	if len(rs.slices) == 0 {
		add("", tf.Literal, 0, "", 0)
	}

	rs.analyze()
	return rs, nil
}

// analyzed runs the analysis passes over slices produced elsewhere.
func analyzed(raw []tf.RawFileSlice) *rawSlices {
	rs := &rawSlices{
		slices:      raw,
		info:        make([]sliceInfo, len(raw)),
		constructOf: map[int]*construct{},
	}
	for i := range rs.info {
		rs.info[i].opener = -1
	}
	rs.analyze()
	return rs
}

func classifyBlock(tok jinja.Token) tf.SliceType {
	kw := tok.Keyword
	switch {
	case startKeywords[kw]:
		return tf.BlockStart
	case kw == "set":
		if hasTopLevelAssign(tok.Inner) {
			return tf.Templated
		}
		return tf.BlockStart
	case kw == "else" || kw == "elif":
		return tf.BlockMid
	case strings.HasPrefix(kw, "end"):
		return tf.BlockEnd
	}
	return tf.Templated
}

// hasTopLevelAssign reports whether a set tag carries its value inline,
// `{% set x = 1 %}`, rather than opening a block assignment.
func hasTopLevelAssign(inner string) bool {
	depth := 0
	for i := 0; i < len(inner); i++ {
		c := inner[i]
		switch c {
		case '\'', '"':
			j := i + 1
			for j < len(inner) && inner[j] != c {
				if inner[j] == '\\' {
					j++
				}
				j++
			}
			i = j
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			if depth > 0 {
				depth--
			}
		case '=':
			if depth > 0 {
				continue
			}
			if i+1 < len(inner) && inner[i+1] == '=' {
				i++
				continue
			}
			if i > 0 && strings.IndexByte("=!<>", inner[i-1]) >= 0 {
				continue
			}
			return true
		}
	}
	return false
}

// analyze pairs block tags into constructs, marks captured and block
// regions and derives the control flow edges of loops and conditionals.
func (rs *rawSlices) analyze() {
	var stack []*construct
	for i, s := range rs.slices {
		switch s.SliceType {
		case tf.BlockStart:
			c := &construct{keyword: s.Tag, opener: i, end: -1}
			stack = append(stack, c)
			rs.constructs = append(rs.constructs, c)
			rs.constructOf[i] = c
		case tf.BlockMid:
			if len(stack) == 0 {
				continue
			}
			c := stack[len(stack)-1]
			c.mids = append(c.mids, i)
			rs.constructOf[i] = c
		case tf.BlockEnd:
			if len(stack) == 0 {
				continue
			}
			c := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			c.end = i
			rs.constructOf[i] = c
		}
	}

	for i, c := range rs.constructOf {
		rs.info[i].opener = c.opener
	}

	for _, c := range rs.constructs {
		if c.end < 0 {
			continue
		}
		var r region
		switch {
		case captureKeywords[c.keyword]:
			r = regionCapture
		case c.keyword == "block":
			r = regionBlock
		default:
			continue
		}
		for i := c.opener + 1; i < c.end; i++ {
			if rs.info[i].region < r {
				rs.info[i].region = r
			}
		}
	}

	for _, c := range rs.constructs {
		if c.end < 0 || rs.info[c.opener].region != regionNone {
			continue
		}
		switch c.keyword {
		case "if":
			prev := c.opener
			for _, m := range c.mids {
				rs.jump(prev, m)
				prev = m
			}
			rs.jump(prev, c.end)
		case "for":
			if e := c.elseIdx(); e >= 0 {
				rs.jump(c.opener, e)
				rs.jump(e-1, c.end)
			} else {
				rs.jump(c.opener, c.end)
			}
			rs.jump(c.end, c.opener+1)
		}
	}
}

func (rs *rawSlices) jump(from, to int) {
	rs.info[from].jumps = append(rs.info[from].jumps, to)
}

// elseIdx is the index of the else tag of a loop, or -1.
func (c *construct) elseIdx() int {
	if c.keyword == "for" && len(c.mids) > 0 {
		return c.mids[0]
	}
	return -1
}

// successors lists the slices control can move to from i; len(slices) is
// the end of the file.
func (rs *rawSlices) successors(i int) []int {
	n := len(rs.slices)
	if i < 0 {
		return []int{0}
	}
	if i >= n {
		return nil
	}
	return append([]int{i + 1}, rs.info[i].jumps...)
}
