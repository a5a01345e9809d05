package templater

import (
	"strconv"

	"github.com/google/uuid"
	tf "github.com/walteh/sqltmpl/pkg/templatedfile"
)

// GroupBlocks stamps every block slice with the identity of the raw tag that
// produced it and of the construct that tag belongs to. Identities are name
// based UUIDs derived from the file name and source positions, so the same
// file always yields the same ids.
func GroupBlocks(fname string, raw []tf.RawFileSlice, sliced []tf.TemplatedFileSlice) []tf.TemplatedFileSlice {
	return analyzed(raw).groupBlocks(fname, sliced)
}

func (rs *rawSlices) groupBlocks(fname string, sliced []tf.TemplatedFileSlice) []tf.TemplatedFileSlice {
	ns := uuid.NewSHA1(uuid.NameSpaceURL, []byte(fname))
	id := func(s tf.RawFileSlice) uuid.UUID {
		return uuid.NewSHA1(ns, []byte(strconv.Itoa(s.SourceIdx)+":"+strconv.Itoa(s.End())))
	}

	byStart := make(map[int]int, len(rs.slices))
	for i, s := range rs.slices {
		if s.SliceType.IsBlock() {
			byStart[s.SourceIdx] = i
		}
	}

	out := make([]tf.TemplatedFileSlice, len(sliced))
	for i, s := range sliced {
		out[i] = s
		if !s.SliceType.IsBlock() {
			continue
		}
		r, ok := byStart[s.SourceSlice.Start]
		if !ok {
			continue
		}
		// unbalanced tags are their own construct
		opener := rs.info[r].opener
		if opener < 0 {
			opener = r
		}
		out[i].Group = id(rs.slices[r])
		out[i].Construct = id(rs.slices[opener])
	}
	return out
}
