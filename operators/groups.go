package operators

import (
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
)

// GroupsProxy holds the row indices of every group in first-seen order. The
// union of all groups is a partition of [0, rows).
type GroupsProxy struct {
	Groups [][]int
}

// SingleGroup puts every row into one group. Used for whole-table aggregation.
func SingleGroup(rows int) *GroupsProxy {
	idx := make([]int, rows)
	for i := range idx {
		idx[i] = i
	}
	return &GroupsProxy{Groups: [][]int{idx}}
}

func (g *GroupsProxy) Len() int { return len(g.Groups) }

// RowToGroup returns, for every row, the position of its group.
func (g *GroupsProxy) RowToGroup(rows int) []int {
	out := make([]int, rows)
	for gi, idx := range g.Groups {
		for _, r := range idx {
			out[r] = gi
		}
	}
	return out
}

// FirstIndices returns the first row of every group.
func (g *GroupsProxy) FirstIndices() []int {
	out := make([]int, len(g.Groups))
	for i, idx := range g.Groups {
		if len(idx) == 0 {
			out[i] = -1
			continue
		}
		out[i] = idx[0]
	}
	return out
}

// CheckKeyColumns rejects list-typed columns for operations that need row
// equality (group-by, join, distinct, sort).
func CheckKeyColumns(op string, names []string, cols []arrow.Array) error {
	for i, c := range cols {
		if IsListType(c.DataType()) {
			name := ""
			if i < len(names) {
				name = names[i]
			}
			return ErrListNotComparable(op, name, c.DataType())
		}
	}
	return nil
}

// RowKey encodes the values of one row as a string. Every value is length
// prefixed and nulls get their own tag, so two rows produce the same key only
// when all values are equal (null equal to null).
func RowKey(cols []arrow.Array, row int) (string, bool) {
	var b strings.Builder
	hasNull := false
	for _, col := range cols {
		if col.IsNull(row) {
			hasNull = true
			b.WriteString("N;")
			continue
		}
		v := col.ValueStr(row)
		b.WriteByte('V')
		b.WriteString(strconv.Itoa(len(v)))
		b.WriteByte(':')
		b.WriteString(v)
	}
	return b.String(), hasNull
}

// BuildGroups hashes the key tuple of every row. A tuple containing nulls is
// grouped like any other value. Zero key columns yield a single group.
func BuildGroups(names []string, keys []arrow.Array, rows int) (*GroupsProxy, error) {
	if len(keys) == 0 {
		return SingleGroup(rows), nil
	}
	if err := CheckKeyColumns("group_by", names, keys); err != nil {
		return nil, err
	}
	for i, k := range keys {
		if k.Len() != rows {
			return nil, ErrShapef("group key %d has length %d, expected %d", i, k.Len(), rows)
		}
	}
	index := make(map[string]int, rows/4+1)
	groups := make([][]int, 0, rows/4+1)
	for r := 0; r < rows; r++ {
		key, _ := RowKey(keys, r)
		gi, ok := index[key]
		if !ok {
			gi = len(groups)
			index[key] = gi
			groups = append(groups, nil)
		}
		groups[gi] = append(groups[gi], r)
	}
	return &GroupsProxy{Groups: groups}, nil
}
