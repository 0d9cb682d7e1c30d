package operators

import (
	"sort"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
)

// CompareValues orders two rows of one column. Nulls compare lower than any
// value.
func CompareValues(col arrow.Array, i, j int) int {
	ni, nj := col.IsNull(i), col.IsNull(j)
	switch {
	case ni && nj:
		return 0
	case ni:
		return -1
	case nj:
		return 1
	}

	switch arr := col.(type) {
	case *array.String:
		return compareOrdered(arr.Value(i), arr.Value(j))
	case *array.LargeString:
		return compareOrdered(arr.Value(i), arr.Value(j))
	case *array.Int8:
		return compareOrdered(arr.Value(i), arr.Value(j))
	case *array.Int16:
		return compareOrdered(arr.Value(i), arr.Value(j))
	case *array.Int32:
		return compareOrdered(arr.Value(i), arr.Value(j))
	case *array.Int64:
		return compareOrdered(arr.Value(i), arr.Value(j))
	case *array.Uint8:
		return compareOrdered(arr.Value(i), arr.Value(j))
	case *array.Uint16:
		return compareOrdered(arr.Value(i), arr.Value(j))
	case *array.Uint32:
		return compareOrdered(arr.Value(i), arr.Value(j))
	case *array.Uint64:
		return compareOrdered(arr.Value(i), arr.Value(j))
	case *array.Float32:
		return compareOrdered(arr.Value(i), arr.Value(j))
	case *array.Float64:
		return compareOrdered(arr.Value(i), arr.Value(j))
	case *array.Boolean:
		vi, vj := arr.Value(i), arr.Value(j)
		if vi == vj {
			return 0
		}
		if !vi && vj {
			return -1
		}
		return 1
	case *array.Null:
		return 0
	default:
		return compareOrdered(col.ValueStr(i), col.ValueStr(j))
	}
}

func compareOrdered[T ~string | ~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// ArgSort returns the stable ordering of rows by the key columns. Ascending
// keys put nulls first; a reversed key flips the whole ordering of that key so
// nulls come last.
func ArgSort(names []string, keys []arrow.Array, reverse []bool, rows int) ([]int, error) {
	if err := CheckKeyColumns("sort", names, keys); err != nil {
		return nil, err
	}
	idx := make([]int, rows)
	for i := range idx {
		idx[i] = i
	}
	sortIndexVector(idx, keys, reverse)
	return idx, nil
}

// SortIndices orders the given row positions in place by one column.
func SortIndices(idx []int, col arrow.Array, reverse bool) {
	sortIndexVector(idx, []arrow.Array{col}, []bool{reverse})
}

func sortIndexVector(idVec []int, keyColumns []arrow.Array, reverse []bool) {
	sort.SliceStable(idVec, func(a, b int) bool {
		i, j := idVec[a], idVec[b]
		for k, col := range keyColumns {
			cmp := CompareValues(col, i, j)
			if cmp == 0 {
				continue
			}
			if k < len(reverse) && reverse[k] {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}
