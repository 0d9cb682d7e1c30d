package join

import (
	"bytes"
	"context"
	"fmt"
	"opti-frame-go/Expr"
	"opti-frame-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/compute"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidJoinClauseCount = func(l, r int) error {
		return operators.ErrShapef("mismatched number of join expressions between left and right, left: %d vs right: %d", l, r)
	}
	ErrJoinKeyTypes = func(l, r Expr.Expression, lt, rt arrow.DataType) error {
		return operators.ErrTypef("join keys %s (%s) and %s (%s) have different types", l, lt, r, rt)
	}
	ErrDuplicateJoinColumn = func(name string) error {
		return operators.ErrInvalidSchema("join produces column " + name + " twice")
	}
)

var (
	_ = (operators.Operator)(&HashJoinExec{})
)

// RightSuffix is appended to right columns whose name is taken by the left.
const RightSuffix = "_right"

type JoinType int

const (
	InnerJoin JoinType = iota
	LeftJoin
	OuterJoin
)

func (j JoinType) String() string {
	switch j {
	case InnerJoin:
		return "inner"
	case LeftJoin:
		return "left"
	case OuterJoin:
		return "outer"
	default:
		return "unknown"
	}
}

// taking in arrays of expressions allows for multiple join clauses
// Example: JOIN t2 ON t1.region = t2.region AND t1.city = t2.city
type JoinClause struct {
	leftS  []Expr.Expression
	rightS []Expr.Expression
}

func NewJoinClause(leftS, rightS []Expr.Expression) JoinClause {
	return JoinClause{leftS: leftS, rightS: rightS}
}

func (j *JoinClause) Left() []Expr.Expression  { return j.leftS }
func (j *JoinClause) Right() []Expr.Expression { return j.rightS }

func (j *JoinClause) String() string {
	var b bytes.Buffer
	for i := 0; i < len(j.leftS) && i < len(j.rightS); i++ {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(j.leftS[i].String())
		b.WriteString(" = ")
		b.WriteString(j.rightS[i].String())
	}
	return b.String()
}

// KeyColumn names the column a join key reads when the key is a plain column,
// possibly behind the casts added by type coercion.
func KeyColumn(e Expr.Expression) (string, bool) {
	for {
		switch k := e.(type) {
		case *Expr.ColumnResolve:
			return k.Name, true
		case *Expr.CastExpr:
			e = k.Expr
		default:
			return "", false
		}
	}
}

// rightKeyColumns are the right columns consumed by the join keys; they are
// not repeated in the output.
func (j *JoinClause) rightKeyColumns() map[string]int {
	out := make(map[string]int, len(j.rightS))
	for i, e := range j.rightS {
		if name, ok := KeyColumn(e); ok {
			out[name] = i
		}
	}
	return out
}

// JoinSchema is the output schema of joining left and right: every left
// column, then the right columns that are not join keys. Right names that
// collide with a left name get RightSuffix. In an outer join a left key column
// also carries the right keys, so it takes the common type of both keys.
func JoinSchema(left, right *arrow.Schema, clause JoinClause, how JoinType) (*arrow.Schema, error) {
	keyTypes := map[string]arrow.DataType{}
	if how == OuterJoin {
		for i := 0; i < len(clause.leftS) && i < len(clause.rightS); i++ {
			name, ok := KeyColumn(clause.leftS[i])
			if !ok || left.FieldIndices(name) == nil {
				continue
			}
			st, err := keySupertype(clause.leftS[i], clause.rightS[i], left, right)
			if err != nil {
				return nil, err
			}
			keyTypes[name] = st
		}
	}
	fields := make([]arrow.Field, 0, left.NumFields()+right.NumFields())
	seen := make(map[string]struct{}, cap(fields))
	for _, f := range left.Fields() {
		if how == OuterJoin {
			f.Nullable = true
		}
		if dt, ok := keyTypes[f.Name]; ok {
			f.Type = dt
		}
		seen[f.Name] = struct{}{}
		fields = append(fields, f)
	}
	drop := clause.rightKeyColumns()
	for _, f := range right.Fields() {
		if _, isKey := drop[f.Name]; isKey {
			continue
		}
		if _, dup := seen[f.Name]; dup {
			f.Name += RightSuffix
		}
		if _, dup := seen[f.Name]; dup {
			return nil, ErrDuplicateJoinColumn(f.Name)
		}
		if how != InnerJoin {
			f.Nullable = true
		}
		seen[f.Name] = struct{}{}
		fields = append(fields, f)
	}
	return arrow.NewSchema(fields, nil), nil
}

func keySupertype(l, r Expr.Expression, left, right *arrow.Schema) (arrow.DataType, error) {
	lt, err := Expr.ExprDataType(l, left)
	if err != nil {
		return nil, err
	}
	rt, err := Expr.ExprDataType(r, right)
	if err != nil {
		return nil, err
	}
	return Expr.Supertype(lt, rt)
}

// HashJoinExec matches rows of both inputs on equal key tuples. The hash index
// is built over the smaller input. Null keys never match.
type HashJoinExec struct {
	leftSource  operators.Operator
	rightSource operators.Operator
	clause      JoinClause
	joinType    JoinType
	schema      *arrow.Schema
	pool        *operators.Pool
	out         *operators.ResultBuffer
}

func NewHashJoinExec(left operators.Operator, right operators.Operator, clause JoinClause, joinType JoinType, pool *operators.Pool) (*HashJoinExec, error) {
	if len(clause.leftS) != len(clause.rightS) {
		return nil, ErrInvalidJoinClauseCount(len(clause.leftS), len(clause.rightS))
	}
	if len(clause.leftS) == 0 {
		return nil, operators.ErrUnsupportedf("join without keys")
	}
	for i := range clause.leftS {
		lt, err := Expr.ExprDataType(clause.leftS[i], left.Schema())
		if err != nil {
			return nil, err
		}
		rt, err := Expr.ExprDataType(clause.rightS[i], right.Schema())
		if err != nil {
			return nil, err
		}
		if operators.IsListType(lt) {
			return nil, operators.ErrListNotComparable("join", Expr.OutputName(clause.leftS[i]), lt)
		}
		if operators.IsListType(rt) {
			return nil, operators.ErrListNotComparable("join", Expr.OutputName(clause.rightS[i]), rt)
		}
		if !arrow.TypeEqual(lt, rt) {
			return nil, ErrJoinKeyTypes(clause.leftS[i], clause.rightS[i], lt, rt)
		}
	}
	schema, err := JoinSchema(left.Schema(), right.Schema(), clause, joinType)
	if err != nil {
		return nil, err
	}
	return &HashJoinExec{
		leftSource:  left,
		rightSource: right,
		clause:      clause,
		joinType:    joinType,
		schema:      schema,
		pool:        pool,
	}, nil
}

func (hj *HashJoinExec) Next(n uint16) (*operators.RecordBatch, error) {
	if hj.out == nil {
		var (
			left, right *operators.RecordBatch
			g           errgroup.Group
		)
		g.Go(func() (err error) {
			left, err = operators.ConsumeOperator(hj.leftSource)
			return err
		})
		g.Go(func() (err error) {
			right, err = operators.ConsumeOperator(hj.rightSource)
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
		table, err := hj.join(left, right)
		if err != nil {
			return nil, err
		}
		hj.out = operators.NewResultBuffer(table)
	}
	return hj.out.Next(n)
}

func (hj *HashJoinExec) join(left, right *operators.RecordBatch) (*operators.RecordBatch, error) {
	leftKeys, err := keyArrays(hj.clause.leftS, left)
	if err != nil {
		return nil, err
	}
	rightKeys, err := keyArrays(hj.clause.rightS, right)
	if err != nil {
		return nil, err
	}
	matches := matchRows(leftKeys, left.NumRows(), rightKeys, right.NumRows())
	lidx, ridx := emitPairs(matches, right.NumRows(), hj.joinType)

	leftTake := operators.IndexArray(lidx)
	rightTake := operators.IndexArray(ridx)
	coalesce := hj.coalescedKeys(left)
	drop := hj.clause.rightKeyColumns()

	type source struct {
		col     arrow.Array
		indices arrow.Array
		// right key column merged into a left key column for outer joins
		fill arrow.Array
	}
	sources := make([]source, 0, hj.schema.NumFields())
	for i, col := range left.Columns {
		s := source{col: col, indices: leftTake}
		if ki, ok := coalesce[left.Schema.Field(i).Name]; ok {
			s.col, s.fill = leftKeys[ki], rightKeys[ki]
		}
		sources = append(sources, s)
	}
	for i, col := range right.Columns {
		if _, isKey := drop[right.Schema.Field(i).Name]; isKey {
			continue
		}
		sources = append(sources, source{col: col, indices: rightTake})
	}

	cols := make([]arrow.Array, len(sources))
	err = hj.pool.ParallelFor(len(sources), func(i int) error {
		s := sources[i]
		if s.fill == nil {
			arr, err := takeArray(s.col, s.indices)
			cols[i] = arr
			return err
		}
		arr, err := coalesceTake(s.col, s.fill, hj.schema.Field(i).Type, lidx, ridx)
		cols[i] = arr
		return err
	})
	if err != nil {
		return nil, operators.AsComputeError(err, "gathering join output")
	}
	return operators.NewRecordBatch(hj.schema, cols)
}

// coalescedKeys maps left key column names to the position of their right key
// for outer joins, where unmatched right rows carry their key on the left.
func (hj *HashJoinExec) coalescedKeys(left *operators.RecordBatch) map[string]int {
	out := map[string]int{}
	if hj.joinType != OuterJoin {
		return out
	}
	for i, e := range hj.clause.leftS {
		if name, ok := KeyColumn(e); ok && left.ColumnIndex(name) >= 0 {
			out[name] = i
		}
	}
	return out
}

func keyArrays(exprs []Expr.Expression, table *operators.RecordBatch) ([]arrow.Array, error) {
	out := make([]arrow.Array, len(exprs))
	for i, e := range exprs {
		arr, err := Expr.EvalExpression(e, table)
		if err != nil {
			return nil, err
		}
		if out[i], err = Expr.Broadcast(arr, table.NumRows()); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// matchRows returns, for every left row, the matching right rows in right
// order.
func matchRows(leftKeys []arrow.Array, leftRows int, rightKeys []arrow.Array, rightRows int) [][]int {
	matches := make([][]int, leftRows)
	if rightRows <= leftRows {
		index := buildIndex(rightKeys, rightRows)
		for l := 0; l < leftRows; l++ {
			if key, hasNull := operators.RowKey(leftKeys, l); !hasNull {
				matches[l] = index[key]
			}
		}
		return matches
	}
	index := buildIndex(leftKeys, leftRows)
	for r := 0; r < rightRows; r++ {
		key, hasNull := operators.RowKey(rightKeys, r)
		if hasNull {
			continue
		}
		for _, l := range index[key] {
			matches[l] = append(matches[l], r)
		}
	}
	return matches
}

func buildIndex(keys []arrow.Array, rows int) map[string][]int {
	index := make(map[string][]int, rows)
	for r := 0; r < rows; r++ {
		key, hasNull := operators.RowKey(keys, r)
		if hasNull {
			continue
		}
		index[key] = append(index[key], r)
	}
	return index
}

// emitPairs turns matches into parallel row index lists; -1 marks the missing
// side. Inner and left joins follow left order. Outer joins emit matched
// pairs, then unmatched right rows, then unmatched left rows.
func emitPairs(matches [][]int, rightRows int, how JoinType) ([]int, []int) {
	var lidx, ridx []int
	rightSeen := make([]bool, rightRows)
	for l, rs := range matches {
		for _, r := range rs {
			lidx = append(lidx, l)
			ridx = append(ridx, r)
			rightSeen[r] = true
		}
		if len(rs) == 0 && how == LeftJoin {
			lidx = append(lidx, l)
			ridx = append(ridx, -1)
		}
	}
	if how != OuterJoin {
		return lidx, ridx
	}
	for r, seen := range rightSeen {
		if !seen {
			lidx = append(lidx, -1)
			ridx = append(ridx, r)
		}
	}
	for l, rs := range matches {
		if len(rs) == 0 {
			lidx = append(lidx, l)
			ridx = append(ridx, -1)
		}
	}
	return lidx, ridx
}

func takeArray(col, indices arrow.Array) (arrow.Array, error) {
	return compute.TakeArray(context.TODO(), col, indices)
}

// coalesceTake gathers the left key value where the left row exists and the
// right key value otherwise, both cast to the output type dt.
func coalesceTake(leftKey, rightKey arrow.Array, dt arrow.DataType, lidx, ridx []int) (arrow.Array, error) {
	leftKey, err := castKey(leftKey, dt)
	if err != nil {
		return nil, err
	}
	if rightKey, err = castKey(rightKey, dt); err != nil {
		return nil, err
	}
	both, err := array.Concatenate([]arrow.Array{leftKey, rightKey}, memory.NewGoAllocator())
	if err != nil {
		return nil, err
	}
	idx := make([]int, len(lidx))
	for i := range idx {
		switch {
		case lidx[i] >= 0:
			idx[i] = lidx[i]
		case ridx[i] >= 0:
			idx[i] = leftKey.Len() + ridx[i]
		default:
			idx[i] = -1
		}
	}
	return takeArray(both, operators.IndexArray(idx))
}

func castKey(arr arrow.Array, dt arrow.DataType) (arrow.Array, error) {
	if arrow.TypeEqual(arr.DataType(), dt) {
		return arr, nil
	}
	return compute.CastArray(context.TODO(), arr, compute.SafeCastOptions(dt))
}

func (hj *HashJoinExec) Schema() *arrow.Schema { return hj.schema }

func (hj *HashJoinExec) String() string {
	return fmt.Sprintf("%s join on %s", hj.joinType, hj.clause.String())
}

func (hj *HashJoinExec) Close() error {
	hj.out = operators.NewResultBuffer(nil)
	err1 := hj.leftSource.Close()
	err2 := hj.rightSource.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
