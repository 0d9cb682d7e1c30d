package plan

import (
	"fmt"
	"opti-frame-go/Expr"
	"opti-frame-go/operators"
	join "opti-frame-go/operators/Join"
	"opti-frame-go/operators/aggr"
	"opti-frame-go/operators/project"
	"opti-frame-go/operators/reshape"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/google/uuid"
)

var (
	_ = (LogicalPlan)(&Scan{})
	_ = (LogicalPlan)(&Filter{})
	_ = (LogicalPlan)(&Project{})
	_ = (LogicalPlan)(&GroupAgg{})
	_ = (LogicalPlan)(&Join{})
	_ = (LogicalPlan)(&Sort{})
	_ = (LogicalPlan)(&Slice{})
	_ = (LogicalPlan)(&Explode{})
	_ = (LogicalPlan)(&Unpivot{})
	_ = (LogicalPlan)(&Distinct{})
	_ = (LogicalPlan)(&Cache{})
	_ = (LogicalPlan)(&UserMapNode{})
)

// LogicalPlan is a node of a query tree. Nodes are never mutated once built;
// rewrites return new nodes.
type LogicalPlan interface {
	// marker, only for the sake of polymorphism
	planNode()
	fmt.Stringer
}

// TableFunc transforms a whole materialized table.
type TableFunc func(*operators.RecordBatch) (*operators.RecordBatch, error)

// Scan reads a source. Projection, Predicate and RowLimit are hints set by
// the optimizer; the executor re-applies them in that order.
type Scan struct {
	Source       project.ScanSource
	SourceSchema *arrow.Schema
	Projection   []string
	Predicate    Expr.Expression
	RowLimit     int
}

func NewScan(src project.ScanSource) (*Scan, error) {
	schema, err := src.Schema()
	if err != nil {
		return nil, operators.AsComputeError(err, "reading scan schema")
	}
	return &Scan{Source: src, SourceSchema: schema}, nil
}

// Copy returns a shallow copy that can be changed without touching s.
func (s *Scan) Copy() *Scan {
	c := *s
	c.Projection = append([]string(nil), s.Projection...)
	return &c
}

type Filter struct {
	Input     LogicalPlan
	Predicate Expr.Expression
}

type Project struct {
	Input LogicalPlan
	Exprs []Expr.Expression
}

type GroupAgg struct {
	Input LogicalPlan
	Keys  []Expr.Expression
	Aggs  []Expr.Expression
}

type Join struct {
	Left, Right     LogicalPlan
	LeftOn, RightOn []Expr.Expression
	How             join.JoinType
}

func (j *Join) Clause() join.JoinClause { return join.NewJoinClause(j.LeftOn, j.RightOn) }

type Sort struct {
	Input LogicalPlan
	Keys  []aggr.SortKey
}

// Slice keeps Length rows starting at Offset; a negative Offset counts from
// the end.
type Slice struct {
	Input  LogicalPlan
	Offset int64
	Length int64
}

type Explode struct {
	Input   LogicalPlan
	Columns []string
}

type Unpivot struct {
	Input   LogicalPlan
	Options reshape.UnpivotOptions
}

// Distinct keeps the first row of every distinct Subset tuple; an empty
// Subset compares whole rows.
type Distinct struct {
	Input  LogicalPlan
	Subset []string
}

// Cache marks a sub-plan whose result is computed once per query, however
// many times the node is reached.
type Cache struct {
	Input LogicalPlan
	ID    uuid.UUID
}

// UserMapNode runs Fn over the materialized input. A nil Schema means the
// function keeps the input schema.
type UserMapNode struct {
	Input  LogicalPlan
	Fn     TableFunc
	Schema *arrow.Schema
	Name   string
}

func (*Scan) planNode()        {}
func (*Filter) planNode()      {}
func (*Project) planNode()     {}
func (*GroupAgg) planNode()    {}
func (*Join) planNode()        {}
func (*Sort) planNode()        {}
func (*Slice) planNode()       {}
func (*Explode) planNode()     {}
func (*Unpivot) planNode()     {}
func (*Distinct) planNode()    {}
func (*Cache) planNode()       {}
func (*UserMapNode) planNode() {}

// Inputs returns the children of p, left before right.
func Inputs(p LogicalPlan) []LogicalPlan {
	switch n := p.(type) {
	case *Scan:
		return nil
	case *Filter:
		return []LogicalPlan{n.Input}
	case *Project:
		return []LogicalPlan{n.Input}
	case *GroupAgg:
		return []LogicalPlan{n.Input}
	case *Join:
		return []LogicalPlan{n.Left, n.Right}
	case *Sort:
		return []LogicalPlan{n.Input}
	case *Slice:
		return []LogicalPlan{n.Input}
	case *Explode:
		return []LogicalPlan{n.Input}
	case *Unpivot:
		return []LogicalPlan{n.Input}
	case *Distinct:
		return []LogicalPlan{n.Input}
	case *Cache:
		return []LogicalPlan{n.Input}
	case *UserMapNode:
		return []LogicalPlan{n.Input}
	default:
		panic(fmt.Sprintf("Inputs: unknown plan node %T", p))
	}
}

// WithInputs returns a copy of p over new children, in Inputs order.
func WithInputs(p LogicalPlan, in []LogicalPlan) LogicalPlan {
	switch n := p.(type) {
	case *Scan:
		return n
	case *Filter:
		c := *n
		c.Input = in[0]
		return &c
	case *Project:
		c := *n
		c.Input = in[0]
		return &c
	case *GroupAgg:
		c := *n
		c.Input = in[0]
		return &c
	case *Join:
		c := *n
		c.Left, c.Right = in[0], in[1]
		return &c
	case *Sort:
		c := *n
		c.Input = in[0]
		return &c
	case *Slice:
		c := *n
		c.Input = in[0]
		return &c
	case *Explode:
		c := *n
		c.Input = in[0]
		return &c
	case *Unpivot:
		c := *n
		c.Input = in[0]
		return &c
	case *Distinct:
		c := *n
		c.Input = in[0]
		return &c
	case *Cache:
		c := *n
		c.Input = in[0]
		return &c
	case *UserMapNode:
		c := *n
		c.Input = in[0]
		return &c
	default:
		panic(fmt.Sprintf("WithInputs: unknown plan node %T", p))
	}
}

// TransformUp rewrites p bottom-up with fn.
func TransformUp(p LogicalPlan, fn func(LogicalPlan) (LogicalPlan, error)) (LogicalPlan, error) {
	children := Inputs(p)
	if len(children) > 0 {
		next := make([]LogicalPlan, len(children))
		for i, c := range children {
			nc, err := TransformUp(c, fn)
			if err != nil {
				return nil, err
			}
			next[i] = nc
		}
		p = WithInputs(p, next)
	}
	return fn(p)
}

// WithRowLimit caps every scan of p at n rows.
func WithRowLimit(p LogicalPlan, n int) LogicalPlan {
	out, _ := TransformUp(p, func(node LogicalPlan) (LogicalPlan, error) {
		if s, ok := node.(*Scan); ok {
			c := s.Copy()
			c.RowLimit = n
			return c, nil
		}
		return node, nil
	})
	return out
}
