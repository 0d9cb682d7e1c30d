package project

import (
	"context"
	"opti-frame-go/Expr"
	"opti-frame-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
)

var (
	ErrEmptyColumnsToProject = operators.ErrInvalidSchema("no columns passed in to project")
)

// ScanOptions carries the optimizer's hints for one scan. A source may ignore
// any of them; the executor re-applies all three.
type ScanOptions struct {
	// columns to keep, in this order; empty means all
	Projection []string
	Predicate  Expr.Expression
	// 0 means no limit
	RowLimit int
}

// ScanSource is a re-openable producer of record batches.
type ScanSource interface {
	Schema() (*arrow.Schema, error)
	Open(ctx context.Context, opts ScanOptions) (operators.Operator, error)
	String() string
}

// ProjectSchemaFilterDown keeps only keepCols, in keepCols order, making sure
// the schema and the columns stay aligned.
func ProjectSchemaFilterDown(schema *arrow.Schema, cols []arrow.Array, keepCols ...string) (*arrow.Schema, []arrow.Array, error) {
	if len(keepCols) == 0 {
		return arrow.NewSchema([]arrow.Field{}, nil), nil, ErrEmptyColumnsToProject
	}
	newFields := make([]arrow.Field, 0, len(keepCols))
	newCols := make([]arrow.Array, 0, len(keepCols))
	for _, name := range keepCols {
		idx := schema.FieldIndices(name)
		if len(idx) == 0 {
			return arrow.NewSchema([]arrow.Field{}, nil), []arrow.Array{}, operators.ErrMissingColumn(name)
		}
		newFields = append(newFields, schema.Field(idx[0]))
		if cols != nil {
			newCols = append(newCols, cols[idx[0]])
		}
	}
	return arrow.NewSchema(newFields, nil), newCols, nil
}

// projectedSchema is schema restricted to projection, or schema itself when
// there is no projection.
func projectedSchema(schema *arrow.Schema, projection []string) (*arrow.Schema, error) {
	if len(projection) == 0 {
		return schema, nil
	}
	out, _, err := ProjectSchemaFilterDown(schema, nil, projection...)
	return out, err
}

// rowBudget tracks a scan's row limit across batches.
type rowBudget struct {
	limited   bool
	remaining int64
}

func newRowBudget(limit int) rowBudget {
	return rowBudget{limited: limit > 0, remaining: int64(limit)}
}

func (b *rowBudget) exhausted() bool { return b.limited && b.remaining <= 0 }

// want caps a batch request to what is left of the budget.
func (b *rowBudget) want(n uint16) uint16 {
	if b.limited && int64(n) > b.remaining {
		return uint16(b.remaining)
	}
	return n
}

// trim cuts batch down to what is left and charges the budget.
func (b *rowBudget) trim(batch *operators.RecordBatch) *operators.RecordBatch {
	if !b.limited {
		return batch
	}
	if int64(batch.RowCount) > b.remaining {
		batch = batch.Slice(0, b.remaining)
	}
	b.remaining -= int64(batch.RowCount)
	return batch
}
