package filter

import (
	"io"
	"opti-frame-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/cockroachdb/errors"
)

var (
	_ = (operators.Operator)(&SliceExec{})
)

// SliceExec emits length rows starting at offset. A non-negative offset
// streams through the child; a negative offset counts from the end and needs
// the whole input first.
type SliceExec struct {
	input     operators.Operator
	schema    *arrow.Schema
	offset    int64
	skip      int64
	remaining int64
	out       *operators.ResultBuffer
	done      bool
}

func NewSliceExec(input operators.Operator, offset, length int64) (*SliceExec, error) {
	if length < 0 {
		length = 0
	}
	s := &SliceExec{
		input:     input,
		schema:    input.Schema(),
		offset:    offset,
		remaining: length,
	}
	if offset > 0 {
		s.skip = offset
	}
	return s, nil
}

// NewLimitExec keeps the first count rows.
func NewLimitExec(input operators.Operator, count uint64) (*SliceExec, error) {
	return NewSliceExec(input, 0, int64(count))
}

func (s *SliceExec) Next(n uint16) (*operators.RecordBatch, error) {
	if s.offset < 0 {
		return s.fromEnd(n)
	}
	if n == 0 {
		return operators.EmptyBatch(s.schema), nil
	}
	for !s.done {
		if s.remaining == 0 {
			s.done = true
			break
		}
		batch, err := s.input.Next(n)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.done = true
				break
			}
			return nil, err
		}
		rows := int64(batch.RowCount)
		if s.skip >= rows {
			s.skip -= rows
			continue
		}
		out := batch.Slice(s.skip, s.remaining)
		s.skip = 0
		s.remaining -= int64(out.RowCount)
		if out.RowCount == 0 {
			continue
		}
		return out, nil
	}
	return nil, io.EOF
}

func (s *SliceExec) fromEnd(n uint16) (*operators.RecordBatch, error) {
	if s.out == nil {
		table, err := operators.ConsumeOperator(s.input)
		if err != nil {
			return nil, err
		}
		start := int64(table.RowCount) + s.offset
		if start < 0 {
			start = 0
		}
		s.out = operators.NewResultBuffer(table.Slice(start, s.remaining))
	}
	return s.out.Next(n)
}

func (s *SliceExec) Schema() *arrow.Schema {
	return s.schema
}

func (s *SliceExec) Close() error {
	s.done = true
	s.out = operators.NewResultBuffer(nil)
	return s.input.Close()
}
