package project

import (
	"context"
	"io"
	"opti-frame-go/operators"
	"os"
	"sync"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/file"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"
	"github.com/cockroachdb/errors"
)

var (
	_ = (ScanSource)(&ParquetSource{})
	_ = (operators.Operator)(&parquetScan{})
)

// ParquetOpener returns a fresh reader over the file and what to close once
// the scan is done.
type ParquetOpener func() (parquet.ReaderAtSeeker, io.Closer, error)

// ParquetSource reads a parquet file through pqarrow. The projection hint is
// pushed into the reader so unused column chunks are never decoded.
type ParquetSource struct {
	name      string
	open      ParquetOpener
	batchSize int64

	once   sync.Once
	schema *arrow.Schema
	err    error
}

func NewParquetSource(path string) *ParquetSource {
	return NewParquetSourceFromReader(path, func() (parquet.ReaderAtSeeker, io.Closer, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return f, f, nil
	})
}

func NewParquetSourceFromReader(name string, open ParquetOpener) *ParquetSource {
	return &ParquetSource{name: name, open: open, batchSize: 1024 * 8}
}

// WithBatchSize sets how many rows the reader decodes at a time.
func (ps *ParquetSource) WithBatchSize(n int) *ParquetSource {
	if n > 0 {
		ps.batchSize = int64(n)
	}
	return ps
}

func (ps *ParquetSource) String() string { return "parquet[" + ps.name + "]" }

func (ps *ParquetSource) fileReader() (*pqarrow.FileReader, *file.Reader, io.Closer, error) {
	r, closer, err := ps.open()
	if err != nil {
		return nil, nil, nil, err
	}
	fileReader, err := file.NewParquetReader(r)
	if err != nil {
		closer.Close()
		return nil, nil, nil, errors.Wrapf(err, "opening parquet file %s", ps.name)
	}
	arrowReader, err := pqarrow.NewFileReader(
		fileReader,
		pqarrow.ArrowReadProperties{Parallel: true, BatchSize: ps.batchSize},
		memory.NewGoAllocator(),
	)
	if err != nil {
		fileReader.Close()
		closer.Close()
		return nil, nil, nil, err
	}
	return arrowReader, fileReader, closer, nil
}

func (ps *ParquetSource) Schema() (*arrow.Schema, error) {
	ps.once.Do(func() {
		arrowReader, fileReader, closer, err := ps.fileReader()
		if err != nil {
			ps.err = err
			return
		}
		defer closer.Close()
		defer fileReader.Close()
		ps.schema, ps.err = arrowReader.Schema()
	})
	return ps.schema, ps.err
}

func (ps *ParquetSource) Open(ctx context.Context, opts ScanOptions) (operators.Operator, error) {
	full, err := ps.Schema()
	if err != nil {
		return nil, err
	}
	if _, err := projectedSchema(full, opts.Projection); err != nil {
		return nil, err
	}
	arrowReader, fileReader, closer, err := ps.fileReader()
	if err != nil {
		return nil, err
	}
	var wantedColumnsIDX []int
	for _, col := range opts.Projection {
		top := full.FieldIndices(col)[0]
		wantedColumnsIDX = leafIndices(arrowReader.Manifest.Fields[top], wantedColumnsIDX)
	}
	rdr, err := arrowReader.GetRecordReader(ctx, wantedColumnsIDX, nil)
	if err != nil {
		fileReader.Close()
		closer.Close()
		return nil, err
	}
	return &parquetScan{
		reader:  rdr,
		closers: []io.Closer{fileReader, closer},
		schema:  rdr.Schema(),
		budget:  newRowBudget(opts.RowLimit),
	}, nil
}

// leafIndices appends the parquet leaf columns that make up f.
func leafIndices(f pqarrow.SchemaField, out []int) []int {
	if len(f.Children) == 0 {
		return append(out, f.ColIndex)
	}
	for _, c := range f.Children {
		out = leafIndices(c, out)
	}
	return out
}

type parquetScan struct {
	reader  pqarrow.RecordReader
	closers []io.Closer
	schema  *arrow.Schema
	budget  rowBudget
	// rows of the last decoded record not handed out yet
	pending *operators.RecordBatch
}

func (ps *parquetScan) Next(n uint16) (*operators.RecordBatch, error) {
	if ps.reader == nil || ps.budget.exhausted() {
		return nil, io.EOF
	}
	if n == 0 {
		n = ^uint16(0)
	}
	if ps.pending == nil || ps.pending.RowCount == 0 {
		if !ps.reader.Next() {
			if err := ps.reader.Err(); err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			return nil, io.EOF
		}
		record := ps.reader.Record()
		columns := make([]arrow.Array, record.NumCols())
		for i := range columns {
			col := record.Column(i)
			col.Retain()
			columns[i] = col
		}
		ps.pending = &operators.RecordBatch{Schema: ps.schema, Columns: columns, RowCount: uint64(record.NumRows())}
	}
	want := int64(ps.budget.want(n))
	out := ps.pending.Slice(0, want)
	ps.pending = ps.pending.Slice(int64(out.RowCount), int64(ps.pending.RowCount))
	return ps.budget.trim(out), nil
}

func (ps *parquetScan) Close() error {
	if ps.reader == nil {
		return nil
	}
	ps.reader.Release()
	ps.reader = nil
	var err error
	for _, c := range ps.closers {
		// the file reader may already have closed the underlying file
		if cerr := c.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) {
			err = errors.CombineErrors(err, cerr)
		}
	}
	return err
}

func (ps *parquetScan) Schema() *arrow.Schema {
	return ps.schema
}
