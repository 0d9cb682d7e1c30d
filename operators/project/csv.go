package project

import (
	"context"
	"encoding/csv"
	"io"
	"opti-frame-go/operators"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/cockroachdb/errors"
)

var (
	_ = (ScanSource)(&CSVSource{})
	_ = (operators.Operator)(&csvScan{})
)

// rows looked at when inferring column types
const inferenceRows = 100

// CSVSource reads a headed CSV file. Column types are inferred from the first
// rows: bool, int64, float64, falling back to utf8. Empty cells and NULL are
// null; cells that do not parse as the inferred type become null.
type CSVSource struct {
	name string
	open func() (io.ReadCloser, error)

	once   sync.Once
	schema *arrow.Schema
	err    error
}

func NewCSVSource(path string) *CSVSource {
	return NewCSVSourceFromReader(path, func() (io.ReadCloser, error) { return os.Open(path) })
}

// NewCSVSourceFromReader reads through open, which is called once per scan.
func NewCSVSourceFromReader(name string, open func() (io.ReadCloser, error)) *CSVSource {
	return &CSVSource{name: name, open: open}
}

func (cs *CSVSource) String() string { return "csv[" + cs.name + "]" }

func (cs *CSVSource) Schema() (*arrow.Schema, error) {
	cs.once.Do(func() {
		cs.schema, cs.err = cs.inferSchema()
	})
	return cs.schema, cs.err
}

func (cs *CSVSource) inferSchema() (*arrow.Schema, error) {
	rc, err := cs.open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, errors.Wrapf(err, "reading csv header of %s", cs.name)
	}
	kinds := make([]cellKind, len(header))
	for i := 0; i < inferenceRows; i++ {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		for c := range header {
			if c < len(row) {
				kinds[c] = kinds[c].merge(parseDataType(row[c]))
			}
		}
	}
	newFields := make([]arrow.Field, len(header))
	for i, colName := range header {
		newFields[i] = arrow.Field{Name: colName, Type: kinds[i].arrowType(), Nullable: true}
	}
	return arrow.NewSchema(newFields, nil), nil
}

func (cs *CSVSource) Open(_ context.Context, opts ScanOptions) (operators.Operator, error) {
	full, err := cs.Schema()
	if err != nil {
		return nil, err
	}
	schema, err := projectedSchema(full, opts.Projection)
	if err != nil {
		return nil, err
	}
	rc, err := cs.open()
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1
	if _, err := r.Read(); err != nil {
		rc.Close()
		return nil, err
	}
	colPosition := make([]int, schema.NumFields())
	for i, f := range schema.Fields() {
		colPosition[i] = full.FieldIndices(f.Name)[0]
	}
	return &csvScan{
		rc:          rc,
		r:           r,
		schema:      schema,
		colPosition: colPosition,
		budget:      newRowBudget(opts.RowLimit),
	}, nil
}

type csvScan struct {
	rc          io.ReadCloser
	r           *csv.Reader
	schema      *arrow.Schema
	colPosition []int
	budget      rowBudget
	done        bool // if this is set in Next, we have reached EOF
}

func (csvS *csvScan) Next(n uint16) (*operators.RecordBatch, error) {
	if csvS.done || csvS.budget.exhausted() {
		return nil, io.EOF
	}
	if n == 0 {
		n = ^uint16(0)
	}
	n = csvS.budget.want(n)

	builders := csvS.initBuilders()
	rowsRead := uint16(0)
	for rowsRead < n {
		row, err := csvS.r.Read()
		if err == io.EOF {
			csvS.done = true
			break
		}
		if err != nil {
			return nil, err
		}
		if err := csvS.processRow(row, builders); err != nil {
			return nil, err
		}
		rowsRead++
	}
	if rowsRead == 0 {
		for _, b := range builders {
			b.Release()
		}
		return nil, io.EOF
	}
	batch := &operators.RecordBatch{
		Schema:   csvS.schema,
		Columns:  finalizeBuilders(builders),
		RowCount: uint64(rowsRead),
	}
	return csvS.budget.trim(batch), nil
}

func (csvS *csvScan) Close() error {
	csvS.done = true
	if csvS.rc == nil {
		return nil
	}
	err := csvS.rc.Close()
	csvS.rc = nil
	return err
}

func (csvS *csvScan) Schema() *arrow.Schema {
	return csvS.schema
}

func (csvS *csvScan) initBuilders() []array.Builder {
	fields := csvS.schema.Fields()
	builders := make([]array.Builder, len(fields))
	for i, f := range fields {
		builders[i] = array.NewBuilder(memory.DefaultAllocator, f.Type)
	}
	return builders
}

func isNullCell(cell string) bool {
	return cell == "" || cell == "NULL"
}

func (csvS *csvScan) processRow(content []string, builders []array.Builder) error {
	for i, colIdx := range csvS.colPosition {
		cell := ""
		if colIdx < len(content) {
			cell = strings.TrimSpace(content[colIdx])
		}
		if isNullCell(cell) {
			builders[i].AppendNull()
			continue
		}
		switch b := builders[i].(type) {
		case *array.Int64Builder:
			v, err := strconv.ParseInt(cell, 10, 64)
			if err != nil {
				b.AppendNull()
			} else {
				b.Append(v)
			}
		case *array.Float64Builder:
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				b.AppendNull()
			} else {
				b.Append(v)
			}
		case *array.StringBuilder:
			b.Append(cell)
		case *array.BooleanBuilder:
			v, err := strconv.ParseBool(cell)
			if err != nil {
				b.AppendNull()
			} else {
				b.Append(v)
			}
		default:
			return operators.ErrUnsupportedf("csv column of type %s", builders[i].Type())
		}
	}
	return nil
}

func finalizeBuilders(builders []array.Builder) []arrow.Array {
	columns := make([]arrow.Array, len(builders))
	for i, b := range builders {
		columns[i] = b.NewArray()
		b.Release()
	}
	return columns
}

// cellKind orders the types a csv column can be inferred as; merging two
// kinds keeps the wider one.
type cellKind int

const (
	kindUnknown cellKind = iota
	kindBool
	kindInt
	kindFloat
	kindString
)

func (k cellKind) merge(other cellKind) cellKind {
	switch {
	case k == kindUnknown:
		return other
	case other == kindUnknown || k == other:
		return k
	case k == kindBool || other == kindBool:
		// bool never widens into a number
		return kindString
	case k > other:
		return k
	default:
		return other
	}
}

func (k cellKind) arrowType() arrow.DataType {
	switch k {
	case kindBool:
		return arrow.FixedWidthTypes.Boolean
	case kindInt:
		return arrow.PrimitiveTypes.Int64
	case kindFloat:
		return arrow.PrimitiveTypes.Float64
	default:
		return arrow.BinaryTypes.String
	}
}

func parseDataType(sample string) cellKind {
	sample = strings.TrimSpace(sample)
	if isNullCell(sample) || strings.EqualFold(sample, "NULL") {
		return kindUnknown
	}
	if sample == "true" || sample == "false" {
		return kindBool
	}
	if _, err := strconv.ParseInt(sample, 10, 64); err == nil {
		return kindInt
	}
	if _, err := strconv.ParseFloat(sample, 64); err == nil {
		return kindFloat
	}
	return kindString
}
