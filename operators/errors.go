package operators

import (
	"fmt"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/cockroachdb/errors"
)

// Error kinds surfaced by Collect/Fetch. Test with errors.Is.
var (
	ErrColumnNotFound       = errors.New("column not found")
	ErrType                 = errors.New("type error")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrCompute              = errors.New("compute error")
	ErrShape                = errors.New("shape error")
	// never returned to a caller; raised as a panic by the optimizer
	ErrOptimizerInvariant = errors.New("optimizer invariant violation")
)

var (
	ErrInvalidSchema = func(info string) error {
		return errors.Wrapf(ErrShape, "invalid schema was provided. context: %s", info)
	}
	ErrMissingColumn = func(name string) error {
		return errors.Wrapf(ErrColumnNotFound, "%q", name)
	}
	ErrTypef = func(format string, args ...any) error {
		return errors.Wrapf(ErrType, format, args...)
	}
	ErrUnsupportedf = func(format string, args ...any) error {
		return errors.Wrapf(ErrUnsupportedOperation, format, args...)
	}
	ErrShapef = func(format string, args ...any) error {
		return errors.Wrapf(ErrShape, format, args...)
	}
	ErrComputef = func(format string, args ...any) error {
		return errors.Wrapf(ErrCompute, format, args...)
	}
	ErrListNotComparable = func(op, column string, dt arrow.DataType) error {
		return ErrUnsupportedf("%s is undefined for list column %q of type %s", op, column, dt)
	}
)

// computeError puts ErrCompute on the unwrap chain of a foreign error so
// both the standard library and cockroachdb errors.Is find it, alongside
// whatever the cause itself matches.
type computeError struct {
	context string
	cause   error
}

func (e *computeError) Error() string { return e.context + ": " + e.cause.Error() }

func (e *computeError) Unwrap() error { return e.cause }

func (e *computeError) Is(target error) bool { return target == ErrCompute }

// AsComputeError marks a foreign error (scan source, user function, arrow
// kernel) as a compute error while keeping its message and kind if it already
// carries one.
func AsComputeError(err error, context string) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{ErrColumnNotFound, ErrType, ErrUnsupportedOperation, ErrCompute, ErrShape} {
		if errors.Is(err, kind) {
			return errors.Wrap(err, context)
		}
	}
	return errors.WithStack(&computeError{context: context, cause: err})
}

// RecoverComputeError converts a recovered panic value into a compute error.
func RecoverComputeError(r any, context string) error {
	if err, ok := r.(error); ok {
		return AsComputeError(err, context)
	}
	return ErrComputef("%s: panic: %s", context, fmt.Sprint(r))
}
