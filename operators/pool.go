package operators

import (
	"sync"

	"github.com/panjf2000/ants/v2"
)

// Pool bounds the data-parallel fan-out of a single query. A nil Pool runs
// everything on the calling goroutine.
type Pool struct {
	p *ants.Pool
}

// NewPool returns a pool with size workers. size <= 1 yields a sequential pool.
func NewPool(size int) (*Pool, error) {
	if size <= 1 {
		return &Pool{}, nil
	}
	// nonblocking so nested fan-out from inside a task never waits on a full pool
	p, err := ants.NewPool(size, ants.WithNonblocking(true))
	if err != nil {
		return nil, ErrComputef("creating worker pool: %v", err)
	}
	return &Pool{p: p}, nil
}

func (wp *Pool) Size() int {
	if wp == nil || wp.p == nil {
		return 1
	}
	return wp.p.Cap()
}

// ParallelFor runs fn(0..n-1) and returns the first error. A task rejected by a
// saturated pool runs inline. Panics inside fn become compute errors.
func (wp *Pool) ParallelFor(n int, fn func(i int) error) error {
	if n == 0 {
		return nil
	}
	guarded := func(i int) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = RecoverComputeError(r, "parallel task")
			}
		}()
		return fn(i)
	}
	if wp == nil || wp.p == nil || n == 1 {
		for i := 0; i < n; i++ {
			if err := guarded(i); err != nil {
				return err
			}
		}
		return nil
	}

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		task := func() {
			defer wg.Done()
			errs[i] = guarded(i)
		}
		if err := wp.p.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (wp *Pool) Release() {
	if wp != nil && wp.p != nil {
		wp.p.Release()
	}
}
