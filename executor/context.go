package executor

import (
	"context"
	"log/slog"
	"math"
	"opti-frame-go/config"
	"opti-frame-go/logging"
	"opti-frame-go/operators"
	"sync"

	"github.com/google/uuid"
)

// Context is the runtime state of one Collect or Fetch call. Nothing in it is
// shared with another query.
type Context struct {
	ctx       context.Context
	QueryID   uuid.UUID
	Logger    *slog.Logger
	Pool      *operators.Pool
	BatchSize uint16
	cache     *cacheMemo
}

// NewContext sizes the worker pool and batch size from cfg. Release must be
// called once the query is done.
func NewContext(ctx context.Context, cfg config.Config) (*Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	workers := cfg.Execution.MaxWorkers
	if !cfg.Execution.EnableParallel {
		workers = 1
	}
	pool, err := operators.NewPool(workers)
	if err != nil {
		return nil, err
	}
	batch := cfg.Batch.Size
	if batch <= 0 || batch > math.MaxUint16 {
		batch = math.MaxUint16
	}
	id := uuid.New()
	return &Context{
		ctx:       ctx,
		QueryID:   id,
		Logger:    logging.WithQuery(id.String()),
		Pool:      pool,
		BatchSize: uint16(batch),
		cache:     newCacheMemo(),
	}, nil
}

func (ec *Context) Context() context.Context { return ec.ctx }

func (ec *Context) Release() {
	ec.Pool.Release()
	ec.cache.clear()
}

type cacheEntry struct {
	once  sync.Once
	table *operators.RecordBatch
	err   error
}

// cacheMemo holds the materialized output of every Cache node reached during
// one query. Join sides run concurrently, so the first caller of an id
// computes it and the others wait for the result.
type cacheMemo struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*cacheEntry
}

func newCacheMemo() *cacheMemo {
	return &cacheMemo{entries: make(map[uuid.UUID]*cacheEntry)}
}

func (m *cacheMemo) get(id uuid.UUID, compute func() (*operators.RecordBatch, error)) (*operators.RecordBatch, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		e = &cacheEntry{}
		m.entries[id] = e
	}
	m.mu.Unlock()

	e.once.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				e.err = operators.RecoverComputeError(r, "cached plan")
			}
		}()
		e.table, e.err = compute()
	})
	return e.table, e.err
}

func (m *cacheMemo) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[uuid.UUID]*cacheEntry)
}
