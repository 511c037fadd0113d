package taskqueue

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"renditiond/models"
)

// Flight is a typed in-flight registry. At most one call per key runs at a
// time; callers arriving while it runs share its result. The key is released
// as soon as the call returns, so a later call computes again.
type Flight[V any] struct {
	group    singleflight.Group
	inFlight atomic.Int64
}

// Do runs fn for key unless a call for key is already running, in which case
// it waits for that call instead. shared reports whether the result went to
// more than one caller. If ctx ends first Do returns ctx.Err() and the call
// keeps running for the remaining waiters.
func (f *Flight[V]) Do(ctx context.Context, key string, fn func(context.Context) (V, error)) (v V, shared bool, err error) {
	detached := context.WithoutCancel(ctx)
	ch := f.group.DoChan(key, func() (interface{}, error) {
		f.inFlight.Add(1)
		defer f.inFlight.Add(-1)
		return fn(detached)
	})

	select {
	case <-ctx.Done():
		return v, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return v, res.Shared, res.Err
		}
		val, ok := res.Val.(V)
		if !ok {
			return v, res.Shared, fmt.Errorf("flight %q returned %T", key, res.Val)
		}
		return val, res.Shared, nil
	}
}

// InFlight is the number of keys with a running call.
func (f *Flight[V]) InFlight() int { return int(f.inFlight.Load()) }

// Queue bundles the worker pool with the render and crop registries.
type Queue struct {
	Pool    *Pool
	Renders Flight[[]byte]
	Crops   Flight[models.CropResult]
}

func New(concurrency int) *Queue {
	return &Queue{Pool: NewPool(concurrency)}
}

// InFlight returns the number of running render and crop calls.
func (q *Queue) InFlight() (renders, crops int) {
	return q.Renders.InFlight(), q.Crops.InFlight()
}

func (q *Queue) Close() { q.Pool.Close() }
