package querysched

import (
	"context"
	"sync"

	"github.com/prism-sql/ftsched/pkg/future"
	"github.com/prism-sql/ftsched/pkg/tasksource"
	"github.com/prism-sql/ftsched/pkg/types"
)

// deferredSource defers building the real tasksource.TaskSource until its
// upstream input (an exchange's GetSourceHandles futures) is ready,
// letting the query scheduler construct every stage's scheduler up front
// in root-first order (spec §4.8 step 1) without blocking construction
// on stages that haven't produced anything yet.
type deferredSource struct {
	build func(ctx context.Context) (tasksource.TaskSource, error)

	mu       sync.Mutex
	inner    tasksource.TaskSource
	buildErr error
	building *future.Future[struct{}]
}

func newDeferredSource(build func(ctx context.Context) (tasksource.TaskSource, error)) *deferredSource {
	return &deferredSource{build: build}
}

func (d *deferredSource) ensure(ctx context.Context) (tasksource.TaskSource, error) {
	d.mu.Lock()
	if d.inner != nil || d.buildErr != nil {
		inner, err := d.inner, d.buildErr
		d.mu.Unlock()
		return inner, err
	}
	building := d.building
	if building == nil {
		building = future.New[struct{}]()
		d.building = building
		go func() {
			inner, err := d.build(ctx)
			d.mu.Lock()
			d.inner, d.buildErr = inner, err
			d.mu.Unlock()
			building.Complete(struct{}{}, nil)
		}()
	}
	d.mu.Unlock()

	if _, err := building.Wait(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	inner, err := d.inner, d.buildErr
	d.mu.Unlock()
	return inner, err
}

// MoreTasks blocks on the deferred build completing (which itself blocks
// on upstream exchange input), then delegates.
func (d *deferredSource) MoreTasks(ctx context.Context) *future.Future[[]types.TaskDescriptor] {
	out := future.New[[]types.TaskDescriptor]()
	go func() {
		inner, err := d.ensure(ctx)
		if err != nil {
			out.Complete(nil, err)
			return
		}
		tasks, err := inner.MoreTasks(ctx).Wait(ctx)
		out.Complete(tasks, err)
	}()
	return out
}

// IsFinished reports false until the deferred build has completed; a
// source that hasn't even been built yet cannot have finished draining.
func (d *deferredSource) IsFinished() bool {
	d.mu.Lock()
	inner := d.inner
	d.mu.Unlock()
	if inner == nil {
		return false
	}
	return inner.IsFinished()
}

// Close releases the built source, if any. A build that never completed
// (upstream never produced) leaves nothing to release.
func (d *deferredSource) Close() {
	d.mu.Lock()
	inner := d.inner
	d.mu.Unlock()
	if inner != nil {
		inner.Close()
	}
}
