package activity

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/curtailx/curtailx/app/reconciler/types"
	"github.com/curtailx/curtailx/pkg/utils"
	"github.com/puzpuzpuz/xsync/v4"
)

// recomputeCall is one in-flight recompute; done closes once res and err are final.
type recomputeCall struct {
	done     chan struct{}
	res      types.RecomputeResult
	err      error
	awaiting atomic.Int32
}

// keyedLocks admits one recompute per key. Later callers wait and share its result.
type keyedLocks struct {
	inflight *xsync.Map[string, *recomputeCall]
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{inflight: xsync.NewMap[string, *recomputeCall]()}
}

func lockKey(date time.Time, variant string) string {
	return utils.FormatDate(date) + "|" + variant
}

// do runs fn unless a call for key is already running, in which case it waits for that
// call. shared reports whether the result came from another caller's run. A waiter whose
// ctx ends stops waiting; the running call is unaffected.
func (l *keyedLocks) do(ctx context.Context, key string, fn func() (types.RecomputeResult, error)) (res types.RecomputeResult, shared bool, err error) {
	call := &recomputeCall{done: make(chan struct{})}
	if running, loaded := l.inflight.LoadOrStore(key, call); loaded {
		running.awaiting.Add(1)
		defer running.awaiting.Add(-1)
		select {
		case <-running.done:
			return running.res, true, running.err
		case <-ctx.Done():
			return types.RecomputeResult{}, true, ctx.Err()
		}
	}

	finished := false
	defer func() {
		if !finished {
			call.err = fmt.Errorf("recompute %s panicked", key)
		}
		l.inflight.Delete(key)
		close(call.done)
	}()

	call.res, call.err = fn()
	finished = true
	return call.res, false, call.err
}

func (l *keyedLocks) waiters(key string) int {
	call, ok := l.inflight.Load(key)
	if !ok {
		return -1
	}
	return int(call.awaiting.Load())
}
