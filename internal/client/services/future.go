package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/attachkit/internal/client/models"
	"github.com/dmitrijs2005/attachkit/internal/client/services/flight"
	"github.com/dmitrijs2005/attachkit/internal/common"
)

// Future is one caller's handle on a transfer. Futures for the same
// attachment share the transfer and observe the same result; cancelling a
// future only withdraws that caller.
type Future struct {
	w *flight.Waiter[*models.Attachment]

	done       chan struct{}
	cancelled  chan struct{}
	cancelOnce sync.Once

	val *models.Attachment
	err error
}

func newFuture(ctx context.Context, w *flight.Waiter[*models.Attachment]) *Future {
	f := &Future{
		w:         w,
		done:      make(chan struct{}),
		cancelled: make(chan struct{}),
	}
	stop := context.AfterFunc(ctx, f.Cancel)

	go func() {
		defer close(f.done)
		defer stop()

		select {
		case <-w.Done():
			val, err := w.Result()
			f.val, f.err = val.Clone(), normalize(err)
		case <-f.cancelled:
			f.err = fmt.Errorf("%w: waiter withdrawn", common.ErrCancelled)
		}
	}()
	return f
}

// resolved returns a Future that is already complete.
func resolved(a *models.Attachment, err error) *Future {
	f := &Future{
		done:      make(chan struct{}),
		cancelled: make(chan struct{}),
		val:       a,
		err:       err,
	}
	close(f.done)
	return f
}

// Done is closed once the result is available or the future was cancelled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks for the result. If ctx ends first the future is cancelled and
// common.ErrCancelled is returned unless the transfer finished meanwhile.
func (f *Future) Wait(ctx context.Context) (*models.Attachment, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		f.Cancel()
		<-f.done
	}
	return f.val, f.err
}

// Cancel withdraws this caller. The transfer stops when no caller is left.
func (f *Future) Cancel() {
	f.cancelOnce.Do(func() {
		close(f.cancelled)
		if f.w != nil {
			f.w.Release()
		}
	})
}

func normalize(err error) error {
	if err == nil || errors.Is(err, common.ErrCancelled) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", common.ErrCancelled, err)
	}
	return err
}
