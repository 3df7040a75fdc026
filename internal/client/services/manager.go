package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/attachkit/internal/client/cdn"
	"github.com/dmitrijs2005/attachkit/internal/client/client"
	"github.com/dmitrijs2005/attachkit/internal/client/metrics"
	"github.com/dmitrijs2005/attachkit/internal/client/models"
	"github.com/dmitrijs2005/attachkit/internal/client/repositories/attachments"
	"github.com/dmitrijs2005/attachkit/internal/client/retrypolicy"
	"github.com/dmitrijs2005/attachkit/internal/client/services/flight"
	"github.com/dmitrijs2005/attachkit/internal/common"
	"github.com/dmitrijs2005/attachkit/internal/logging"
	"github.com/dmitrijs2005/attachkit/internal/netx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// DefaultWorkers bounds concurrent transfers when Config.Workers is unset.
const DefaultWorkers = 4

// Uploader sends ciphertext under a signed form.
type Uploader interface {
	Upload(ctx context.Context, ciphertext []byte, form *models.UploadForm, onProgress netx.ProgressFunc) (*models.CDNCoordinates, error)
}

// ProgressFunc observes transfer progress of one attachment.
type ProgressFunc func(id, direction string, done, total int64)

// Config wires a Manager. Store, Forms, Uploader and Source are required.
type Config struct {
	Store    *attachments.Store
	Forms    client.FormClient
	Uploader Uploader
	Source   cdn.Source

	Retry   retrypolicy.Policy
	Workers int

	Logger   logging.Logger
	Metrics  *metrics.Metrics
	Progress ProgressFunc

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Manager is the AttachmentLifecycleManager.
type Manager struct {
	store    *attachments.Store
	forms    client.FormClient
	uploader Uploader
	fetcher  *Fetcher

	retry    retrypolicy.Policy
	sem      *semaphore.Weighted
	flights  *flight.Group[*models.Attachment]
	log      logging.Logger
	metrics  *metrics.Metrics
	progress ProgressFunc
	now      func() time.Time
	tracer   trace.Tracer

	stop context.CancelFunc
}

// NewManager validates cfg and returns a running Manager. Close releases it.
func NewManager(cfg Config) (*Manager, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("manager: store is required")
	case cfg.Forms == nil:
		return nil, errors.New("manager: form client is required")
	case cfg.Uploader == nil:
		return nil, errors.New("manager: uploader is required")
	case cfg.Source == nil:
		return nil, errors.New("manager: download source is required")
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	root, stop := context.WithCancel(context.Background())
	return &Manager{
		store:    cfg.Store,
		forms:    cfg.Forms,
		uploader: cfg.Uploader,
		fetcher:  NewFetcher(cfg.Source),
		retry:    cfg.Retry,
		sem:      semaphore.NewWeighted(int64(workers)),
		flights:  flight.New[*models.Attachment](root),
		log:      logging.OrNoop(cfg.Logger),
		metrics:  cfg.Metrics,
		progress: cfg.Progress,
		now:      now,
		tracer:   otel.Tracer("github.com/dmitrijs2005/attachkit/internal/client/services"),
		stop:     stop,
	}, nil
}

// Close cancels every in-flight transfer and waits for them to settle.
// Interrupted records are restored to their pre-transfer state.
func (m *Manager) Close() {
	if n := m.flights.InFlight(); n > 0 {
		m.log.Info(context.Background(), "stopping in-flight transfers", "count", n)
	}
	m.stop()
	m.flights.Wait()
}

// Store returns the underlying store for read access. Writes go through
// the Manager.
func (m *Manager) Store() *attachments.Store { return m.store }

// Cancel aborts the transfer of id for all of its waiters. It reports
// whether a transfer was running.
func (m *Manager) Cancel(id string) bool {
	if m.flights.Cancel(id) {
		m.log.Info(context.Background(), "transfer cancelled", logging.KeyAttachmentID, id)
		return true
	}
	return false
}

type runFunc func(ctx context.Context, id string) (*models.Attachment, error)

func (m *Manager) enqueue(ctx context.Context, id, direction string, run runFunc) *Future {
	w, joined := m.flights.Do(id, func(opCtx context.Context) (*models.Attachment, error) {
		return run(opCtx, id)
	})
	if joined {
		m.metrics.Coalesced(direction)
		m.log.Debug(ctx, "joined in-flight transfer", logging.KeyAttachmentID, id, logging.KeyOp, direction)
	}
	return newFuture(ctx, w)
}

// acquire takes a worker slot.
func (m *Manager) acquire(ctx context.Context) (func(), error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: waiting for worker: %w", common.ErrCancelled, err)
	}
	return func() { m.sem.Release(1) }, nil
}

// policy returns the retry policy of one transfer with logging and metrics
// hooked into its backoff.
func (m *Manager) policy(ctx context.Context, log logging.Logger, direction string) retrypolicy.Policy {
	p := m.retry
	next := p.OnRetry
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		m.metrics.Retry(direction)
		log.Warn(ctx, "transfer attempt failed, retrying",
			logging.KeyAttempt, attempt, "delay", delay, logging.KeyError, err)
		if next != nil {
			next(attempt, delay, err)
		}
	}
	return p
}

func (m *Manager) onProgress(id, direction string) netx.ProgressFunc {
	if m.progress == nil {
		return nil
	}
	return func(done, total int64) { m.progress(id, direction, done, total) }
}

// settle writes the outcome of a failed transfer. Integrity failures and
// cancellations put the record back to pre; other terminal errors mark it
// failed. The write survives the cancellation of ctx.
func (m *Manager) settle(ctx context.Context, log logging.Logger, id string, pre, failed models.State, cause error) {
	ctx = context.WithoutCancel(ctx)

	next := failed
	if errors.Is(cause, common.ErrIntegrity) || isCancelled(cause) {
		next = pre
	}

	_, err := m.store.Mutate(ctx, id, func(a *models.Attachment) error {
		a.State = next
		return nil
	})
	switch {
	case errors.Is(err, common.ErrNotFound):
		// deleted while the transfer was running
		log.Info(ctx, "attachment removed during transfer")
	case err != nil:
		log.Error(ctx, "failed to record transfer outcome", "state", next, logging.KeyError, err)
	}
}

func isCancelled(err error) bool {
	return errors.Is(err, common.ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) && !common.IsTransient(err)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, common.ErrIntegrity):
		return metrics.OutcomeIntegrity
	case isCancelled(err):
		return metrics.OutcomeCancelled
	case errors.Is(err, common.ErrUploadRejected), errors.Is(err, common.ErrDownloadRejected),
		errors.Is(err, common.ErrMalformedForm):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeFailed
	}
}
