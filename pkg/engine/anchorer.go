package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// errProtocolGone fails a job at once: no retry can bring the protocol back.
var errProtocolGone = errors.New("protocol no longer exists")

// AnchorerConfig tunes the anchoring workers.
type AnchorerConfig struct {
	// Workers is the maximum number of jobs processed concurrently.
	Workers int

	// BatchSize is the maximum number of jobs claimed per poll.
	BatchSize int

	// PollInterval is how often the queue is polled without a wake-up.
	PollInterval time.Duration

	// Lease hides a claimed job from other workers for this long.
	Lease time.Duration

	// MaxAttempts is the number of attempts before a job is marked failed.
	MaxAttempts int

	// CallTimeout bounds each content store and ledger call.
	CallTimeout time.Duration

	// BaseBackoff is the delay after the first failed attempt.
	BaseBackoff time.Duration

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration
}

// DefaultAnchorerConfig returns the default anchoring configuration.
func DefaultAnchorerConfig() AnchorerConfig {
	return AnchorerConfig{
		Workers:      4,
		BatchSize:    16,
		PollInterval: 5 * time.Second,
		Lease:        2 * time.Minute,
		MaxAttempts:  8,
		CallTimeout:  30 * time.Second,
		BaseBackoff:  2 * time.Second,
		MaxBackoff:   5 * time.Minute,
	}
}

// Anchorer consumes the durable anchoring queue. For each job it uploads
// the approved protocol to the content store, records the content ID on
// the ledger and writes both outputs back. Steps already done are skipped,
// so a job may run more than once without duplicating uploads.
type Anchorer struct {
	store   Storage
	content ContentStore
	ledger  Ledger
	obs     Observer
	logger  zerolog.Logger
	cfg     AnchorerConfig
	now     func() time.Time

	wake chan struct{}
}

// NewAnchorer creates a new anchorer. ledger may be nil, in which case jobs
// complete after the upload.
func NewAnchorer(store Storage, content ContentStore, ledger Ledger, obs Observer, logger zerolog.Logger, cfg AnchorerConfig) *Anchorer {
	defaults := DefaultAnchorerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaults.Lease
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaults.CallTimeout
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaults.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	if obs == nil {
		obs = NopObserver{}
	}

	return &Anchorer{
		store:   store,
		content: content,
		ledger:  ledger,
		obs:     obs,
		logger:  logger.With().Str("component", "anchorer").Logger(),
		cfg:     cfg,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
	}
}

// Notify wakes the worker loop without blocking.
func (a *Anchorer) Notify() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Run polls the queue until ctx is cancelled.
func (a *Anchorer) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	a.logger.Info().
		Int("workers", a.cfg.Workers).
		Dur("poll_interval", a.cfg.PollInterval).
		Msg("Anchoring worker started")

	for {
		if _, err := a.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error().Err(err).Msg("Failed to claim anchoring jobs")
		}

		select {
		case <-ctx.Done():
			a.logger.Info().Msg("Anchoring worker stopped")
			return nil
		case <-ticker.C:
		case <-a.wake:
		}
	}
}

// Drain processes due jobs until none are left and returns how many ran.
func (a *Anchorer) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := a.DrainOnce(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

// DrainOnce claims one batch of due jobs and processes it with a bounded
// worker pool.
func (a *Anchorer) DrainOnce(ctx context.Context) (int, error) {
	jobs, err := a.store.ClaimAnchorJobs(ctx, a.now().UTC(), a.cfg.Lease, a.cfg.BatchSize)
	if err != nil {
		return 0, storageError("claim_anchor_jobs", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	workerCount := a.cfg.Workers
	if len(jobs) < workerCount {
		workerCount = len(jobs)
	}

	workQueue := make(chan *AnchorJob, len(jobs))
	for _, job := range jobs {
		workQueue <- job
	}
	close(workQueue)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range workQueue {
				if ctx.Err() != nil {
					return
				}
				a.process(ctx, job)
			}
		}()
	}
	wg.Wait()

	return len(jobs), nil
}

// enqueue records the anchoring job for p's approval edge inside tx.
// It reports whether a job became runnable.
func (a *Anchorer) enqueue(ctx context.Context, tx Storage, p *Protocol, actor string) (bool, error) {
	now := a.now().UTC()
	job := &AnchorJob{
		ID:            AnchorJobID(p.ProtocolID, ApprovalEdge),
		ProtocolID:    p.ProtocolID,
		UnitID:        p.AssociatedUnitID,
		Edge:          ApprovalEdge,
		Actor:         actor,
		Status:        AnchorJobPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	stored, created, err := tx.EnqueueAnchorJob(ctx, job)
	if err != nil {
		return false, storageError("enqueue_anchor_job", err)
	}
	if created {
		a.obs.RecordAnchorJob("enqueued")
		return true, nil
	}
	if stored.Status != AnchorJobFailed {
		return false, nil
	}

	stored.Status = AnchorJobPending
	stored.Attempts = 0
	stored.LastError = ""
	stored.NextAttemptAt = now
	stored.UpdatedAt = now
	if err := tx.UpdateAnchorJob(ctx, stored); err != nil {
		return false, storageError("update_anchor_job", err)
	}
	a.obs.RecordAnchorJob("rearmed")
	return true, nil
}

// withdrawAnchorJob fails the pending anchoring job of a protocol that is
// going away, so workers stop retrying it. It reports whether a job was
// withdrawn.
func withdrawAnchorJob(ctx context.Context, tx Storage, now time.Time, protocolID, reason string) (bool, error) {
	job, err := tx.GetAnchorJob(ctx, AnchorJobID(protocolID, ApprovalEdge))
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, storageError("get_anchor_job", err)
	}
	if job.Status != AnchorJobPending {
		return false, nil
	}
	job.Status = AnchorJobFailed
	job.LastError = reason
	job.UpdatedAt = now
	if err := tx.UpdateAnchorJob(ctx, job); err != nil {
		return false, storageError("update_anchor_job", err)
	}
	return true, nil
}

func (a *Anchorer) process(ctx context.Context, job *AnchorJob) {
	ctx, span := startSpan(ctx, "anchor.process",
		attribute.String("anchor.job_id", job.ID),
		attribute.Int("anchor.attempt", job.Attempts+1))
	err := a.anchor(ctx, job)
	span.SetAttributes(attribute.Bool("anchor.done", err == nil))
	span.End()

	logger := a.logger.With().
		Str("job_id", job.ID).
		Str("unit_id", job.UnitID).
		Int("attempt", job.Attempts+1).
		Logger()

	now := a.now().UTC()
	job.UpdatedAt = now
	if err == nil {
		job.Status = AnchorJobDone
		job.LastError = ""
		a.obs.RecordAnchorJob("done")
		logger.Info().
			Str("content_id", job.ContentID).
			Str("txn_hash", job.TxnHash).
			Msg("Protocol anchored")
	} else {
		job.Attempts++
		job.LastError = err.Error()
		if job.Attempts >= a.cfg.MaxAttempts || errors.Is(err, errProtocolGone) {
			job.Status = AnchorJobFailed
			a.obs.RecordAnchorJob("failed")
			logger.Error().Err(err).Msg("Anchoring failed permanently")
		} else {
			job.NextAttemptAt = now.Add(a.backoff(job.Attempts))
			a.obs.RecordAnchorJob("retry")
			logger.Warn().Err(err).Time("next_attempt_at", job.NextAttemptAt).Msg("Anchoring attempt failed")
		}
	}

	if err := a.store.UpdateAnchorJob(ctx, job); err != nil {
		logger.Error().Err(err).Msg("Failed to save anchoring job")
	}
}

func (a *Anchorer) anchor(ctx context.Context, job *AnchorJob) error {
	p, err := a.store.GetProtocol(ctx, job.UnitID)
	if IsNotFound(err) {
		return fmt.Errorf("%w: unit %s", errProtocolGone, job.UnitID)
	}
	if err != nil {
		return fmt.Errorf("load protocol: %w", err)
	}
	if p.ProtocolID != job.ProtocolID {
		return fmt.Errorf("%w: %s is no longer attached to unit %s", errProtocolGone, job.ProtocolID, job.UnitID)
	}

	if p.IPFSCID == "" {
		payload, err := p.AnchorPayload()
		if err != nil {
			return fmt.Errorf("encode protocol: %w", err)
		}
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
		ref, err := a.content.Upload(callCtx, payload, map[string]string{
			"username":    job.Actor,
			"protocol_id": p.ProtocolID,
			"unit_id":     p.AssociatedUnitID,
		})
		cancel()
		if err != nil {
			return fmt.Errorf("upload protocol: %w", err)
		}
		if err := a.store.SetProtocolAnchor(ctx, p.ProtocolID, ref.ContentID, ""); err != nil {
			return fmt.Errorf("save content id: %w", err)
		}
		p.IPFSCID = ref.ContentID
	}
	job.ContentID = p.IPFSCID

	if p.TxnHash == "" && a.ledger != nil {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
		txn, err := a.ledger.Record(callCtx, p.IPFSCID)
		cancel()
		if err != nil {
			return fmt.Errorf("record on ledger: %w", err)
		}
		if err := a.store.SetProtocolAnchor(ctx, p.ProtocolID, p.IPFSCID, txn); err != nil {
			return fmt.Errorf("save transaction hash: %w", err)
		}
		p.TxnHash = txn
	}
	job.TxnHash = p.TxnHash

	if err := a.store.UpdateUnitAnchor(ctx, job.UnitID, p.IPFSCID, p.TxnHash); err != nil {
		return fmt.Errorf("save unit anchor: %w", err)
	}
	return nil
}

// backoff returns baseBackoff * 2^(attempt-1), capped at MaxBackoff.
func (a *Anchorer) backoff(attempt int) time.Duration {
	delay := a.cfg.BaseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
	if delay > a.cfg.MaxBackoff || delay <= 0 {
		delay = a.cfg.MaxBackoff
	}
	return delay
}
