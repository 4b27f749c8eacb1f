// Package dispatch delivers completion side effects for finished workflow
// instances. Delivery is at-least-once: sub-actions run first and the
// dispatched_at marker is written last, so a crash between the two leaves the
// instance visible to the background resumer. The sub-actions are independent
// of each other, and an issued certificate reference is persisted so a resume
// does not render the document twice. Receivers must tolerate duplicate
// delivery.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fleetyard/crewflow/internal/config"
	"github.com/fleetyard/crewflow/internal/observability"
	"github.com/fleetyard/crewflow/internal/store"
	"github.com/fleetyard/crewflow/model"
)

const (
	actionCertificate  = "certificate"
	actionNotification = "notification"
)

// Dispatcher performs certificate generation and subject notification for a
// completed instance, then records the dispatch marker.
type Dispatcher struct {
	store     store.Store
	documents model.DocumentService
	notifier  model.NotificationService
	cfg       config.DispatchConfig
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// New creates a dispatcher. Documents and notifier may be nil when the
// corresponding side effect is not configured.
func New(
	st store.Store,
	documents model.DocumentService,
	notifier model.NotificationService,
	cfg config.DispatchConfig,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Dispatcher{
		store:     st,
		documents: documents,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
	}
}

// DispatchCompletion delivers side effects for one completed instance and
// marks it dispatched. Safe to call concurrently and repeatedly for the same
// instance: the guarded marker write keeps the marker exactly-once even when
// sub-actions run more than once.
func (d *Dispatcher) DispatchCompletion(ctx context.Context, inst model.WorkflowInstance) error {
	ctx, span := observability.StartSpan(ctx, "dispatch.completion",
		observability.AttrInstanceID.String(inst.ID),
		observability.AttrTemplateSlug.String(inst.TemplateSlug),
	)
	var dispatchErr error
	defer func() { observability.EndSpanWithError(span, dispatchErr) }()

	if inst.Status != model.InstanceStatusCompleted {
		dispatchErr = fmt.Errorf("dispatch: instance %s is %s, not completed", inst.ID, inst.Status)
		return dispatchErr
	}
	if inst.DispatchedAt != nil {
		return nil
	}
	start := time.Now()

	// The two sub-actions are independent: a certificate failure must not
	// keep the subject from being notified, and vice versa. The marker is
	// only written when both succeeded, so the resumer retries whatever is
	// still outstanding.
	var errs []error

	certificateRef := inst.CertificateRef
	if d.documents != nil && certificateRef == "" {
		err := d.withRetry(ctx, actionCertificate, func(ctx context.Context) error {
			ref, err := d.documents.Generate(ctx, inst.ID, model.DocumentTypeCertificate)
			if err != nil {
				return err
			}
			certificateRef = ref
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("certificate: %w", err))
		} else if err := d.store.SetInstanceCertificateRef(ctx, inst.ID, certificateRef); err != nil {
			// The certificate exists; losing the ref only risks a duplicate
			// render on resume.
			d.logger.Warn("recording certificate ref failed",
				zap.String("instance_id", inst.ID),
				zap.Error(err),
			)
		}
	}

	if d.notifier != nil {
		payload := map[string]any{
			"instance_id":   inst.ID,
			"template_slug": inst.TemplateSlug,
		}
		if inst.CompletedAt != nil {
			payload["completed_at"] = inst.CompletedAt.Format(time.RFC3339)
		}
		if certificateRef != "" {
			payload["certificate_ref"] = certificateRef
		}
		err := d.withRetry(ctx, actionNotification, func(ctx context.Context) error {
			return d.notifier.Send(ctx, inst.SubjectID, model.EventWorkflowCompleted, payload)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("notification: %w", err))
		}
	}

	if len(errs) > 0 {
		dispatchErr = fmt.Errorf("dispatch instance %s: %w", inst.ID, errors.Join(errs...))
		return dispatchErr
	}

	// Marker last. Losing the race means another worker finished first.
	won, err := d.store.MarkInstanceDispatched(ctx, inst.ID, time.Now().UTC())
	if err != nil {
		dispatchErr = err
		return err
	}
	if !won {
		d.logger.Debug("dispatch marker already present",
			zap.String("instance_id", inst.ID),
		)
		return nil
	}

	if d.metrics != nil {
		d.metrics.RecordDispatchDuration(time.Since(start))
	}
	d.logger.Info("completion side effects dispatched",
		zap.String("instance_id", inst.ID),
		zap.String("template_slug", inst.TemplateSlug),
		zap.String("certificate_ref", certificateRef),
	)
	return nil
}

// ProcessPending dispatches completed instances whose marker is missing,
// typically after a crash between completion and dispatch. Returns the number
// of instances successfully dispatched.
func (d *Dispatcher) ProcessPending(ctx context.Context) (int, error) {
	batch := d.cfg.ResumeBatch
	if batch < 1 {
		batch = 50
	}
	pending, err := d.store.FindUndispatched(ctx, batch)
	if err != nil {
		return 0, err
	}
	if d.metrics != nil {
		d.metrics.SetDispatchPending(float64(len(pending)))
	}

	dispatched := 0
	for _, inst := range pending {
		if err := d.DispatchCompletion(ctx, inst); err != nil {
			d.logger.Warn("resumed dispatch failed",
				zap.String("instance_id", inst.ID),
				zap.Error(err),
			)
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

// Run periodically resumes pending dispatches until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.cfg.ResumeInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.ProcessPending(ctx); err != nil {
				d.logger.Error("dispatch resume scan failed", zap.Error(err))
			}
		}
	}
}

// withRetry runs one sub-action with exponential backoff.
func (d *Dispatcher) withRetry(ctx context.Context, action string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.backoff(attempt)):
			}
		}

		if d.metrics != nil {
			d.metrics.RecordDispatchAttempt(action)
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		d.logger.Warn("dispatch sub-action failed",
			zap.String("action", action),
			zap.Int("attempt", attempt+1),
			zap.Int("max", d.cfg.MaxAttempts),
			zap.Error(lastErr),
		)
	}

	if d.metrics != nil {
		d.metrics.RecordDispatchFailure(action)
	}
	return lastErr
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	initial := d.cfg.BackoffInitial
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	max := d.cfg.BackoffMax
	if max <= 0 {
		max = 2 * time.Second
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
