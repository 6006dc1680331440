// Package sequence advances campaign contacts through their step sequences.
// The campaign_contacts table is the work queue: a contact is due when it is
// active, not waiting for a webhook and its next_send_at has passed. Every
// cursor change is a conditional update, so concurrent callers never advance
// a contact twice.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxzi/outreach/internal/events"
	"github.com/foxzi/outreach/internal/mailer"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/repository"
	"github.com/foxzi/outreach/internal/template"
)

const (
	maxRetryBackoff    = time.Hour
	maxReserveAttempts = 3
)

// Mailer delivers one rendered email from a sender account
type Mailer interface {
	Send(ctx context.Context, account *models.SenderAccount, msg *mailer.Message) (string, error)
	Hostname() string
}

// SenderSelector picks the account an email is sent from
type SenderSelector interface {
	SelectBestSender(ctx context.Context, ownerID, campaignID string) (*models.SenderAccount, error)
}

// HealthRegistry records deliverability signals against sender accounts
type HealthRegistry interface {
	ReserveSend(ctx context.Context, id string) (bool, error)
	ReleaseSend(ctx context.Context, id string) error
	RecordBounce(ctx context.Context, id string) error
	RecordOpen(ctx context.Context, id string) error
}

// Emitter publishes lifecycle events. Emit must not block.
type Emitter interface {
	Emit(ownerID, name string, payload any)
}

// SendLimiter enforces hourly and daily send ceilings
type SendLimiter interface {
	Allow(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error)
	Release(ctx context.Context, req *ratelimit.Request) error
}

// Config controls tick batching and the retry policy
type Config struct {
	Workers       int
	BatchSize     int
	MaxRetries    int
	RetryInterval time.Duration
	DeferInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Minute
	}
	if c.DeferInterval <= 0 {
		c.DeferInterval = time.Minute
	}
}

// Options are the collaborators of the engine. Mailer, Senders and Health
// are required; the rest may be nil.
type Options struct {
	Mailer   Mailer
	Senders  SenderSelector
	Health   HealthRegistry
	Emitter  Emitter
	Limiter  SendLimiter
	Throttle *ratelimit.Throttle
	Tracker  *mailer.Tracker
}

// Engine executes campaign steps
type Engine struct {
	store     *repository.Store
	mailer    Mailer
	senders   SenderSelector
	health    HealthRegistry
	emitter   Emitter
	limiter   SendLimiter
	throttle  *ratelimit.Throttle
	tracker   *mailer.Tracker
	templates *template.Engine
	cfg       Config
	logger    *slog.Logger

	// Now and Jitter are replaceable in tests. Jitter returns a value in [0, n).
	Now    func() time.Time
	Jitter func(n int64) int64

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a sequence engine
func New(store *repository.Store, opts Options, cfg Config, logger *slog.Logger) *Engine {
	cfg.setDefaults()
	return &Engine{
		store:     store,
		mailer:    opts.Mailer,
		senders:   opts.Senders,
		health:    opts.Health,
		emitter:   opts.Emitter,
		limiter:   opts.Limiter,
		throttle:  opts.Throttle,
		tracker:   opts.Tracker,
		templates: template.NewEngine(),
		cfg:       cfg,
		logger:    logger.With("component", "sequence"),
		Now:       time.Now,
		Jitter:    rand.Int64N,
		inflight:  make(map[string]struct{}),
	}
}

func (e *Engine) now() time.Time {
	return e.Now().UTC()
}

// ProcessDueSteps executes the current step of every due contact and returns
// how many contacts were processed. A failing contact never aborts the batch.
func (e *Engine) ProcessDueSteps(ctx context.Context) (int, error) {
	ids, err := e.store.CampaignContacts.ListDue(ctx, e.now(), e.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list due contacts: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return e.runPool(ctx, ids, e.processDue), nil
}

// ProcessWebhookTimeouts resumes contacts whose webhook wait has expired
// along the step's timeout path. Returns how many were resumed.
func (e *Engine) ProcessWebhookTimeouts(ctx context.Context) (int, error) {
	ids, err := e.store.CampaignContacts.ListExpiredWaits(ctx, e.now(), e.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired webhook waits: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return e.runPool(ctx, ids, e.processTimeout), nil
}

// runPool feeds ids to a bounded set of workers. A contact already held by
// another worker is skipped; it stays due and is picked up next tick.
func (e *Engine) runPool(ctx context.Context, ids []string, fn func(ctx context.Context, id string) bool) int {
	workers := min(e.cfg.Workers, len(ids))
	jobs := make(chan string)
	var processed atomic.Int64
	var wg sync.WaitGroup

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if e.runOne(ctx, id, fn) {
					processed.Add(1)
				}
			}
		}()
	}

feed:
	for _, id := range ids {
		select {
		case jobs <- id:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	return int(processed.Load())
}

func (e *Engine) runOne(ctx context.Context, id string, fn func(ctx context.Context, id string) bool) (ok bool) {
	if !e.lock(id) {
		return false
	}
	defer e.unlock(id)

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic while processing contact", "campaign_contact_id", id, "panic", r)
			ok = false
		}
	}()

	return fn(ctx, id)
}

func (e *Engine) lock(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) unlock(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

// processDue re-reads the contact, confirms it is still due and executes the
// step at its cursor
func (e *Engine) processDue(ctx context.Context, id string) bool {
	logger := e.logger.With("campaign_contact_id", id)

	v, err := e.store.CampaignContacts.GetView(ctx, id)
	if err != nil {
		logger.Error("failed to load contact", "error", err)
		return false
	}
	now := e.now()
	if v == nil || v.Status != models.ContactActive || v.WaitingForWebhook != nil ||
		v.NextSendAt == nil || v.NextSendAt.After(now) {
		return false
	}

	campaign, err := e.store.Campaigns.GetByID(ctx, v.CampaignID)
	if err != nil {
		logger.Error("failed to load campaign", "campaign_id", v.CampaignID, "error", err)
		return false
	}
	if campaign == nil || campaign.Status != models.CampaignRunning {
		return false
	}

	logger = logger.With("campaign_id", campaign.ID, "step_order", v.CurrentStepOrder)

	step, err := e.store.Campaigns.GetStep(ctx, campaign.ID, v.CurrentStepOrder)
	if err != nil {
		logger.Error("failed to load step", "error", err)
		return false
	}
	if step == nil {
		if _, err := e.completeContact(ctx, campaign, v, v.CurrentStepOrder, ""); err != nil {
			logger.Error("failed to complete contact", "error", err)
		}
		return true
	}

	result, err := e.executeStep(ctx, campaign, v, step, logger)
	if err != nil {
		result = e.handleStepError(ctx, campaign, v, step, err, logger)
	}
	metrics.IncStepsExecuted(string(step.Kind), result)

	return true
}

func (e *Engine) executeStep(ctx context.Context, c *models.Campaign, v *models.ContactView, step *models.Step, logger *slog.Logger) (string, error) {
	switch step.Kind {
	case models.StepEmail:
		return e.executeEmail(ctx, c, v, step, logger)
	case models.StepDelay:
		return e.executeDelay(ctx, v, step)
	case models.StepCondition:
		return e.executeCondition(ctx, c, v, step, logger)
	case models.StepWebhookWait:
		return e.executeWebhookWait(ctx, c, v, step, logger)
	}
	return e.fail(ctx, c, v, fmt.Sprintf("unknown step kind %q", step.Kind), logger)
}

// advance moves a due contact from its current step to order, due at next
func (e *Engine) advance(ctx context.Context, v *models.ContactView, order int, next time.Time, senderID string) (bool, error) {
	next = next.UTC()
	return e.store.CampaignContacts.Advance(ctx, v.ID,
		repository.Cursor{StepOrder: v.CurrentStepOrder},
		repository.Update{
			Status:       models.ContactActive,
			StepOrder:    order,
			NextSendAt:   &next,
			LastSenderID: senderID,
		})
}

// deferStep keeps a due contact on its current step and retries it after d.
// The retry count is left as is.
func (e *Engine) deferStep(ctx context.Context, v *models.ContactView, d time.Duration, reason string, logger *slog.Logger) (string, error) {
	if d <= 0 {
		d = e.cfg.DeferInterval
	}
	next := e.now().Add(d)
	ok, err := e.store.CampaignContacts.Advance(ctx, v.ID,
		repository.Cursor{StepOrder: v.CurrentStepOrder},
		repository.Update{
			Status:     models.ContactActive,
			StepOrder:  v.CurrentStepOrder,
			NextSendAt: &next,
			RetryCount: v.RetryCount,
		})
	if err != nil {
		return "", fmt.Errorf("failed to defer step: %w", err)
	}
	if !ok {
		return resultSkipped, nil
	}
	logger.Info("step deferred", "reason", reason, "next_send_at", next)
	return resultDeferred, nil
}

// completeContact finishes a journey at order and completes the campaign
// when it was the last open contact
func (e *Engine) completeContact(ctx context.Context, c *models.Campaign, v *models.ContactView, order int, senderID string) (string, error) {
	now := e.now()
	ok, err := e.store.CampaignContacts.Advance(ctx, v.ID,
		repository.Cursor{StepOrder: v.CurrentStepOrder},
		repository.Update{
			Status:       models.ContactCompleted,
			StepOrder:    order,
			LastSenderID: senderID,
			CompletedAt:  &now,
		})
	if err != nil {
		return "", fmt.Errorf("failed to complete contact: %w", err)
	}
	if !ok {
		return resultSkipped, nil
	}

	e.emit(c.OwnerID, events.CampaignCompleted, map[string]any{
		"campaign_id":         c.ID,
		"campaign_contact_id": v.ID,
		"contact_id":          v.ContactID,
	})
	e.statusChanged(c.OwnerID, c.ID, v.ID, v.ContactID, models.ContactCompleted, "")
	e.completeIfDone(ctx, c.OwnerID, c.ID)
	return resultCompleted, nil
}

// fail moves a due contact to the error status
func (e *Engine) fail(ctx context.Context, c *models.Campaign, v *models.ContactView, reason string, logger *slog.Logger) (string, error) {
	now := e.now()
	ok, err := e.store.CampaignContacts.Advance(ctx, v.ID,
		repository.Cursor{StepOrder: v.CurrentStepOrder},
		repository.Update{
			Status:       models.ContactError,
			StepOrder:    v.CurrentStepOrder,
			RetryCount:   v.RetryCount,
			CompletedAt:  &now,
			ErrorMessage: reason,
		})
	if err != nil {
		return "", fmt.Errorf("failed to mark contact failed: %w", err)
	}
	if !ok {
		return resultSkipped, nil
	}

	logger.Warn("contact failed", "reason", reason)
	e.statusChanged(c.OwnerID, c.ID, v.ID, v.ContactID, models.ContactError, reason)
	e.completeIfDone(ctx, c.OwnerID, c.ID)
	return resultFailed, nil
}

// handleStepError applies the retry policy to a failed step. Bounces stop
// the journey, temporary failures back off until the retry budget is spent.
func (e *Engine) handleStepError(ctx context.Context, c *models.Campaign, v *models.ContactView, step *models.Step, stepErr error, logger *slog.Logger) string {
	var se *sendError
	isSend := errors.As(stepErr, &se)
	if !isSend {
		e.recordError(ctx, v, step, "", stepErr)
	}

	switch {
	case isSend && mailer.IsBounce(stepErr):
		logger.Warn("recipient rejected", "error", stepErr)
		metrics.IncEmailsFailed("bounce")
		if err := e.bounce(ctx, v, se.senderID, stepErr.Error()); err != nil {
			logger.Error("failed to record bounce", "error", err)
		}
		return resultBounced

	case isSend && !mailer.IsTemporary(stepErr):
		metrics.IncEmailsFailed("permanent")
		result, err := e.fail(ctx, c, v, stepErr.Error(), logger)
		if err != nil {
			logger.Error("failed to mark contact failed", "error", err)
			return resultFailed
		}
		return result
	}

	if isSend {
		metrics.IncEmailsFailed("temporary")
	}

	attempt := v.RetryCount + 1
	if attempt > e.cfg.MaxRetries {
		result, err := e.fail(ctx, c, v, fmt.Sprintf("giving up after %d retries: %v", v.RetryCount, stepErr), logger)
		if err != nil {
			logger.Error("failed to mark contact failed", "error", err)
			return resultFailed
		}
		return result
	}

	backoff := retryBackoff(e.cfg.RetryInterval, attempt)
	next := e.now().Add(backoff)
	ok, err := e.store.CampaignContacts.Advance(ctx, v.ID,
		repository.Cursor{StepOrder: v.CurrentStepOrder},
		repository.Update{
			Status:       models.ContactActive,
			StepOrder:    v.CurrentStepOrder,
			NextSendAt:   &next,
			RetryCount:   attempt,
			ErrorMessage: stepErr.Error(),
		})
	if err != nil {
		logger.Error("failed to schedule retry", "error", err)
		return resultFailed
	}
	if ok {
		logger.Warn("step failed, will retry",
			"error", stepErr,
			"retry_count", attempt,
			"next_send_at", next,
		)
	}
	return resultRetry
}

// retryBackoff is base * 2^(attempt-1), capped at one hour
func retryBackoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := base
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return min(backoff, maxRetryBackoff)
}

// jitter returns a duration in [lo, hi]
func (e *Engine) jitter(lo, hi time.Duration) time.Duration {
	if lo < 0 {
		lo = 0
	}
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(e.Jitter(int64(hi-lo)+1))
}
