package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/foxzi/outreach/internal/events"
	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/repository"
)

var (
	// ErrCampaignNotDraft is returned for launches and step edits of a
	// campaign that has already left the draft state
	ErrCampaignNotDraft = errors.New("campaign is not in draft")
	// ErrCampaignClosed is returned when enrolling into a completed or cancelled campaign
	ErrCampaignClosed = errors.New("campaign is closed")
	// ErrScheduleInPast is returned for a start time that has already passed
	ErrScheduleInPast = errors.New("scheduled time must be in the future")
	// ErrInvalidStep is returned for a step definition that cannot execute
	ErrInvalidStep = errors.New("invalid step")

	ErrNoSteps    = repository.ErrNoSteps
	ErrNoContacts = repository.ErrNoContacts
)

func notDraft(err error) error {
	if errors.Is(err, repository.ErrInvalidTransition) || errors.Is(err, repository.ErrNotDraft) {
		return fmt.Errorf("%w: %v", ErrCampaignNotDraft, err)
	}
	return err
}

func (e *Engine) getCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	c, err := e.store.Campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	if c == nil {
		return nil, repository.ErrNotFound
	}
	return c, nil
}

func (e *Engine) campaignChanged(c *models.Campaign, to models.CampaignStatus, extra map[string]any) {
	payload := map[string]any{
		"campaign_id": c.ID,
		"from":        c.Status,
		"to":          to,
	}
	for k, v := range extra {
		payload[k] = v
	}
	e.logger.Info("campaign status changed", "campaign_id", c.ID, "from", c.Status, "to", to)
	e.emit(c.OwnerID, events.CampaignStatusChanged, payload)
}

// Launch starts a draft or scheduled campaign: its pending contacts become
// active and due now. Returns the number of contacts activated.
func (e *Engine) Launch(ctx context.Context, campaignID string) (int, error) {
	c, err := e.getCampaign(ctx, campaignID)
	if err != nil {
		return 0, err
	}

	n, err := e.store.Campaigns.Launch(ctx, campaignID, e.now())
	if err != nil {
		return 0, notDraft(err)
	}
	e.campaignChanged(c, models.CampaignRunning, map[string]any{"contacts": n})
	return n, nil
}

// Schedule sets a draft campaign to launch automatically at at
func (e *Engine) Schedule(ctx context.Context, campaignID string, at time.Time) error {
	now := e.now()
	if !at.After(now) {
		return ErrScheduleInPast
	}
	c, err := e.getCampaign(ctx, campaignID)
	if err != nil {
		return err
	}

	if err := e.store.Campaigns.Schedule(ctx, campaignID, at, now); err != nil {
		return notDraft(err)
	}
	e.campaignChanged(c, models.CampaignScheduled, map[string]any{"scheduled_at": at.UTC()})
	return nil
}

// Pause stops a running campaign from being ticked. A send already in
// flight completes.
func (e *Engine) Pause(ctx context.Context, campaignID string) error {
	return e.transition(ctx, campaignID, models.CampaignPaused, models.CampaignRunning)
}

// Resume continues a paused campaign
func (e *Engine) Resume(ctx context.Context, campaignID string) error {
	c, err := e.getCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if err := e.store.Campaigns.SetStatus(ctx, campaignID, models.CampaignRunning, e.now(), models.CampaignPaused); err != nil {
		return err
	}
	e.campaignChanged(c, models.CampaignRunning, nil)
	// Journeys may have ended by reply or bounce while paused
	e.completeIfDone(ctx, c.OwnerID, c.ID)
	return nil
}

// Cancel ends a campaign for good. Open contacts keep their state but are
// never ticked again.
func (e *Engine) Cancel(ctx context.Context, campaignID string) error {
	return e.transition(ctx, campaignID, models.CampaignCancelled,
		models.CampaignDraft, models.CampaignScheduled, models.CampaignRunning, models.CampaignPaused)
}

func (e *Engine) transition(ctx context.Context, campaignID string, to models.CampaignStatus, from ...models.CampaignStatus) error {
	c, err := e.getCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if err := e.store.Campaigns.SetStatus(ctx, campaignID, to, e.now(), from...); err != nil {
		return err
	}
	e.campaignChanged(c, to, nil)
	return nil
}

// EnrollContacts adds contacts to a campaign. Before launch they wait as
// pending; once launched they start active and due now. Duplicates and
// suppressed contacts are skipped. Returns the number enrolled.
func (e *Engine) EnrollContacts(ctx context.Context, campaignID string, contactIDs []string) (int, error) {
	c, err := e.getCampaign(ctx, campaignID)
	if err != nil {
		return 0, err
	}

	switch c.Status {
	case models.CampaignDraft, models.CampaignScheduled:
		return e.store.CampaignContacts.Enroll(ctx, campaignID, contactIDs, models.ContactPending, nil)
	case models.CampaignRunning, models.CampaignPaused:
		now := e.now()
		return e.store.CampaignContacts.Enroll(ctx, campaignID, contactIDs, models.ContactActive, &now)
	}
	return 0, fmt.Errorf("%w: %s", ErrCampaignClosed, c.Status)
}

// AddStep inserts a step at step.Order, or appends it when the order is
// negative or past the end. Only draft campaigns can be edited.
func (e *Engine) AddStep(ctx context.Context, step *models.Step) error {
	steps, err := e.store.Campaigns.ListSteps(ctx, step.CampaignID)
	if err != nil {
		return fmt.Errorf("failed to list steps: %w", err)
	}
	if step.Order < 0 || step.Order > len(steps) {
		step.Order = len(steps)
	}
	if err := e.ValidateStep(step); err != nil {
		return err
	}
	if err := e.store.Campaigns.InsertStep(ctx, step); err != nil {
		return notDraft(err)
	}
	return nil
}

// DeleteStep removes a step from a draft campaign
func (e *Engine) DeleteStep(ctx context.Context, campaignID string, order int) error {
	if err := e.store.Campaigns.DeleteStep(ctx, campaignID, order); err != nil {
		return notDraft(err)
	}
	return nil
}

// ValidateStep checks that a step can execute. Branch and timeout targets
// must point past the step itself so a journey only moves forward.
func (e *Engine) ValidateStep(step *models.Step) error {
	forward := func(name string, target *int) error {
		if target != nil && *target <= step.Order {
			return fmt.Errorf("%w: %s %d must be after step %d", ErrInvalidStep, name, *target, step.Order)
		}
		return nil
	}

	switch step.Kind {
	case models.StepEmail:
		if step.Subject == "" {
			return fmt.Errorf("%w: email step requires a subject", ErrInvalidStep)
		}
		if step.BodyHTML == "" && step.BodyText == "" {
			return fmt.Errorf("%w: email step requires a body", ErrInvalidStep)
		}
		if err := e.templates.Validate(stepTemplate(step)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidStep, err)
		}
	case models.StepDelay:
		if step.Delay < 0 {
			return fmt.Errorf("%w: negative delay", ErrInvalidStep)
		}
	case models.StepCondition:
		if step.ConditionField == "" {
			return fmt.Errorf("%w: condition step requires a field", ErrInvalidStep)
		}
		op, ok := ParseOperator(step.ConditionOperator)
		if !ok {
			return fmt.Errorf("%w: unknown operator %q", ErrInvalidStep, step.ConditionOperator)
		}
		step.ConditionOperator = string(op)
		if err := forward("true_branch_step", step.TrueBranchStep); err != nil {
			return err
		}
		if err := forward("false_branch_step", step.FalseBranchStep); err != nil {
			return err
		}
	case models.StepWebhookWait:
		if step.WebhookEvent == "" {
			return fmt.Errorf("%w: webhook wait step requires an event", ErrInvalidStep)
		}
		if step.WebhookTimeout < 0 {
			return fmt.Errorf("%w: negative webhook timeout", ErrInvalidStep)
		}
		if err := forward("timeout_step", step.TimeoutStep); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidStep, step.Kind)
	}
	return nil
}

// StartScheduledCampaigns launches scheduled campaigns whose time has come.
// A campaign that cannot launch for lack of steps or contacts goes back to
// draft.
func (e *Engine) StartScheduledCampaigns(ctx context.Context) (int, error) {
	due, err := e.store.Campaigns.ListScheduledDue(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("failed to list scheduled campaigns: %w", err)
	}

	started := 0
	for i := range due {
		c := &due[i]
		n, err := e.store.Campaigns.Launch(ctx, c.ID, e.now())
		switch {
		case err == nil:
			started++
			e.campaignChanged(c, models.CampaignRunning, map[string]any{"contacts": n})
		case errors.Is(err, repository.ErrNoSteps) || errors.Is(err, repository.ErrNoContacts):
			e.logger.Warn("scheduled campaign cannot launch, returning to draft", "campaign_id", c.ID, "reason", err)
			if setErr := e.store.Campaigns.SetStatus(ctx, c.ID, models.CampaignDraft, e.now(), models.CampaignScheduled); setErr != nil {
				e.logger.Error("failed to return campaign to draft", "campaign_id", c.ID, "error", setErr)
				continue
			}
			e.campaignChanged(c, models.CampaignDraft, map[string]any{"reason": err.Error()})
		default:
			e.logger.Error("failed to launch scheduled campaign", "campaign_id", c.ID, "error", err)
		}
	}
	return started, nil
}

// Stats returns campaign counters
func (e *Engine) Stats(ctx context.Context, campaignID string) (*models.CampaignStats, error) {
	if _, err := e.getCampaign(ctx, campaignID); err != nil {
		return nil, err
	}
	return e.store.Campaigns.Stats(ctx, campaignID)
}
