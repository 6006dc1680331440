package sequence

import (
	"context"
	"fmt"

	"github.com/foxzi/outreach/internal/events"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/repository"
)

// ResumeWebhookWait advances a contact waiting for event to its next step,
// due immediately. It reports false without error when the contact is not
// waiting for exactly that event, so repeated or racing calls are harmless.
func (e *Engine) ResumeWebhookWait(ctx context.Context, campaignContactID, event string) (bool, error) {
	v, err := e.store.CampaignContacts.GetView(ctx, campaignContactID)
	if err != nil {
		return false, fmt.Errorf("failed to load contact: %w", err)
	}
	if v == nil {
		return false, repository.ErrNotFound
	}
	if v.Status != models.ContactActive || v.WaitingForWebhook == nil || *v.WaitingForWebhook != event {
		return false, nil
	}

	ok, err := e.resume(ctx, v, v.CurrentStepOrder+1)
	if err != nil || !ok {
		return false, err
	}

	metrics.IncWebhookResumes("event")
	e.logger.Info("webhook wait resumed",
		"campaign_contact_id", v.ID,
		"campaign_id", v.CampaignID,
		"event", event,
	)
	e.emit(v.OwnerID, events.ContactResumed, map[string]any{
		"campaign_id":         v.CampaignID,
		"campaign_contact_id": v.ID,
		"contact_id":          v.ContactID,
		"event":               event,
		"reason":              "event",
		"next_step":           v.CurrentStepOrder + 1,
	})
	return true, nil
}

// processTimeout resumes one expired wait along the step's timeout path
func (e *Engine) processTimeout(ctx context.Context, id string) bool {
	logger := e.logger.With("campaign_contact_id", id)

	v, err := e.store.CampaignContacts.GetView(ctx, id)
	if err != nil {
		logger.Error("failed to load contact", "error", err)
		return false
	}
	now := e.now()
	if v == nil || v.Status != models.ContactActive || v.WaitingForWebhook == nil ||
		v.WaitExpiresAt == nil || v.WaitExpiresAt.After(now) {
		return false
	}

	step, err := e.store.Campaigns.GetStep(ctx, v.CampaignID, v.CurrentStepOrder)
	if err != nil {
		logger.Error("failed to load step", "error", err)
		return false
	}
	target := v.CurrentStepOrder + 1
	if step != nil && step.TimeoutStep != nil && *step.TimeoutStep > v.CurrentStepOrder {
		target = *step.TimeoutStep
	}

	ok, err := e.resume(ctx, v, target)
	if err != nil {
		logger.Error("failed to resume timed out wait", "error", err)
		return false
	}
	if !ok {
		return false
	}

	metrics.IncWebhookResumes("timeout")
	logger.Info("webhook wait timed out",
		"campaign_id", v.CampaignID,
		"event", *v.WaitingForWebhook,
		"next_step", target,
	)
	e.emit(v.OwnerID, events.ContactResumed, map[string]any{
		"campaign_id":         v.CampaignID,
		"campaign_contact_id": v.ID,
		"contact_id":          v.ContactID,
		"event":               *v.WaitingForWebhook,
		"reason":              "timeout",
		"next_step":           target,
	})
	return true
}

// resume clears the wait and makes the contact due at order now. The update
// only applies while the contact still waits for the same event on the same
// step.
func (e *Engine) resume(ctx context.Context, v *models.ContactView, order int) (bool, error) {
	now := e.now()
	ok, err := e.store.CampaignContacts.Advance(ctx, v.ID,
		repository.Cursor{StepOrder: v.CurrentStepOrder, Waiting: *v.WaitingForWebhook},
		repository.Update{
			Status:     models.ContactActive,
			StepOrder:  order,
			NextSendAt: &now,
		})
	if err != nil {
		return false, fmt.Errorf("failed to resume contact: %w", err)
	}
	return ok, nil
}
