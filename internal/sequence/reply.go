package sequence

import (
	"context"
	"fmt"
	"strconv"

	"github.com/foxzi/outreach/internal/classifier"
	"github.com/foxzi/outreach/internal/events"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/repository"
)

// ShortCircuitConfidence is the minimum confidence at which an unsubscribe or
// bounce reply stops the sequence as such
const ShortCircuitConfidence = 0.9

// Reply is an inbound message mapped to a campaign contact
type Reply struct {
	CampaignContactID string
	// MessageID deduplicates redelivered replies when set
	MessageID string
	Subject   string
	Body      string
}

// ProcessReply classifies a reply, records it and applies its effect on the
// journey: unsubscribe and bounce stop every open journey of the contact,
// out-of-office changes nothing, anything else ends the journey as replied.
func (e *Engine) ProcessReply(ctx context.Context, reply Reply) (*classifier.Result, error) {
	v, err := e.store.CampaignContacts.GetView(ctx, reply.CampaignContactID)
	if err != nil {
		return nil, fmt.Errorf("failed to load contact: %w", err)
	}
	if v == nil {
		return nil, repository.ErrNotFound
	}

	result := classifier.Classify(reply.Subject, reply.Body, &classifier.Contact{
		FirstName: v.Contact.FirstName,
		Company:   v.Contact.Company,
	})

	activity := &models.Activity{
		CampaignID:        v.CampaignID,
		CampaignContactID: v.ID,
		SenderAccountID:   v.LastSenderID,
		Type:              models.ActivityReplied,
		Metadata: map[string]string{
			"intent":     string(result.Intent),
			"confidence": strconv.FormatFloat(result.Confidence, 'f', 2, 64),
			"action":     string(result.Action),
			"subject":    reply.Subject,
		},
		OccurredAt: e.now(),
	}
	if reply.MessageID != "" {
		activity.IdempotencyKey = "replied:" + v.ID + ":" + reply.MessageID
		activity.Metadata["message_id"] = reply.MessageID
	}
	appended, err := e.store.Activities.Append(ctx, activity)
	if err != nil {
		return nil, err
	}
	if !appended {
		return &result, nil
	}

	metrics.IncReplies(string(result.Intent))
	e.logger.Info("reply received",
		"campaign_contact_id", v.ID,
		"campaign_id", v.CampaignID,
		"intent", result.Intent,
		"confidence", result.Confidence,
	)
	e.emit(v.OwnerID, events.ReplyReceived, map[string]any{
		"campaign_id":         v.CampaignID,
		"campaign_contact_id": v.ID,
		"contact_id":          v.ContactID,
		"intent":              result.Intent,
		"confidence":          result.Confidence,
		"action":              result.Action,
		"draft_reply":         result.DraftReply,
	})

	if err := e.applyClassification(ctx, v, result); err != nil {
		return &result, err
	}
	return &result, nil
}

func (e *Engine) applyClassification(ctx context.Context, v *models.ContactView, result classifier.Result) error {
	confident := result.Confidence >= ShortCircuitConfidence

	switch {
	case result.Intent == classifier.IntentUnsubscribe && confident:
		return e.unsubscribe(ctx, v, "unsubscribe requested in reply")
	case result.Intent == classifier.IntentBounce && confident:
		return e.bounce(ctx, v, v.LastSenderID, "bounce reply")
	case result.Intent == classifier.IntentOutOfOffice:
		return nil
	}

	_, err := e.terminate(ctx, v.OwnerID, &v.CampaignContact, models.ContactReplied, "")
	return err
}

// RecordBounce handles an explicit bounce notification for the last email
// sent to a campaign contact
func (e *Engine) RecordBounce(ctx context.Context, campaignContactID, reason string) error {
	v, err := e.store.CampaignContacts.GetView(ctx, campaignContactID)
	if err != nil {
		return fmt.Errorf("failed to load contact: %w", err)
	}
	if v == nil {
		return repository.ErrNotFound
	}
	if reason == "" {
		reason = "bounce notification"
	}
	return e.bounce(ctx, v, v.LastSenderID, reason)
}

// bounce records one bounce per journey against the sender, flags the
// address and stops every open journey of the contact
func (e *Engine) bounce(ctx context.Context, v *models.ContactView, senderID, reason string) error {
	appended, err := e.store.Activities.Append(ctx, &models.Activity{
		CampaignID:        v.CampaignID,
		CampaignContactID: v.ID,
		SenderAccountID:   senderID,
		Type:              models.ActivityBounced,
		IdempotencyKey:    bouncedKey(v.ID),
		Metadata:          map[string]string{"reason": reason},
		OccurredAt:        e.now(),
	})
	if err != nil {
		return err
	}

	if appended {
		if senderID != "" {
			if err := e.health.RecordBounce(ctx, senderID); err != nil {
				e.logger.Warn("failed to record bounce against sender", "sender_id", senderID, "error", err)
			}
		}
		e.emit(v.OwnerID, events.EmailBounced, map[string]any{
			"campaign_id":         v.CampaignID,
			"campaign_contact_id": v.ID,
			"contact_id":          v.ContactID,
			"sender_account_id":   senderID,
			"reason":              reason,
		})
	}

	if err := e.store.Contacts.MarkBounced(ctx, v.ContactID); err != nil {
		return fmt.Errorf("failed to flag contact bounced: %w", err)
	}
	return e.suppress(ctx, v, models.ContactBounced, reason)
}

// Unsubscribe handles a one-click unsubscribe for a campaign contact
func (e *Engine) Unsubscribe(ctx context.Context, campaignContactID string) error {
	v, err := e.store.CampaignContacts.GetView(ctx, campaignContactID)
	if err != nil {
		return fmt.Errorf("failed to load contact: %w", err)
	}
	if v == nil {
		return repository.ErrNotFound
	}
	return e.unsubscribe(ctx, v, "unsubscribe link")
}

func (e *Engine) unsubscribe(ctx context.Context, v *models.ContactView, reason string) error {
	if err := e.store.Contacts.MarkUnsubscribed(ctx, v.ContactID); err != nil {
		return fmt.Errorf("failed to flag contact unsubscribed: %w", err)
	}
	return e.suppress(ctx, v, models.ContactUnsubscribed, reason)
}

// suppress ends the given journey and every other open journey of the
// same contact with status
func (e *Engine) suppress(ctx context.Context, v *models.ContactView, status models.ContactStatus, reason string) error {
	if _, err := e.terminate(ctx, v.OwnerID, &v.CampaignContact, status, reason); err != nil {
		return err
	}

	ids, err := e.store.CampaignContacts.ListOpenByContact(ctx, v.ContactID)
	if err != nil {
		return fmt.Errorf("failed to list open journeys: %w", err)
	}
	for _, id := range ids {
		cc, err := e.store.CampaignContacts.GetByID(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load journey %s: %w", id, err)
		}
		if cc == nil {
			continue
		}
		if _, err := e.terminate(ctx, v.OwnerID, cc, status, reason); err != nil {
			return err
		}
	}
	return nil
}

// terminate forces a pending or active journey to a terminal status from any
// step
func (e *Engine) terminate(ctx context.Context, ownerID string, cc *models.CampaignContact, status models.ContactStatus, reason string) (bool, error) {
	ok, err := e.store.CampaignContacts.ForceTerminal(ctx, cc.ID, status, reason, e.now())
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	e.logger.Info("contact stopped",
		"campaign_contact_id", cc.ID,
		"campaign_id", cc.CampaignID,
		"status", status,
	)
	e.statusChanged(ownerID, cc.CampaignID, cc.ID, cc.ContactID, status, reason)
	e.completeIfDone(ctx, ownerID, cc.CampaignID)
	return true, nil
}

// RecordOpen records the first open of a step email and credits the sender
func (e *Engine) RecordOpen(ctx context.Context, campaignContactID string, order int) error {
	v, err := e.store.CampaignContacts.GetView(ctx, campaignContactID)
	if err != nil {
		return fmt.Errorf("failed to load contact: %w", err)
	}
	if v == nil {
		return repository.ErrNotFound
	}

	sent, err := e.store.Activities.GetByKey(ctx, sentKey(v.ID, order))
	if err != nil {
		return err
	}
	var senderID string
	if sent != nil {
		senderID = sent.SenderAccountID
	}

	appended, err := e.store.Activities.Append(ctx, &models.Activity{
		CampaignID:        v.CampaignID,
		CampaignContactID: v.ID,
		SenderAccountID:   senderID,
		Type:              models.ActivityOpened,
		IdempotencyKey:    openedKey(v.ID, order),
		Metadata:          map[string]string{"step_order": strconv.Itoa(order)},
		OccurredAt:        e.now(),
	})
	if err != nil || !appended {
		return err
	}

	if senderID != "" {
		if err := e.health.RecordOpen(ctx, senderID); err != nil {
			e.logger.Warn("failed to record open against sender", "sender_id", senderID, "error", err)
		}
	}
	e.emit(v.OwnerID, events.EmailOpened, map[string]any{
		"campaign_id":         v.CampaignID,
		"campaign_contact_id": v.ID,
		"contact_id":          v.ContactID,
		"step_order":          order,
	})
	return nil
}

// RecordClick records the first click of a link in a step email
func (e *Engine) RecordClick(ctx context.Context, campaignContactID string, order int, url string) error {
	v, err := e.store.CampaignContacts.GetView(ctx, campaignContactID)
	if err != nil {
		return fmt.Errorf("failed to load contact: %w", err)
	}
	if v == nil {
		return repository.ErrNotFound
	}

	appended, err := e.store.Activities.Append(ctx, &models.Activity{
		CampaignID:        v.CampaignID,
		CampaignContactID: v.ID,
		Type:              models.ActivityClicked,
		IdempotencyKey:    clickedKey(v.ID, order, url),
		Metadata: map[string]string{
			"step_order": strconv.Itoa(order),
			"url":        url,
		},
		OccurredAt: e.now(),
	})
	if err != nil || !appended {
		return err
	}

	e.emit(v.OwnerID, events.EmailClicked, map[string]any{
		"campaign_id":         v.CampaignID,
		"campaign_contact_id": v.ID,
		"contact_id":          v.ContactID,
		"step_order":          order,
		"url":                 url,
	})
	return nil
}
