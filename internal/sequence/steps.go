package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/foxzi/outreach/internal/events"
	"github.com/foxzi/outreach/internal/mailer"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/repository"
	"github.com/foxzi/outreach/internal/sender"
	"github.com/foxzi/outreach/internal/template"
)

// Step outcomes reported to metrics
const (
	resultAdvanced  = "advanced"
	resultCompleted = "completed"
	resultWaiting   = "waiting"
	resultDeferred  = "deferred"
	resultRetry     = "retry"
	resultBounced   = "bounced"
	resultFailed    = "failed"
	resultSkipped   = "skipped"
)

// sendError is a mailer failure for a known sender account
type sendError struct {
	senderID string
	err      error
}

func (e *sendError) Error() string {
	return "send failed: " + e.err.Error()
}

func (e *sendError) Unwrap() error {
	return e.err
}

func sentKey(campaignContactID string, order int) string {
	return "sent:" + campaignContactID + ":" + strconv.Itoa(order)
}

func openedKey(campaignContactID string, order int) string {
	return "opened:" + campaignContactID + ":" + strconv.Itoa(order)
}

func clickedKey(campaignContactID string, order int, url string) string {
	return "clicked:" + campaignContactID + ":" + strconv.Itoa(order) + ":" + url
}

func bouncedKey(campaignContactID string) string {
	return "bounced:" + campaignContactID
}

// executeEmail renders and sends the step's email. A step whose send was
// already recorded advances without sending again.
func (e *Engine) executeEmail(ctx context.Context, c *models.Campaign, v *models.ContactView, step *models.Step, logger *slog.Logger) (string, error) {
	sent, err := e.store.Activities.GetByKey(ctx, sentKey(v.ID, step.Order))
	if err != nil {
		return "", fmt.Errorf("failed to check send record: %w", err)
	}
	if sent != nil {
		logger.Info("email already sent, advancing")
		return e.advanceAfterSend(ctx, c, v, step, sent.SenderAccountID)
	}

	account, err := e.reserveSender(ctx, c)
	if errors.Is(err, sender.ErrNoSenderAvailable) {
		metrics.IncSenderExhausted()
		return e.deferStep(ctx, v, e.cfg.DeferInterval, "no sender available", logger)
	}
	if err != nil {
		return "", err
	}

	var limitReq *ratelimit.Request
	if e.limiter != nil {
		req := &ratelimit.Request{Sender: account.Email, Recipient: v.Contact.Email}
		res, err := e.limiter.Allow(ctx, req)
		if err != nil {
			e.releaseSend(ctx, account.ID, nil, logger)
			return "", fmt.Errorf("failed to check rate limits: %w", err)
		}
		if !res.Allowed {
			e.releaseSend(ctx, account.ID, nil, logger)
			return e.deferStep(ctx, v, res.RetryAfter,
				fmt.Sprintf("rate limit %s %s exceeded", res.DeniedBy, res.DeniedKey), logger)
		}
		limitReq = req
	}

	if err := e.throttle.Wait(ctx); err != nil {
		e.releaseSend(ctx, account.ID, limitReq, logger)
		return "", fmt.Errorf("send throttle: %w", err)
	}

	msg := e.buildMessage(c, v, step, account)
	messageID, err := e.mailer.Send(ctx, account, msg)
	if err != nil {
		e.releaseSend(ctx, account.ID, limitReq, logger)
		e.recordError(ctx, v, step, account.ID, err)
		return "", &sendError{senderID: account.ID, err: err}
	}

	if _, err := e.store.Activities.Append(ctx, &models.Activity{
		CampaignID:        c.ID,
		CampaignContactID: v.ID,
		StepID:            step.ID,
		SenderAccountID:   account.ID,
		Type:              models.ActivitySent,
		IdempotencyKey:    sentKey(v.ID, step.Order),
		Metadata: map[string]string{
			"message_id": messageID,
			"subject":    msg.Subject,
			"from":       account.Email,
			"to":         msg.To,
		},
		OccurredAt: e.now(),
	}); err != nil {
		logger.Error("failed to record sent email", "message_id", messageID, "error", err)
	}
	metrics.IncEmailsSent()

	logger.Info("email sent",
		"sender", account.Email,
		"to", msg.To,
		"message_id", messageID,
	)
	e.emit(c.OwnerID, events.EmailSent, map[string]any{
		"campaign_id":         c.ID,
		"campaign_contact_id": v.ID,
		"contact_id":          v.ContactID,
		"step_order":          step.Order,
		"sender_account_id":   account.ID,
		"message_id":          messageID,
	})

	return e.advanceAfterSend(ctx, c, v, step, account.ID)
}

// reserveSender picks the best sender and claims one unit of its daily
// quota. A sender whose quota was taken by a concurrent worker between
// selection and reservation is skipped in favor of the next pick.
func (e *Engine) reserveSender(ctx context.Context, c *models.Campaign) (*models.SenderAccount, error) {
	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		account, err := e.senders.SelectBestSender(ctx, c.OwnerID, c.ID)
		if err != nil {
			if errors.Is(err, sender.ErrNoSenderAvailable) {
				return nil, err
			}
			return nil, fmt.Errorf("failed to select sender: %w", err)
		}
		ok, err := e.health.ReserveSend(ctx, account.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			return account, nil
		}
	}
	return nil, sender.ErrNoSenderAvailable
}

// releaseSend gives back the quota claimed for an email that was not sent
func (e *Engine) releaseSend(ctx context.Context, senderID string, req *ratelimit.Request, logger *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	if err := e.health.ReleaseSend(ctx, senderID); err != nil {
		logger.Warn("failed to release sender quota", "sender_id", senderID, "error", err)
	}
	if req != nil && e.limiter != nil {
		if err := e.limiter.Release(ctx, req); err != nil {
			logger.Warn("failed to release rate limit", "sender", req.Sender, "error", err)
		}
	}
}

// advanceAfterSend moves past a sent email: to the next step after the
// campaign's jittered inter-step delay, or to completion after the last one
func (e *Engine) advanceAfterSend(ctx context.Context, c *models.Campaign, v *models.ContactView, step *models.Step, senderID string) (string, error) {
	order := step.Order + 1
	next, err := e.store.Campaigns.GetStep(ctx, c.ID, order)
	if err != nil {
		return "", fmt.Errorf("failed to load next step: %w", err)
	}
	if next == nil {
		return e.completeContact(ctx, c, v, order, senderID)
	}

	ok, err := e.advance(ctx, v, order, e.now().Add(e.jitter(c.StepDelayMin, c.StepDelayMax)), senderID)
	if err != nil {
		return "", fmt.Errorf("failed to advance contact: %w", err)
	}
	if !ok {
		return resultSkipped, nil
	}
	return resultAdvanced, nil
}

func stepTemplate(step *models.Step) *template.Template {
	return &template.Template{
		Subject: step.Subject,
		HTML:    step.BodyHTML,
		Text:    step.BodyText,
	}
}

func (e *Engine) buildMessage(c *models.Campaign, v *models.ContactView, step *models.Step, account *models.SenderAccount) *mailer.Message {
	rendered := e.templates.Render(stepTemplate(step), mergeVars(v, account))

	headers := map[string]string{
		"X-Campaign-ID": c.ID,
	}
	html := rendered.HTML
	if e.tracker != nil {
		html = e.tracker.Instrument(html, v.ID, step.Order, c.TrackOpens, c.TrackClicks)
		headers["List-Unsubscribe"] = "<" + e.tracker.UnsubscribeURL(v.ID, step.Order) + ">"
		headers["List-Unsubscribe-Post"] = "List-Unsubscribe=One-Click"
	}

	fromName := c.FromName
	if fromName == "" {
		fromName = account.Name
	}

	return &mailer.Message{
		FromName:  fromName,
		To:        v.Contact.Email,
		ReplyTo:   c.ReplyTo,
		Subject:   rendered.Subject,
		HTML:      html,
		Text:      rendered.Text,
		MessageID: mailer.MessageID(v.ID, step.Order, e.mailer.Hostname()),
		Headers:   headers,
		Date:      e.now(),
	}
}

// executeDelay moves to the next step once the delay has passed
func (e *Engine) executeDelay(ctx context.Context, v *models.ContactView, step *models.Step) (string, error) {
	ok, err := e.advance(ctx, v, step.Order+1, e.now().Add(step.Delay), "")
	if err != nil {
		return "", fmt.Errorf("failed to advance contact: %w", err)
	}
	if !ok {
		return resultSkipped, nil
	}
	return resultAdvanced, nil
}

// executeCondition jumps to the true or false branch. A missing target means
// the next step; a target past the last step completes the journey.
func (e *Engine) executeCondition(ctx context.Context, c *models.Campaign, v *models.ContactView, step *models.Step, logger *slog.Logger) (string, error) {
	op, _ := ParseOperator(step.ConditionOperator)
	matched, ok := Evaluate(Fields(v), step.ConditionField, op, step.ConditionValue)
	if !ok {
		logger.Warn("condition not evaluable, using false branch",
			"field", step.ConditionField,
			"operator", step.ConditionOperator,
		)
	}

	target := step.FalseBranchStep
	if matched {
		target = step.TrueBranchStep
	}
	order := step.Order + 1
	if target != nil {
		order = *target
	}
	if order <= step.Order {
		return e.fail(ctx, c, v, fmt.Sprintf("branch target %d does not follow step %d", order, step.Order), logger)
	}

	next, err := e.store.Campaigns.GetStep(ctx, c.ID, order)
	if err != nil {
		return "", fmt.Errorf("failed to load branch step: %w", err)
	}
	if next == nil {
		return e.completeContact(ctx, c, v, order, "")
	}

	advanced, err := e.advance(ctx, v, order, e.now(), "")
	if err != nil {
		return "", fmt.Errorf("failed to advance contact: %w", err)
	}
	if !advanced {
		return resultSkipped, nil
	}
	logger.Debug("condition evaluated", "field", step.ConditionField, "result", matched, "next_step", order)
	return resultAdvanced, nil
}

// executeWebhookWait parks the contact on its step until the named event
// arrives or the wait times out
func (e *Engine) executeWebhookWait(ctx context.Context, c *models.Campaign, v *models.ContactView, step *models.Step, logger *slog.Logger) (string, error) {
	event := step.WebhookEvent
	if event == "" {
		return e.fail(ctx, c, v, "webhook wait step has no event", logger)
	}

	update := repository.Update{
		Status:    models.ContactActive,
		StepOrder: step.Order,
		Waiting:   &event,
	}
	if step.WebhookTimeout > 0 {
		expires := e.now().Add(step.WebhookTimeout)
		update.WaitExpiresAt = &expires
	}

	ok, err := e.store.CampaignContacts.Advance(ctx, v.ID, repository.Cursor{StepOrder: v.CurrentStepOrder}, update)
	if err != nil {
		return "", fmt.Errorf("failed to start webhook wait: %w", err)
	}
	if !ok {
		return resultSkipped, nil
	}

	payload := map[string]any{
		"campaign_id":         c.ID,
		"campaign_contact_id": v.ID,
		"contact_id":          v.ContactID,
		"step_order":          step.Order,
		"event":               event,
	}
	if update.WaitExpiresAt != nil {
		payload["expires_at"] = *update.WaitExpiresAt
	}
	e.emit(c.OwnerID, events.ContactWaiting, payload)
	logger.Info("waiting for webhook", "event", event)
	return resultWaiting, nil
}

// recordError appends an error activity for a failed step
func (e *Engine) recordError(ctx context.Context, v *models.ContactView, step *models.Step, senderID string, stepErr error) {
	metadata := map[string]string{
		"reason":     stepErr.Error(),
		"step_order": strconv.Itoa(step.Order),
	}
	var de *mailer.DeliveryError
	if errors.As(stepErr, &de) && de.Code != 0 {
		metadata["smtp_code"] = strconv.Itoa(de.Code)
	}

	if _, err := e.store.Activities.Append(ctx, &models.Activity{
		CampaignID:        v.CampaignID,
		CampaignContactID: v.ID,
		StepID:            step.ID,
		SenderAccountID:   senderID,
		Type:              models.ActivityError,
		Metadata:          metadata,
		OccurredAt:        e.now(),
	}); err != nil {
		e.logger.Error("failed to record error activity", "campaign_contact_id", v.ID, "error", err)
	}
}

func (e *Engine) emit(ownerID, name string, payload map[string]any) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(ownerID, name, payload)
}

func (e *Engine) statusChanged(ownerID, campaignID, campaignContactID, contactID string, status models.ContactStatus, reason string) {
	payload := map[string]any{
		"campaign_id":         campaignID,
		"campaign_contact_id": campaignContactID,
		"contact_id":          contactID,
		"status":              status,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	e.emit(ownerID, events.ContactStatusChanged, payload)
}

// completeIfDone completes a running campaign with no open contacts left
func (e *Engine) completeIfDone(ctx context.Context, ownerID, campaignID string) {
	done, err := e.store.Campaigns.CompleteIfDone(ctx, campaignID, e.now())
	if err != nil {
		e.logger.Error("failed to check campaign completion", "campaign_id", campaignID, "error", err)
		return
	}
	if !done {
		return
	}
	e.logger.Info("campaign completed", "campaign_id", campaignID)
	e.emit(ownerID, events.CampaignStatusChanged, map[string]any{
		"campaign_id": campaignID,
		"from":        models.CampaignRunning,
		"to":          models.CampaignCompleted,
	})
}
