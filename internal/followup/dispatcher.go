// Package followup drains the scheduled-delivery queue: claims due
// deliveries, gates them against live conversation state, renders their
// content and sends them.
package followup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sellerbot/internal/gateway"
	"sellerbot/internal/storage"
	"sellerbot/internal/transport"
	logx "sellerbot/pkg/logx"
)

type store interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]storage.Delivery, error)
	UpdateDeliveryStatus(ctx context.Context, id string, status storage.DeliveryStatus) error
	FollowupStep(ctx context.Context, id int64) (storage.FollowupStep, error)
	ConversationStateFor(ctx context.Context, tenantID, recipientID int64, conversationID string) (storage.ConversationState, bool, error)
	AppendTranscript(ctx context.Context, e storage.TranscriptEntry) error
}

type Config struct {
	// BatchSize caps how many deliveries one tick claims.
	BatchSize int
}

// Dispatcher processes due deliveries. It is driven by a single
// overlap-skipping job, so at most one tick runs at a time; the claim is
// atomic anyway, so a second dispatcher would simply share the load.
type Dispatcher struct {
	cfg   Config
	store store
	msg   transport.Messenger
	gen   gateway.Generator
	log   logx.Logger

	now func() time.Time
}

func NewDispatcher(cfg Config, st store, msg transport.Messenger, gen gateway.Generator, log logx.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Dispatcher{cfg: cfg, store: st, msg: msg, gen: gen, log: log, now: time.Now}
}

type Stats struct {
	Claimed  int
	Sent     int
	Canceled int
	Failed   int
}

// Tick claims one batch of due deliveries and processes each to a terminal
// state. Per-delivery failures are absorbed into the stats; only claim
// failures propagate.
func (d *Dispatcher) Tick(ctx context.Context) (Stats, error) {
	var st Stats
	batch, err := d.store.ClaimDue(ctx, d.now(), d.cfg.BatchSize)
	if err != nil {
		return st, fmt.Errorf("followup: claim: %w", err)
	}
	st.Claimed = len(batch)

	for _, dv := range batch {
		status := d.process(ctx, dv)
		if err := d.store.UpdateDeliveryStatus(ctx, dv.ID, status); err != nil {
			d.log.Error("delivery status update failed",
				logx.String("delivery_id", dv.ID),
				logx.String("status", string(status)),
				logx.Err(err))
		}
		switch status {
		case storage.StatusSent:
			st.Sent++
		case storage.StatusCanceled:
			st.Canceled++
		default:
			st.Failed++
		}
	}

	if st.Claimed > 0 {
		d.log.Info("followup tick",
			logx.Int("claimed", st.Claimed),
			logx.Int("sent", st.Sent),
			logx.Int("canceled", st.Canceled),
			logx.Int("failed", st.Failed))
	}
	return st, nil
}

// process decides the terminal state for one claimed delivery.
func (d *Dispatcher) process(ctx context.Context, dv storage.Delivery) storage.DeliveryStatus {
	step, err := d.store.FollowupStep(ctx, dv.StepID)
	if errors.Is(err, storage.ErrNotFound) {
		// A queued delivery pointing at a step row that no longer exists is
		// broken data, not a routine cancel; flag it for an operator.
		d.log.Error("step missing for delivery",
			logx.String("delivery_id", dv.ID),
			logx.Int64("step_id", dv.StepID))
		return storage.StatusFailed
	}
	if err != nil {
		d.log.Error("step load failed", logx.String("delivery_id", dv.ID), logx.Err(err))
		return storage.StatusFailed
	}
	if !step.Active {
		// Switched off after scheduling.
		return storage.StatusCanceled
	}

	// Gating always consults the state as it is now, not the snapshot taken
	// at scheduling time.
	state, _, err := d.store.ConversationStateFor(ctx, dv.TenantID, dv.RecipientID, dv.ConversationID)
	if err != nil {
		d.log.Error("conversation state load failed", logx.String("delivery_id", dv.ID), logx.Err(err))
		return storage.StatusFailed
	}
	if !allowed(step.SendMode, state) {
		d.log.Debug("delivery gated off",
			logx.String("delivery_id", dv.ID),
			logx.String("send_mode", string(step.SendMode)),
			logx.Bool("converted", state.IsConverted),
			logx.Bool("negative", state.HasNegative))
		return storage.StatusCanceled
	}

	text, err := d.content(ctx, step, dv)
	if err != nil {
		d.log.Error("content generation failed", logx.String("delivery_id", dv.ID), logx.Err(err))
		return storage.StatusFailed
	}
	if strings.TrimSpace(text) == "" {
		return storage.StatusCanceled
	}

	if err := d.msg.SendText(ctx, transport.ChatTarget{ChatID: dv.RecipientID}, text, nil); err != nil {
		d.log.Error("delivery send failed",
			logx.String("delivery_id", dv.ID),
			logx.Int64("recipient_id", dv.RecipientID),
			logx.Err(err))
		return storage.StatusFailed
	}

	if err := d.store.AppendTranscript(ctx, storage.TranscriptEntry{
		TenantID:       dv.TenantID,
		RecipientID:    dv.RecipientID,
		ConversationID: dv.ConversationID,
		Role:           "assistant",
		Content:        text,
		At:             d.now(),
	}); err != nil {
		// The message went out; a transcript write failure is not a delivery
		// failure.
		d.log.Warn("transcript append failed", logx.String("delivery_id", dv.ID), logx.Err(err))
	}
	return storage.StatusSent
}

func allowed(mode storage.SendMode, state storage.ConversationState) bool {
	switch mode {
	case storage.SendIfNotConverted:
		return !state.IsConverted
	case storage.SendIfNotConvertedNoNegative:
		return !state.IsConverted && !state.HasNegative
	default: // always
		return true
	}
}

func (d *Dispatcher) content(ctx context.Context, step storage.FollowupStep, dv storage.Delivery) (string, error) {
	if step.ContentType == storage.ContentGenerated {
		return d.gen.Generate(ctx, step.ContentText, gateway.GenerateMeta{
			TenantID:       dv.TenantID,
			RecipientID:    dv.RecipientID,
			ConversationID: dv.ConversationID,
			StepID:         step.ID,
		})
	}
	return step.ContentText, nil
}
