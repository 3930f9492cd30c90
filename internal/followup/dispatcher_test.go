package followup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sellerbot/internal/gateway"
	"sellerbot/internal/storage"
	"sellerbot/internal/transport"
	logx "sellerbot/pkg/logx"
)

type fakeQueue struct {
	due    []storage.Delivery
	steps  map[int64]storage.FollowupStep
	states map[string]storage.ConversationState

	statuses    map[string]storage.DeliveryStatus
	transcripts []storage.TranscriptEntry
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		steps:    map[int64]storage.FollowupStep{},
		states:   map[string]storage.ConversationState{},
		statuses: map[string]storage.DeliveryStatus{},
	}
}

func (f *fakeQueue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]storage.Delivery, error) {
	batch := f.due
	if len(batch) > limit {
		batch = batch[:limit]
	}
	f.due = f.due[len(batch):]
	return batch, nil
}

func (f *fakeQueue) UpdateDeliveryStatus(ctx context.Context, id string, status storage.DeliveryStatus) error {
	f.statuses[id] = status
	return nil
}

func (f *fakeQueue) FollowupStep(ctx context.Context, id int64) (storage.FollowupStep, error) {
	st, ok := f.steps[id]
	if !ok {
		return storage.FollowupStep{}, storage.ErrNotFound
	}
	return st, nil
}

func (f *fakeQueue) ConversationStateFor(ctx context.Context, tenantID, recipientID int64, conversationID string) (storage.ConversationState, bool, error) {
	st, ok := f.states[conversationID]
	return st, ok, nil
}

func (f *fakeQueue) AppendTranscript(ctx context.Context, e storage.TranscriptEntry) error {
	f.transcripts = append(f.transcripts, e)
	return nil
}

type fakeMessenger struct {
	sent    []string
	targets []transport.ChatTarget
	err     error
}

func (f *fakeMessenger) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, text)
	f.targets = append(f.targets, to)
	return nil
}

type fakeGenerator struct {
	text string
	meta gateway.GenerateMeta
}

func (f *fakeGenerator) Generate(ctx context.Context, instruction string, meta gateway.GenerateMeta) (string, error) {
	f.meta = meta
	if f.text == "" {
		return "", errors.New("generator unavailable")
	}
	return f.text, nil
}

func delivery(id string, stepID int64) storage.Delivery {
	return storage.Delivery{
		ID:             id,
		TenantID:       1,
		RecipientID:    555,
		StepID:         stepID,
		ConversationID: "conv-1",
		Status:         storage.StatusProcessing,
	}
}

func TestTickSendsFixedContent(t *testing.T) {
	q := newFakeQueue()
	q.steps[10] = storage.FollowupStep{ID: 10, Active: true, SendMode: storage.SendAlways, ContentType: storage.ContentFixed, ContentText: "still interested?"}
	q.due = []storage.Delivery{delivery("d1", 10)}
	msg := &fakeMessenger{}
	d := NewDispatcher(Config{}, q, msg, &fakeGenerator{}, logx.Logger{})

	st, err := d.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Stats{Claimed: 1, Sent: 1}, st)
	assert.Equal(t, storage.StatusSent, q.statuses["d1"])
	require.Len(t, msg.sent, 1)
	assert.Equal(t, "still interested?", msg.sent[0])
	assert.Equal(t, int64(555), msg.targets[0].ChatID)
	require.Len(t, q.transcripts, 1)
	assert.Equal(t, "assistant", q.transcripts[0].Role)
}

func TestTickCancelsConvertedConversation(t *testing.T) {
	q := newFakeQueue()
	q.steps[10] = storage.FollowupStep{ID: 10, Active: true, SendMode: storage.SendIfNotConverted, ContentType: storage.ContentFixed, ContentText: "x"}
	q.states["conv-1"] = storage.ConversationState{IsConverted: true}
	q.due = []storage.Delivery{delivery("d1", 10)}
	msg := &fakeMessenger{}
	d := NewDispatcher(Config{}, q, msg, &fakeGenerator{}, logx.Logger{})

	st, err := d.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Stats{Claimed: 1, Canceled: 1}, st)
	assert.Equal(t, storage.StatusCanceled, q.statuses["d1"])
	assert.Empty(t, msg.sent)
}

func TestTickNegativeGating(t *testing.T) {
	q := newFakeQueue()
	q.steps[10] = storage.FollowupStep{ID: 10, Active: true, SendMode: storage.SendIfNotConvertedNoNegative, ContentType: storage.ContentFixed, ContentText: "x"}
	q.states["conv-1"] = storage.ConversationState{HasNegative: true}
	q.due = []storage.Delivery{delivery("d1", 10)}
	msg := &fakeMessenger{}
	d := NewDispatcher(Config{}, q, msg, &fakeGenerator{}, logx.Logger{})

	st, err := d.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Stats{Claimed: 1, Canceled: 1}, st)
	assert.Empty(t, msg.sent)

	// The same state does not gate the softer mode.
	q.steps[11] = storage.FollowupStep{ID: 11, Active: true, SendMode: storage.SendIfNotConverted, ContentType: storage.ContentFixed, ContentText: "y"}
	q.due = []storage.Delivery{delivery("d2", 11)}
	st, err = d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Claimed: 1, Sent: 1}, st)
}

func TestTickFailsWhenStepMissing(t *testing.T) {
	// No step row at all: the queue references data that no longer exists,
	// which is an integrity failure, not a cancel.
	q := newFakeQueue()
	q.due = []storage.Delivery{delivery("d1", 99)}
	msg := &fakeMessenger{}
	d := NewDispatcher(Config{}, q, msg, &fakeGenerator{}, logx.Logger{})

	st, err := d.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Stats{Claimed: 1, Failed: 1}, st)
	assert.Equal(t, storage.StatusFailed, q.statuses["d1"])
	assert.Empty(t, msg.sent)
}

func TestTickCancelsWhenStepDeactivated(t *testing.T) {
	q := newFakeQueue()
	q.steps[10] = storage.FollowupStep{ID: 10, Active: false, SendMode: storage.SendAlways, ContentType: storage.ContentFixed, ContentText: "x"}
	q.due = []storage.Delivery{delivery("d1", 10)}
	msg := &fakeMessenger{}
	d := NewDispatcher(Config{}, q, msg, &fakeGenerator{}, logx.Logger{})

	st, err := d.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Stats{Claimed: 1, Canceled: 1}, st)
	assert.Equal(t, storage.StatusCanceled, q.statuses["d1"])
	assert.Empty(t, msg.sent)
}

func TestTickGeneratedContent(t *testing.T) {
	q := newFakeQueue()
	q.steps[10] = storage.FollowupStep{ID: 10, Active: true, SendMode: storage.SendAlways, ContentType: storage.ContentGenerated, ContentText: "nudge politely"}
	q.due = []storage.Delivery{delivery("d1", 10)}
	msg := &fakeMessenger{}
	gen := &fakeGenerator{text: "Hi! Just checking in."}
	d := NewDispatcher(Config{}, q, msg, gen, logx.Logger{})

	st, err := d.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Stats{Claimed: 1, Sent: 1}, st)
	require.Len(t, msg.sent, 1)
	assert.Equal(t, "Hi! Just checking in.", msg.sent[0])
	assert.Equal(t, int64(1), gen.meta.TenantID)
	assert.Equal(t, int64(10), gen.meta.StepID)
}

func TestTickFailedSendMarksFailed(t *testing.T) {
	q := newFakeQueue()
	q.steps[10] = storage.FollowupStep{ID: 10, Active: true, SendMode: storage.SendAlways, ContentType: storage.ContentFixed, ContentText: "x"}
	q.due = []storage.Delivery{delivery("d1", 10)}
	msg := &fakeMessenger{err: errors.New("blocked by user")}
	d := NewDispatcher(Config{}, q, msg, &fakeGenerator{}, logx.Logger{})

	st, err := d.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Stats{Claimed: 1, Failed: 1}, st)
	assert.Equal(t, storage.StatusFailed, q.statuses["d1"])
	assert.Empty(t, q.transcripts)
}
