package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sellerbot/internal/trigger"
	logx "sellerbot/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Logger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedTenant(t *testing.T, s *Store) int64 {
	t.Helper()
	id, err := s.UpsertTenant(context.Background(), Tenant{
		Name: "acme", ChatID: 100, ClientID: "cid", ClientSecret: "sec", Active: true,
	})
	require.NoError(t, err)
	return id
}

func TestTenantRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := seedTenant(t, s)
	got, err := s.Tenant(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Name)
	assert.True(t, got.Active)
	assert.True(t, got.TokenExpiresAt.IsZero())

	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, s.SaveToken(ctx, id, "tok-1", exp))
	got, err = s.Tenant(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got.AccessToken)
	assert.Equal(t, exp, got.TokenExpiresAt)

	_, err = s.Tenant(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReportTaskWeekdaysRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tid := seedTenant(t, s)

	taskID, err := s.UpsertReportTask(ctx, ReportTask{
		TenantID: tid,
		ChatID:   100,
		Schedule: trigger.ScheduleConfig{
			Frequency: trigger.FreqWeekly,
			Weekdays:  []int{1, 3, 6},
			TimeOfDay: "09:00",
			Timezone:  "Europe/Moscow",
			Active:    true,
		},
		Metrics: []string{"listings", "budget"},
	})
	require.NoError(t, err)

	got, err := s.ReportTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 6}, got.Schedule.Weekdays)
	assert.Equal(t, trigger.FreqWeekly, got.Schedule.Frequency)
	assert.Equal(t, []string{"listings", "budget"}, got.Metrics)

	// Clearing the selection round-trips as "all sections".
	got.Metrics = nil
	_, err = s.UpsertReportTask(ctx, got)
	require.NoError(t, err)
	got, err = s.ReportTask(ctx, taskID)
	require.NoError(t, err)
	assert.Nil(t, got.Metrics)

	active, err := s.ActiveReportTasks(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestActiveReportTasksExcludesInactive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tid := seedTenant(t, s)

	_, err := s.UpsertReportTask(ctx, ReportTask{
		TenantID: tid, ChatID: 100,
		Schedule: trigger.ScheduleConfig{Frequency: trigger.FreqDaily, TimeOfDay: "09:00", Active: false},
	})
	require.NoError(t, err)

	active, err := s.ActiveReportTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestDailyBudgetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tid := seedTenant(t, s)

	_, err := s.DailyBudget(ctx, tid)
	assert.ErrorIs(t, err, ErrNotFound)

	b := DailyBudget{
		TenantID:     tid,
		WeekdayPenny: [7]int64{1000, 0, 500, 0, 0, 0, 2000},
		Mode:         BudgetManual,
		ActionTypeID: 5,
	}
	require.NoError(t, s.SaveDailyBudget(ctx, b))

	got, err := s.DailyBudget(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, b.WeekdayPenny, got.WeekdayPenny)
	assert.Equal(t, BudgetManual, got.Mode)
	assert.True(t, got.LastApplied.IsZero())

	date := time.Date(2025, 6, 4, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkBudgetApplied(ctx, tid, date))
	got, err = s.DailyBudget(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, date, got.LastApplied)

	// Re-saving the config keeps the applied marker.
	b.WeekdayPenny[0] = 1500
	require.NoError(t, s.SaveDailyBudget(ctx, b))
	got, err = s.DailyBudget(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), got.WeekdayPenny[0])
	assert.Equal(t, date, got.LastApplied)
}

func TestEnqueueFollowupsCreatesOnePerActiveStep(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tid := seedTenant(t, s)

	for i, delay := range []int{60, 3600, 86400} {
		_, err := s.UpsertFollowupStep(ctx, FollowupStep{
			TenantID: tid, OrderIndex: i, DelaySeconds: delay,
			SendMode: SendAlways, ContentType: ContentFixed, ContentText: "hi", Active: true,
		})
		require.NoError(t, err)
	}
	_, err := s.UpsertFollowupStep(ctx, FollowupStep{
		TenantID: tid, OrderIndex: 3, DelaySeconds: 10, SendMode: SendAlways,
		ContentType: ContentFixed, ContentText: "off", Active: false,
	})
	require.NoError(t, err)

	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	n, err := s.EnqueueFollowups(ctx, tid, 555, "conv-1", ConversationState{}, now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Nothing is due yet.
	due, err := s.ClaimDue(ctx, now, 100)
	require.NoError(t, err)
	assert.Empty(t, due)

	// After the first delay, exactly one is due, earliest first.
	due, err = s.ClaimDue(ctx, now.Add(2*time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, StatusProcessing, due[0].Status)
	assert.Equal(t, now.Add(time.Minute), due[0].ExecuteAt)
}

func TestClaimDueWholeSecondRowWithFractionalNow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tid := seedTenant(t, s)
	_, err := s.UpsertFollowupStep(ctx, FollowupStep{
		TenantID: tid, DelaySeconds: 0, SendMode: SendAlways,
		ContentType: ContentFixed, ContentText: "hi", Active: true,
	})
	require.NoError(t, err)

	// execute_at lands on a whole second, now is half a second later. With a
	// variable-width text layout "…05Z" sorts after "…05.5Z" and the row is
	// invisible until the next tick; the fixed-width layout must find it.
	due := time.Date(2025, 6, 2, 12, 0, 5, 0, time.UTC)
	_, err = s.EnqueueFollowups(ctx, tid, 555, "conv", ConversationState{}, due)
	require.NoError(t, err)

	batch, err := s.ClaimDue(ctx, due.Add(500*time.Millisecond), 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, due, batch[0].ExecuteAt)
}

func TestClaimDueIsDisjointUnderConcurrency(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tid := seedTenant(t, s)
	_, err := s.UpsertFollowupStep(ctx, FollowupStep{
		TenantID: tid, DelaySeconds: 0, SendMode: SendAlways,
		ContentType: ContentFixed, ContentText: "hi", Active: true,
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	for i := 0; i < 30; i++ {
		_, err := s.EnqueueFollowups(ctx, tid, int64(1000+i), "conv", ConversationState{}, now.Add(-time.Minute))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claimed := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := s.ClaimDue(ctx, now, 7)
				if !assert.NoError(t, err) {
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, d := range batch {
					claimed[d.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 30)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "delivery %s claimed more than once", id)
	}
}

func TestUpdateDeliveryStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tid := seedTenant(t, s)
	_, err := s.UpsertFollowupStep(ctx, FollowupStep{
		TenantID: tid, SendMode: SendAlways, ContentType: ContentFixed, ContentText: "hi", Active: true,
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = s.EnqueueFollowups(ctx, tid, 555, "conv", ConversationState{}, now.Add(-time.Minute))
	require.NoError(t, err)

	batch, err := s.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, s.UpdateDeliveryStatus(ctx, batch[0].ID, StatusSent))
	got, err := s.Delivery(ctx, batch[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)

	assert.ErrorIs(t, s.UpdateDeliveryStatus(ctx, "no-such-id", StatusSent), ErrNotFound)
}

func TestConversationState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.ConversationStateFor(ctx, 1, 2, "c")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetConversationState(ctx, 1, 2, "c", ConversationState{IsConverted: true}))
	st, ok, err := s.ConversationStateFor(ctx, 1, 2, "c")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, st.IsConverted)
	assert.False(t, st.HasNegative)

	require.NoError(t, s.SetConversationState(ctx, 1, 2, "c", ConversationState{IsConverted: true, HasNegative: true}))
	st, _, err = s.ConversationStateFor(ctx, 1, 2, "c")
	require.NoError(t, err)
	assert.True(t, st.HasNegative)
}

func TestChangesSignaledOnMutation(t *testing.T) {
	s := openTestStore(t)

	select {
	case <-s.Changes():
		t.Fatal("unexpected change signal before any mutation")
	default:
	}

	seedTenant(t, s)
	select {
	case <-s.Changes():
	case <-time.After(time.Second):
		t.Fatal("expected change signal after mutation")
	}
}
