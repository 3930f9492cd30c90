package reports

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sellerbot/internal/gateway"
	"sellerbot/internal/retry"
	"sellerbot/internal/storage"
	"sellerbot/internal/transport"
	logx "sellerbot/pkg/logx"
)

type runnerStore interface {
	Tenant(ctx context.Context, id int64) (storage.Tenant, error)
	DailyBudget(ctx context.Context, tenantID int64) (storage.DailyBudget, error)
}

// Runner produces one account summary and sends it to the task's chat.
type Runner struct {
	store  runnerStore
	gw     gateway.Gateway
	caller *retry.Caller
	msg    transport.Messenger
	log    logx.Logger

	now func() time.Time
}

func NewRunner(st runnerStore, gw gateway.Gateway, caller *retry.Caller, msg transport.Messenger, log logx.Logger) *Runner {
	return &Runner{store: st, gw: gw, caller: caller, msg: msg, log: log, now: time.Now}
}

func (r *Runner) Run(ctx context.Context, task storage.ReportTask) error {
	tenant, err := r.store.Tenant(ctx, task.TenantID)
	if err != nil {
		return fmt.Errorf("reports: tenant %d: %w", task.TenantID, err)
	}
	if !tenant.Active {
		return nil
	}

	text, err := r.render(ctx, tenant, task.Metrics)
	if err != nil {
		return err
	}

	chatID := task.ChatID
	if chatID == 0 {
		chatID = tenant.ChatID
	}
	if err := r.msg.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		return fmt.Errorf("reports: send to chat %d: %w", chatID, err)
	}
	r.log.Info("report sent",
		logx.Int64("task_id", task.ID),
		logx.Int64("tenant_id", tenant.ID),
		logx.Int64("chat_id", chatID))
	return nil
}

func (r *Runner) render(ctx context.Context, tenant storage.Tenant, metrics []string) (string, error) {
	now := r.now()
	var b strings.Builder
	fmt.Fprintf(&b, "📊 %s — %s\n", tenant.Name, now.Format("02.01.2006 15:04"))

	if wantMetric(metrics, "listings") {
		var token string
		err := r.caller.Do(ctx, "token", func(ctx context.Context) error {
			var err error
			token, err = r.gw.Token(ctx, credentials(tenant))
			return err
		})
		if err != nil {
			return "", fmt.Errorf("reports: token for tenant %d: %w", tenant.ID, err)
		}

		var items []int64
		err = r.caller.Do(ctx, "listings", func(ctx context.Context) error {
			var err error
			items, err = r.gw.ActiveListings(ctx, token)
			return err
		})
		if err != nil {
			return "", fmt.Errorf("reports: listings for tenant %d: %w", tenant.ID, err)
		}
		fmt.Fprintf(&b, "Active listings: %d\n", len(items))
	}

	if wantMetric(metrics, "budget") {
		if cfg, err := r.store.DailyBudget(ctx, tenant.ID); err == nil {
			amount := cfg.WeekdayPenny[weekdayIndex(now.Weekday())]
			fmt.Fprintf(&b, "Today's budget: %d.%02d (%s)\n", amount/100, amount%100, cfg.Mode)
			if !cfg.LastApplied.IsZero() {
				fmt.Fprintf(&b, "Budget last applied: %s\n", cfg.LastApplied.Format("2006-01-02"))
			}
		} else if !errors.Is(err, storage.ErrNotFound) {
			return "", err
		}
	}

	return strings.TrimRight(b.String(), "\n"), nil
}

// wantMetric reports whether a section is selected; an empty selection
// includes everything.
func wantMetric(metrics []string, name string) bool {
	if len(metrics) == 0 {
		return true
	}
	for _, m := range metrics {
		if m == name {
			return true
		}
	}
	return false
}

func credentials(t storage.Tenant) gateway.Credentials {
	return gateway.Credentials{
		TenantID:     t.ID,
		ClientID:     t.ClientID,
		ClientSecret: t.ClientSecret,
		AccessToken:  t.AccessToken,
		ExpiresAt:    t.TokenExpiresAt,
	}
}

func weekdayIndex(d time.Weekday) int {
	return (int(d) + 6) % 7
}
