// Package budget applies per-weekday promotion budgets to every active
// listing of a tenant.
package budget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sellerbot/internal/gateway"
	"sellerbot/internal/retry"
	"sellerbot/internal/storage"
	logx "sellerbot/pkg/logx"
)

// ErrNotConfigured is returned when a tenant has no weekday budgets saved.
var ErrNotConfigured = errors.New("budget: not configured for tenant")

// store is the slice of the storage layer the applier needs.
type store interface {
	DailyBudget(ctx context.Context, tenantID int64) (storage.DailyBudget, error)
	MarkBudgetApplied(ctx context.Context, tenantID int64, date time.Time) error
}

type Applier struct {
	store  store
	gw     gateway.Gateway
	caller *retry.Caller
	log    logx.Logger
}

func NewApplier(st store, gw gateway.Gateway, caller *retry.Caller, log logx.Logger) *Applier {
	return &Applier{store: st, gw: gw, caller: caller, log: log}
}

// Result summarizes one apply run for a tenant.
type Result struct {
	TenantID    int64
	Date        time.Time
	AmountPenny int64
	Mode        storage.BudgetMode

	Applied int
	Failed  int
	// Errors holds one line per failed listing, capped for chat output.
	Errors []string
}

func (r Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "budget %s: %d.%02d applied to %d listings",
		r.Date.Format("2006-01-02"), r.AmountPenny/100, r.AmountPenny%100, r.Applied)
	if r.Failed > 0 {
		fmt.Fprintf(&b, ", %d failed", r.Failed)
		for i, e := range r.Errors {
			if i >= 5 {
				fmt.Fprintf(&b, "\n… and %d more", len(r.Errors)-i)
				break
			}
			b.WriteString("\n")
			b.WriteString(e)
		}
	}
	return b.String()
}

// weekdayIndex maps time.Weekday to the Mon=0..Sun=6 layout the budget table
// uses.
func weekdayIndex(d time.Weekday) int {
	return (int(d) + 6) % 7
}

// AlreadyApplied reports whether a completed run already covers the date.
// The nightly job uses this to dedup its own cadence; Apply itself does not
// check it, so re-running a date re-sends the same values.
func AlreadyApplied(cfg storage.DailyBudget, date time.Time) bool {
	return !cfg.LastApplied.IsZero() && !cfg.LastApplied.Before(dateOnly(date))
}

// Apply sets the date's budget on every active listing of the tenant,
// unconditionally: a re-run for an applied date repeats the same calls, and
// a zero-penny weekday is sent as zero so it overwrites whatever the
// platform held for the previous day. Token and listing-enumeration failures
// abort the run; per-listing failures are collected so one bad listing does
// not stop the rest. A completed run marks the date applied, even a
// partially failed one; a human re-triggers explicitly when needed.
func (a *Applier) Apply(ctx context.Context, tenant storage.Tenant, date time.Time) (Result, error) {
	res := Result{TenantID: tenant.ID, Date: date}

	cfg, err := a.store.DailyBudget(ctx, tenant.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return res, ErrNotConfigured
		}
		return res, err
	}
	res.Mode = cfg.Mode
	res.AmountPenny = cfg.WeekdayPenny[weekdayIndex(date.Weekday())]
	amount := res.AmountPenny

	var token string
	err = a.caller.Do(ctx, "token", func(ctx context.Context) error {
		var err error
		token, err = a.gw.Token(ctx, credentials(tenant))
		return err
	})
	if err != nil {
		return res, fmt.Errorf("budget: token for tenant %d: %w", tenant.ID, err)
	}

	var items []int64
	err = a.caller.Do(ctx, "listings", func(ctx context.Context) error {
		var err error
		items, err = a.gw.ActiveListings(ctx, token)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("budget: listings for tenant %d: %w", tenant.ID, err)
	}

	for _, itemID := range items {
		if err := a.applyItem(ctx, token, itemID, amount, cfg); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("listing %d: %v", itemID, err))
			a.log.Warn("budget apply failed for listing",
				logx.Int64("tenant_id", tenant.ID),
				logx.Int64("item_id", itemID),
				logx.Err(err))
			continue
		}
		res.Applied++
	}

	if err := a.store.MarkBudgetApplied(ctx, tenant.ID, date); err != nil {
		return res, err
	}
	a.log.Info("budget applied",
		logx.Int64("tenant_id", tenant.ID),
		logx.String("date", date.Format("2006-01-02")),
		logx.Int64("amount_penny", amount),
		logx.Int("applied", res.Applied),
		logx.Int("failed", res.Failed))
	return res, nil
}

func (a *Applier) applyItem(ctx context.Context, token string, itemID, amount int64, cfg storage.DailyBudget) error {
	switch cfg.Mode {
	case storage.BudgetManual:
		var bid int64
		err := a.caller.Do(ctx, "bid", func(ctx context.Context) error {
			var err error
			bid, err = a.gw.Bid(ctx, token, itemID)
			return err
		})
		if err != nil {
			return err
		}
		return a.caller.Do(ctx, "set_manual", func(ctx context.Context) error {
			return a.gw.SetManualLimit(ctx, token, itemID, amount, bid, cfg.ActionTypeID)
		})
	default: // auto_budget
		return a.caller.Do(ctx, "set_auto", func(ctx context.Context) error {
			return a.gw.SetAutoBudget(ctx, token, itemID, amount, cfg.ActionTypeID)
		})
	}
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

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
