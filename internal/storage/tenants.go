package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"sellerbot/internal/trigger"
)

func (s *Store) Tenants(ctx context.Context) ([]Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, chat_id, client_id, client_secret, access_token, token_expires_at, active
		 FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) ActiveTenants(ctx context.Context) ([]Tenant, error) {
	all, err := s.Tenants(ctx)
	if err != nil {
		return nil, err
	}
	n := 0
	for _, t := range all {
		if t.Active {
			all[n] = t
			n++
		}
	}
	return all[:n], nil
}

func (s *Store) Tenant(ctx context.Context, id int64) (Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, chat_id, client_id, client_secret, access_token, token_expires_at, active
		 FROM tenants WHERE id = ?`, id)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	return t, err
}

func (s *Store) UpsertTenant(ctx context.Context, t Tenant) (int64, error) {
	if t.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO tenants(name, chat_id, client_id, client_secret, access_token, token_expires_at, active)
			 VALUES(?,?,?,?,?,?,?)`,
			t.Name, t.ChatID, t.ClientID, t.ClientSecret,
			nullStr(t.AccessToken), nullTime(t.TokenExpiresAt, timeLayout), t.Active)
		if err != nil {
			return 0, err
		}
		id, err := res.LastInsertId()
		if err == nil {
			s.NotifyChanged()
		}
		return id, err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET name=?, chat_id=?, client_id=?, client_secret=?, access_token=?, token_expires_at=?, active=?
		 WHERE id=?`,
		t.Name, t.ChatID, t.ClientID, t.ClientSecret,
		nullStr(t.AccessToken), nullTime(t.TokenExpiresAt, timeLayout), t.Active, t.ID)
	if err == nil {
		s.NotifyChanged()
	}
	return t.ID, err
}

// SaveToken implements gateway.TokenSink.
func (s *Store) SaveToken(ctx context.Context, tenantID int64, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET access_token=?, token_expires_at=? WHERE id=?`,
		token, expiresAt.UTC().Format(timeLayout), tenantID)
	return err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanTenant(r rowScanner) (Tenant, error) {
	var (
		t       Tenant
		token   sql.NullString
		expires sql.NullString
	)
	if err := r.Scan(&t.ID, &t.Name, &t.ChatID, &t.ClientID, &t.ClientSecret, &token, &expires, &t.Active); err != nil {
		return Tenant{}, err
	}
	t.AccessToken = token.String
	t.TokenExpiresAt = parseTime(expires, timeLayout)
	return t, nil
}

// ---- report tasks ----

func (s *Store) ActiveReportTasks(ctx context.Context) ([]ReportTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rt.id, rt.tenant_id, rt.chat_id, rt.frequency, rt.interval_days, rt.weekdays, rt.time_of_day, rt.timezone, rt.metrics, rt.active
		 FROM report_tasks rt
		 JOIN tenants t ON t.id = rt.tenant_id
		 WHERE rt.active = 1 AND rt.chat_id != 0 AND t.active = 1
		 ORDER BY rt.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReportTask
	for rows.Next() {
		task, err := scanReportTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *Store) ReportTask(ctx context.Context, id int64) (ReportTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, chat_id, frequency, interval_days, weekdays, time_of_day, timezone, metrics, active
		 FROM report_tasks WHERE id = ?`, id)
	task, err := scanReportTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ReportTask{}, ErrNotFound
	}
	return task, err
}

func (s *Store) UpsertReportTask(ctx context.Context, task ReportTask) (int64, error) {
	weekdays := joinWeekdays(task.Schedule.Weekdays)
	metrics, err := joinMetrics(task.Metrics)
	if err != nil {
		return 0, err
	}
	if task.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO report_tasks(tenant_id, chat_id, frequency, interval_days, weekdays, time_of_day, timezone, metrics, active)
			 VALUES(?,?,?,?,?,?,?,?,?)`,
			task.TenantID, task.ChatID, string(task.Schedule.Frequency), task.Schedule.IntervalDays,
			weekdays, task.Schedule.TimeOfDay, task.Schedule.Timezone, metrics, task.Schedule.Active)
		if err != nil {
			return 0, err
		}
		id, err := res.LastInsertId()
		if err == nil {
			s.NotifyChanged()
		}
		return id, err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE report_tasks SET tenant_id=?, chat_id=?, frequency=?, interval_days=?, weekdays=?, time_of_day=?, timezone=?, metrics=?, active=?
		 WHERE id=?`,
		task.TenantID, task.ChatID, string(task.Schedule.Frequency), task.Schedule.IntervalDays,
		weekdays, task.Schedule.TimeOfDay, task.Schedule.Timezone, metrics, task.Schedule.Active, task.ID)
	if err == nil {
		s.NotifyChanged()
	}
	return task.ID, err
}

func scanReportTask(r rowScanner) (ReportTask, error) {
	var (
		task     ReportTask
		freq     string
		weekdays string
		metrics  string
	)
	if err := r.Scan(&task.ID, &task.TenantID, &task.ChatID, &freq, &task.Schedule.IntervalDays,
		&weekdays, &task.Schedule.TimeOfDay, &task.Schedule.Timezone, &metrics, &task.Schedule.Active); err != nil {
		return ReportTask{}, err
	}
	task.Schedule.Frequency = trigger.Frequency(freq)
	task.Schedule.Weekdays = splitWeekdays(weekdays)
	task.Metrics = splitMetrics(metrics)
	return task, nil
}

// weekdays are stored as a CSV of Mon=0..Sun=6 ints, e.g. "0,2,4".
func joinWeekdays(wds []int) string {
	parts := make([]string, 0, len(wds))
	for _, wd := range wds {
		parts = append(parts, strconv.Itoa(wd))
	}
	return strings.Join(parts, ",")
}

func splitWeekdays(s string) []int {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var out []int
	for _, p := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err == nil && n >= 0 && n <= 6 {
			out = append(out, n)
		}
	}
	return out
}

// metrics are stored as a JSON array of section names; empty means all.
func joinMetrics(ms []string) (string, error) {
	if len(ms) == 0 {
		return "", nil
	}
	b, err := json.Marshal(ms)
	if err != nil {
		return "", fmt.Errorf("encode metrics: %w", err)
	}
	return string(b), nil
}

func splitMetrics(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// ---- daily budgets ----

func (s *Store) DailyBudget(ctx context.Context, tenantID int64) (DailyBudget, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, mon_penny, tue_penny, wed_penny, thu_penny, fri_penny, sat_penny, sun_penny,
		        mode, action_type_id, last_applied
		 FROM daily_budgets WHERE tenant_id = ?`, tenantID)

	var (
		b    DailyBudget
		mode string
		last sql.NullString
	)
	err := row.Scan(&b.TenantID,
		&b.WeekdayPenny[0], &b.WeekdayPenny[1], &b.WeekdayPenny[2], &b.WeekdayPenny[3],
		&b.WeekdayPenny[4], &b.WeekdayPenny[5], &b.WeekdayPenny[6],
		&mode, &b.ActionTypeID, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return DailyBudget{}, ErrNotFound
	}
	if err != nil {
		return DailyBudget{}, err
	}
	b.Mode = BudgetMode(mode)
	b.LastApplied = parseTime(last, dateLayout)
	return b, nil
}

func (s *Store) SaveDailyBudget(ctx context.Context, b DailyBudget) error {
	if b.ActionTypeID == 0 {
		b.ActionTypeID = 5
	}
	if b.Mode == "" {
		b.Mode = BudgetAuto
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daily_budgets(tenant_id, mon_penny, tue_penny, wed_penny, thu_penny, fri_penny, sat_penny, sun_penny, mode, action_type_id, last_applied)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(tenant_id) DO UPDATE SET
		   mon_penny=excluded.mon_penny, tue_penny=excluded.tue_penny, wed_penny=excluded.wed_penny,
		   thu_penny=excluded.thu_penny, fri_penny=excluded.fri_penny, sat_penny=excluded.sat_penny,
		   sun_penny=excluded.sun_penny, mode=excluded.mode, action_type_id=excluded.action_type_id`,
		b.TenantID,
		b.WeekdayPenny[0], b.WeekdayPenny[1], b.WeekdayPenny[2], b.WeekdayPenny[3],
		b.WeekdayPenny[4], b.WeekdayPenny[5], b.WeekdayPenny[6],
		string(b.Mode), b.ActionTypeID, nullTime(b.LastApplied, dateLayout))
	if err == nil {
		s.NotifyChanged()
	}
	return err
}

// MarkBudgetApplied records the date a budget run completed for. Writing the
// same date again is a no-op status-wise, which is what makes manual
// re-application safe.
func (s *Store) MarkBudgetApplied(ctx context.Context, tenantID int64, date time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE daily_budgets SET last_applied=? WHERE tenant_id=?`,
		date.Format(dateLayout), tenantID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("mark budget applied: tenant %d: %w", tenantID, ErrNotFound)
	}
	return err
}

// ---- follow-up steps ----

func (s *Store) FollowupStep(ctx context.Context, id int64) (FollowupStep, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, order_index, delay_seconds, send_mode, content_type, content_text, active
		 FROM followup_steps WHERE id = ?`, id)
	st, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FollowupStep{}, ErrNotFound
	}
	return st, err
}

func (s *Store) ActiveFollowupSteps(ctx context.Context, tenantID int64) ([]FollowupStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, order_index, delay_seconds, send_mode, content_type, content_text, active
		 FROM followup_steps WHERE tenant_id = ? AND active = 1
		 ORDER BY order_index, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FollowupStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) UpsertFollowupStep(ctx context.Context, st FollowupStep) (int64, error) {
	if st.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO followup_steps(tenant_id, order_index, delay_seconds, send_mode, content_type, content_text, active)
			 VALUES(?,?,?,?,?,?,?)`,
			st.TenantID, st.OrderIndex, st.DelaySeconds, string(st.SendMode), string(st.ContentType),
			nullStr(st.ContentText), st.Active)
		if err != nil {
			return 0, err
		}
		id, err := res.LastInsertId()
		if err == nil {
			s.NotifyChanged()
		}
		return id, err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE followup_steps SET tenant_id=?, order_index=?, delay_seconds=?, send_mode=?, content_type=?, content_text=?, active=?
		 WHERE id=?`,
		st.TenantID, st.OrderIndex, st.DelaySeconds, string(st.SendMode), string(st.ContentType),
		nullStr(st.ContentText), st.Active, st.ID)
	if err == nil {
		s.NotifyChanged()
	}
	return st.ID, err
}

func scanStep(r rowScanner) (FollowupStep, error) {
	var (
		st       FollowupStep
		sendMode string
		ctype    string
		text     sql.NullString
	)
	if err := r.Scan(&st.ID, &st.TenantID, &st.OrderIndex, &st.DelaySeconds, &sendMode, &ctype, &text, &st.Active); err != nil {
		return FollowupStep{}, err
	}
	st.SendMode = SendMode(sendMode)
	st.ContentType = ContentType(ctype)
	st.ContentText = text.String
	return st, nil
}
