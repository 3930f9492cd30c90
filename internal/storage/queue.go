package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EnqueueFollowups creates one pending delivery per active step of the
// tenant's sequence, offset by each step's delay from now. The conversation
// layer calls this when a triggering event occurs; snapshots capture the
// state at that moment (gating later uses the live state instead).
func (s *Store) EnqueueFollowups(ctx context.Context, tenantID, recipientID int64, conversationID string, state ConversationState, now time.Time) (int, error) {
	steps, err := s.ActiveFollowupSteps(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, st := range steps {
		d := Delivery{
			ID:                uuid.NewString(),
			TenantID:          tenantID,
			RecipientID:       recipientID,
			StepID:            st.ID,
			ConversationID:    conversationID,
			ExecuteAt:         now.Add(time.Duration(st.DelaySeconds) * time.Second),
			Status:            StatusPending,
			ConvertedSnapshot: state.IsConverted,
			NegativeSnapshot:  state.HasNegative,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := s.insertDelivery(ctx, d); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

func (s *Store) insertDelivery(ctx context.Context, d Delivery) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(id, tenant_id, recipient_id, step_id, conversation_id, execute_at, status,
		                        converted_snapshot, negative_snapshot, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.TenantID, d.RecipientID, d.StepID, d.ConversationID,
		d.ExecuteAt.UTC().Format(timeLayout), string(d.Status),
		d.ConvertedSnapshot, d.NegativeSnapshot,
		d.CreatedAt.UTC().Format(timeLayout), d.UpdatedAt.UTC().Format(timeLayout))
	return err
}

// ClaimDue atomically transitions up to limit due pending deliveries to
// processing and returns them, earliest due first. The single UPDATE with a
// nested SELECT is the claim: two concurrent callers can never receive
// overlapping sets (the SKIP LOCKED equivalent for this store).
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`UPDATE deliveries SET status=?, updated_at=?
		 WHERE id IN (
		   SELECT id FROM deliveries
		   WHERE status=? AND execute_at <= ?
		   ORDER BY execute_at ASC
		   LIMIT ?
		 )
		 RETURNING id, tenant_id, recipient_id, step_id, conversation_id, execute_at, status,
		           converted_snapshot, negative_snapshot, created_at, updated_at`,
		string(StatusProcessing), now.UTC().Format(timeLayout),
		string(StatusPending), now.UTC().Format(timeLayout), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDeliveryStatus performs the terminal transition for a claimed
// delivery. Terminal states are final; there is no reclaim of stuck
// processing rows in this design.
func (s *Store) UpdateDeliveryStatus(ctx context.Context, id string, status DeliveryStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status=?, updated_at=? WHERE id=?`,
		string(status), time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func (s *Store) Delivery(ctx context.Context, id string) (Delivery, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, recipient_id, step_id, conversation_id, execute_at, status,
		        converted_snapshot, negative_snapshot, created_at, updated_at
		 FROM deliveries WHERE id=?`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Delivery{}, ErrNotFound
	}
	return d, err
}

func scanDelivery(r rowScanner) (Delivery, error) {
	var (
		d                            Delivery
		status                       string
		execAt, createdAt, updatedAt string
	)
	if err := r.Scan(&d.ID, &d.TenantID, &d.RecipientID, &d.StepID, &d.ConversationID,
		&execAt, &status, &d.ConvertedSnapshot, &d.NegativeSnapshot, &createdAt, &updatedAt); err != nil {
		return Delivery{}, err
	}
	d.Status = DeliveryStatus(status)
	d.ExecuteAt = parseTime(sql.NullString{String: execAt, Valid: true}, timeLayout)
	d.CreatedAt = parseTime(sql.NullString{String: createdAt, Valid: true}, timeLayout)
	d.UpdatedAt = parseTime(sql.NullString{String: updatedAt, Valid: true}, timeLayout)
	return d, nil
}

// ---- conversation state ----

// ConversationStateFor returns the live state, reporting ok=false when the
// conversation layer has written nothing yet.
func (s *Store) ConversationStateFor(ctx context.Context, tenantID, recipientID int64, conversationID string) (ConversationState, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT is_converted, has_negative FROM conversation_states
		 WHERE tenant_id=? AND recipient_id=? AND conversation_id=?`,
		tenantID, recipientID, conversationID)
	var st ConversationState
	err := row.Scan(&st.IsConverted, &st.HasNegative)
	if errors.Is(err, sql.ErrNoRows) {
		return ConversationState{}, false, nil
	}
	if err != nil {
		return ConversationState{}, false, err
	}
	return st, true, nil
}

func (s *Store) SetConversationState(ctx context.Context, tenantID, recipientID int64, conversationID string, st ConversationState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_states(tenant_id, recipient_id, conversation_id, is_converted, has_negative, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(tenant_id, recipient_id, conversation_id) DO UPDATE SET
		   is_converted=excluded.is_converted, has_negative=excluded.has_negative, updated_at=excluded.updated_at`,
		tenantID, recipientID, conversationID, st.IsConverted, st.HasNegative,
		time.Now().UTC().Format(timeLayout))
	return err
}

// ---- transcripts ----

func (s *Store) AppendTranscript(ctx context.Context, e TranscriptEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.Role == "" {
		e.Role = "assistant"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts(tenant_id, recipient_id, conversation_id, role, content, created_at)
		 VALUES(?,?,?,?,?,?)`,
		e.TenantID, e.RecipientID, e.ConversationID, e.Role, e.Content,
		e.At.UTC().Format(timeLayout))
	return err
}
