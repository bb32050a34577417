package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const reviewColumns = `id, faq_id, question, current_answer, negative_count, current_confidence, suggestion_type,
	status, created_at, updated_at, decided_at`

// UpsertPendingReview creates the pending review for r.FAQID, or refreshes
// the counters of the one that already exists. At most one pending review
// per FAQ exists at any time.
func (s *Store) UpsertPendingReview(ctx context.Context, r ReviewItem) (ReviewItem, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ReviewItem{}, false, fmt.Errorf("beginning review transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowOr(r.UpdatedAt)
	existing, err := scanReview(tx.QueryRowContext(ctx,
		`SELECT `+reviewColumns+` FROM review_items WHERE faq_id = ? AND status = 'pending'`, r.FAQID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		r.Status = "pending"
		r.CreatedAt = now
		r.UpdatedAt = now
		if r.SuggestionType == "" {
			r.SuggestionType = "improve_answer"
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO review_items (`+reviewColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, '')`,
			r.ID, r.FAQID, r.Question, r.CurrentAnswer, r.NegativeCount, r.CurrentConfidence, r.SuggestionType,
			formatTime(now), formatTime(now),
		); err != nil {
			return ReviewItem{}, false, fmt.Errorf("inserting review item: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return ReviewItem{}, false, err
		}
		return r, true, nil
	case err != nil:
		return ReviewItem{}, false, fmt.Errorf("loading pending review: %w", err)
	}

	existing.NegativeCount = r.NegativeCount
	existing.CurrentConfidence = r.CurrentConfidence
	existing.CurrentAnswer = r.CurrentAnswer
	existing.UpdatedAt = now
	if _, err := tx.ExecContext(ctx, `
		UPDATE review_items SET negative_count = ?, current_confidence = ?, current_answer = ?, updated_at = ?
		WHERE id = ?`,
		existing.NegativeCount, existing.CurrentConfidence, existing.CurrentAnswer, formatTime(now), existing.ID,
	); err != nil {
		return ReviewItem{}, false, fmt.Errorf("updating review item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ReviewItem{}, false, err
	}
	return existing, false, nil
}

// LastDecisionAt returns when a review for faqID was last approved or
// rejected, or the zero time.
func (s *Store) LastDecisionAt(ctx context.Context, faqID string) (time.Time, error) {
	var v sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(decided_at) FROM review_items WHERE faq_id = ? AND status IN ('approved', 'rejected')`, faqID,
	).Scan(&v)
	if err != nil {
		return time.Time{}, err
	}
	return parseTime("decided_at", v.String)
}

func (s *Store) GetReview(ctx context.Context, id string) (ReviewItem, error) {
	r, err := scanReview(s.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM review_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ReviewItem{}, ErrNotFound
	}
	return r, err
}

// ListReviews returns review items in status (all when empty), newest first.
func (s *Store) ListReviews(ctx context.Context, status string, limit int) ([]ReviewItem, error) {
	query := `SELECT ` + reviewColumns + ` FROM review_items`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing reviews: %w", err)
	}
	defer rows.Close()

	var out []ReviewItem
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DecideReview moves a pending review to status and appends entry, in one
// transaction.
func (s *Store) DecideReview(ctx context.Context, id, status string, entry HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning decision transaction: %w", err)
	}
	defer tx.Rollback()

	decided := formatTime(nowOr(entry.CreatedAt))
	res, err := tx.ExecContext(ctx,
		`UPDATE review_items SET status = ?, decided_at = ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
		status, decided, decided, id)
	if err != nil {
		return fmt.Errorf("deciding review %s: %w", id, err)
	}
	if err := conflictOrMissing(ctx, tx, res, `SELECT COUNT(*) FROM review_items WHERE id = ?`, id); err != nil {
		return err
	}

	if err := insertHistory(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetHistoryEntry(ctx context.Context, id string) (HistoryEntry, error) {
	h, err := scanHistory(s.db.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM learning_history WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return HistoryEntry{}, ErrNotFound
	}
	return h, err
}

// ListHistory returns history entries, newest first.
func (s *Store) ListHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+historyColumns+` FROM learning_history ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// RollbackHistory flips can_rollback off on originalID, appends rb and
// reopens the original review. The review stays decided when another
// pending review for the same FAQ exists; reopened reports which happened.
func (s *Store) RollbackHistory(ctx context.Context, originalID string, rb HistoryEntry) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning rollback transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE learning_history SET can_rollback = 0 WHERE id = ? AND can_rollback = 1`, originalID)
	if err != nil {
		return false, fmt.Errorf("flagging history %s: %w", originalID, err)
	}
	if err := conflictOrMissing(ctx, tx, res, `SELECT COUNT(*) FROM learning_history WHERE id = ?`, originalID); err != nil {
		return false, err
	}

	if err := insertHistory(ctx, tx, rb); err != nil {
		return false, err
	}

	reopened := false
	if rb.ReviewID != "" {
		res, err := tx.ExecContext(ctx, `
			UPDATE review_items SET status = 'pending', decided_at = '', updated_at = ?
			WHERE id = ? AND NOT EXISTS (
				SELECT 1 FROM review_items WHERE faq_id = ? AND status = 'pending'
			)`, formatTime(nowOr(rb.CreatedAt)), rb.ReviewID, rb.FAQID)
		if err != nil {
			return false, fmt.Errorf("reopening review %s: %w", rb.ReviewID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		reopened = n == 1
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return reopened, nil
}

// ResetLearning deletes every review item and history entry, then records
// marker as the only remaining history entry.
func (s *Store) ResetLearning(ctx context.Context, marker HistoryEntry) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning reset transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM review_items`)
	if err != nil {
		return 0, fmt.Errorf("clearing review items: %w", err)
	}
	cleared, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM learning_history`); err != nil {
		return 0, fmt.Errorf("clearing history: %w", err)
	}
	if err := insertHistory(ctx, tx, marker); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(cleared), nil
}

const historyColumns = `id, review_id, faq_id, action, previous_answer, new_answer, answer_applied, can_rollback,
	reverts_id, note, created_at`

func insertHistory(ctx context.Context, tx *sql.Tx, h HistoryEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO learning_history (`+historyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.ReviewID, h.FAQID, h.Action, h.PreviousAnswer, h.NewAnswer, boolInt(h.AnswerApplied),
		boolInt(h.CanRollback), h.RevertsID, h.Note, formatTime(nowOr(h.CreatedAt)),
	)
	if err != nil {
		return fmt.Errorf("appending %s history entry: %w", h.Action, err)
	}
	return nil
}

// conflictOrMissing turns a zero-row conditional update into ErrNotFound
// or ErrConflict.
func conflictOrMissing(ctx context.Context, tx *sql.Tx, res sql.Result, existsQuery string, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := tx.QueryRowContext(ctx, existsQuery, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

func scanReview(r rowScanner) (ReviewItem, error) {
	var it ReviewItem
	var created, updated, decided string
	if err := r.Scan(&it.ID, &it.FAQID, &it.Question, &it.CurrentAnswer, &it.NegativeCount, &it.CurrentConfidence,
		&it.SuggestionType, &it.Status, &created, &updated, &decided); err != nil {
		return ReviewItem{}, err
	}
	var err error
	if it.CreatedAt, err = parseTime("created_at", created); err != nil {
		return ReviewItem{}, err
	}
	if it.UpdatedAt, err = parseTime("updated_at", updated); err != nil {
		return ReviewItem{}, err
	}
	if it.DecidedAt, err = parseTime("decided_at", decided); err != nil {
		return ReviewItem{}, err
	}
	return it, nil
}

func scanHistory(r rowScanner) (HistoryEntry, error) {
	var h HistoryEntry
	var applied, canRollback int
	var created string
	if err := r.Scan(&h.ID, &h.ReviewID, &h.FAQID, &h.Action, &h.PreviousAnswer, &h.NewAnswer, &applied,
		&canRollback, &h.RevertsID, &h.Note, &created); err != nil {
		return HistoryEntry{}, err
	}
	h.AnswerApplied = applied == 1
	h.CanRollback = canRollback == 1
	var err error
	if h.CreatedAt, err = parseTime("created_at", created); err != nil {
		return HistoryEntry{}, err
	}
	return h, nil
}
