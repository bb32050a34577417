package storage

import (
	"context"
	"fmt"
	"time"
)

// InsertFeedbackLimited inserts f unless the session already has limit or
// more records created at or after since. The count and the insert share a
// transaction, so concurrent submissions cannot both pass the check.
func (s *Store) InsertFeedbackLimited(ctx context.Context, f Feedback, limit int, since time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning feedback transaction: %w", err)
	}
	defer tx.Rollback()

	if limit > 0 {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM feedback WHERE session_id = ? AND created_at >= ?`,
			f.SessionID, formatTime(since),
		).Scan(&n); err != nil {
			return fmt.Errorf("counting session feedback: %w", err)
		}
		if n >= limit {
			return ErrLimitExceeded
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO feedback (id, feedback, question, answer, comment, confidence_score, faq_id, session_id, user_id, page_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Feedback, f.Question, f.Answer, f.Comment, f.ConfidenceScore, f.FAQID,
		f.SessionID, f.UserID, f.PageID, formatTime(nowOr(f.CreatedAt)),
	); err != nil {
		return fmt.Errorf("inserting feedback: %w", err)
	}
	return tx.Commit()
}

// CountNegativeFeedback counts "no" records for faqID created after after
// (all records when after is zero).
func (s *Store) CountNegativeFeedback(ctx context.Context, faqID string, after time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM feedback WHERE faq_id = ? AND feedback = 'no' AND created_at > ?`,
		faqID, formatTime(after),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting negative feedback: %w", err)
	}
	return n, nil
}

// MeanConfidence returns the mean confidence score of feedback on faqID.
func (s *Store) MeanConfidence(ctx context.Context, faqID string) (float64, error) {
	var mean float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(confidence_score), 0) FROM feedback WHERE faq_id = ?`, faqID,
	).Scan(&mean)
	return mean, err
}

// FeedbackStatsSince aggregates feedback created at or after since.
func (s *Store) FeedbackStatsSince(ctx context.Context, since time.Time) (FeedbackStats, error) {
	var st FeedbackStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN feedback = 'yes' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN feedback = 'no' THEN 1 ELSE 0 END), 0)
		FROM feedback WHERE created_at >= ?`, formatTime(since),
	).Scan(&st.Total, &st.Positive, &st.Negative)
	if err != nil {
		return FeedbackStats{}, fmt.Errorf("aggregating feedback: %w", err)
	}
	return st, nil
}
