package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const gapColumns = `id, text, session_id, user_id, page_id, matched_faq_id, confidence, score, context,
	dedup_key, asked_at, is_clustered, cluster_id, is_resolved`

// InsertGap stores a gap question. A repeated DedupKey is ignored and
// reported as inserted=false.
func (s *Store) InsertGap(ctx context.Context, g GapQuestion) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO gap_questions (`+gapColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', 0)
		ON CONFLICT(dedup_key) DO NOTHING`,
		g.ID, g.Text, g.SessionID, g.UserID, g.PageID, g.MatchedFAQID, g.Confidence, g.Score, g.Context,
		g.DedupKey, formatTime(nowOr(g.AskedAt)),
	)
	if err != nil {
		return false, fmt.Errorf("inserting gap question: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListUnresolvedGaps returns unresolved gaps, oldest first.
func (s *Store) ListUnresolvedGaps(ctx context.Context, limit int) ([]GapQuestion, error) {
	return s.queryGaps(ctx, `WHERE is_resolved = 0 ORDER BY asked_at ASC, rowid ASC LIMIT ?`, limit)
}

// ListUnclusteredGaps returns unresolved gaps not yet assigned to a cluster.
func (s *Store) ListUnclusteredGaps(ctx context.Context, limit int) ([]GapQuestion, error) {
	return s.queryGaps(ctx, `WHERE is_resolved = 0 AND is_clustered = 0 ORDER BY asked_at ASC, rowid ASC LIMIT ?`, limit)
}

// GapsInCluster returns the gaps assigned to clusterID.
func (s *Store) GapsInCluster(ctx context.Context, clusterID string) ([]GapQuestion, error) {
	return s.queryGaps(ctx, `WHERE cluster_id = ? ORDER BY asked_at ASC, rowid ASC`, clusterID)
}

func (s *Store) queryGaps(ctx context.Context, tail string, args ...any) ([]GapQuestion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+gapColumns+` FROM gap_questions `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("querying gap questions: %w", err)
	}
	defer rows.Close()

	var out []GapQuestion
	for rows.Next() {
		var g GapQuestion
		var asked string
		var clustered, resolved int
		if err := rows.Scan(&g.ID, &g.Text, &g.SessionID, &g.UserID, &g.PageID, &g.MatchedFAQID, &g.Confidence,
			&g.Score, &g.Context, &g.DedupKey, &asked, &clustered, &g.ClusterID, &resolved); err != nil {
			return nil, fmt.Errorf("scanning gap question: %w", err)
		}
		g.IsClustered = clustered == 1
		g.IsResolved = resolved == 1
		if g.AskedAt, err = parseTime("asked_at", asked); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// MarkGapsClustered assigns ids to clusterID.
func (s *Store) MarkGapsClustered(ctx context.Context, ids []string, clusterID string) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{clusterID}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE gap_questions SET is_clustered = 1, cluster_id = ? WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("marking gaps clustered: %w", err)
	}
	return nil
}

// MarkGapResolved flags a single gap question as resolved.
func (s *Store) MarkGapResolved(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE gap_questions SET is_resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("resolving gap %s: %w", id, err)
	}
	return expectOne(res)
}

// CountOpenGaps returns the number of unresolved gap questions.
func (s *Store) CountOpenGaps(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM gap_questions WHERE is_resolved = 0`).Scan(&n)
	return n, err
}

// CreateClusterWithGaps inserts a cluster and assigns its gap questions in
// one transaction.
func (s *Store) CreateClusterWithGaps(ctx context.Context, c GapCluster, gapIDs []string) error {
	samples, err := json.Marshal(nonNil(c.SampleQuestions))
	if err != nil {
		return err
	}
	contexts, err := json.Marshal(nonNil(c.SampleContexts))
	if err != nil {
		return err
	}
	now := formatTime(nowOr(c.CreatedAt))
	status := c.Status
	if status == "" {
		status = "pending"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning cluster transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO gap_clusters (id, name, description, sample_questions, sample_contexts, question_count, action_type,
			suggested_question, suggested_answer, existing_faq_id, priority_score, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Description, string(samples), string(contexts), c.QuestionCount, c.ActionType,
		c.SuggestedQuestion, c.SuggestedAnswer, c.ExistingFAQID, c.PriorityScore, status, now, now,
	); err != nil {
		return fmt.Errorf("inserting cluster: %w", err)
	}

	if len(gapIDs) > 0 {
		args := []any{c.ID}
		for _, id := range gapIDs {
			args = append(args, id)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE gap_questions SET is_clustered = 1, cluster_id = ? WHERE id IN (`+placeholders(len(gapIDs))+`)`,
			args...); err != nil {
			return fmt.Errorf("assigning gaps to cluster: %w", err)
		}
	}
	return tx.Commit()
}

const clusterColumns = `id, name, description, sample_questions, sample_contexts, question_count, action_type,
	suggested_question, suggested_answer, existing_faq_id, priority_score, status, created_at, updated_at`

func (s *Store) GetCluster(ctx context.Context, id string) (GapCluster, error) {
	c, err := scanCluster(s.db.QueryRowContext(ctx, `SELECT `+clusterColumns+` FROM gap_clusters WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return GapCluster{}, ErrNotFound
	}
	return c, err
}

// ListClusters returns clusters in status (all when empty), highest
// priority first.
func (s *Store) ListClusters(ctx context.Context, status string, limit int) ([]GapCluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM gap_clusters`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY priority_score DESC, created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing clusters: %w", err)
	}
	defer rows.Close()

	var out []GapCluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CloseCluster moves a pending cluster to status. When resolveGaps is set
// its gap questions are marked resolved in the same transaction.
func (s *Store) CloseCluster(ctx context.Context, id, status string, resolveGaps bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning close transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE gap_clusters SET status = ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
		status, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating cluster %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM gap_clusters WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}

	if resolveGaps {
		if _, err := tx.ExecContext(ctx, `UPDATE gap_questions SET is_resolved = 1 WHERE cluster_id = ?`, id); err != nil {
			return fmt.Errorf("resolving cluster gaps: %w", err)
		}
	}
	return tx.Commit()
}

func scanCluster(r rowScanner) (GapCluster, error) {
	var c GapCluster
	var samples, contexts, created, updated string
	if err := r.Scan(&c.ID, &c.Name, &c.Description, &samples, &contexts, &c.QuestionCount, &c.ActionType,
		&c.SuggestedQuestion, &c.SuggestedAnswer, &c.ExistingFAQID, &c.PriorityScore, &c.Status, &created, &updated); err != nil {
		return GapCluster{}, err
	}
	if err := json.Unmarshal([]byte(samples), &c.SampleQuestions); err != nil {
		return GapCluster{}, fmt.Errorf("decoding sample_questions: %w", err)
	}
	if err := json.Unmarshal([]byte(contexts), &c.SampleContexts); err != nil {
		return GapCluster{}, fmt.Errorf("decoding sample_contexts: %w", err)
	}
	var err error
	if c.CreatedAt, err = parseTime("created_at", created); err != nil {
		return GapCluster{}, err
	}
	if c.UpdatedAt, err = parseTime("updated_at", updated); err != nil {
		return GapCluster{}, err
	}
	return c, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
