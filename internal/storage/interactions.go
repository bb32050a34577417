package storage

import (
	"context"
	"fmt"
	"time"
)

func (s *Store) SaveInteraction(ctx context.Context, i Interaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions (id, conversation_key, message, reply, source, tier, score, faq_id, search_source,
			prompt_tokens, completion_tokens, total_tokens, cost_saved, fallback, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.ConversationKey, i.Message, i.Reply, i.Source, i.Tier, i.Score, i.FAQID, i.SearchSource,
		i.PromptTokens, i.CompletionTokens, i.TotalTokens, boolInt(i.CostSaved), boolInt(i.Fallback),
		formatTime(nowOr(i.CreatedAt)),
	)
	if err != nil {
		return fmt.Errorf("saving interaction %s: %w", i.ID, err)
	}
	return nil
}

// RecentInteractions returns the newest interactions first.
func (s *Store) RecentInteractions(ctx context.Context, limit int) ([]Interaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_key, message, reply, source, tier, score, faq_id, search_source,
			prompt_tokens, completion_tokens, total_tokens, cost_saved, fallback, created_at
		FROM interactions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var i Interaction
		var costSaved, fallback int
		var created string
		if err := rows.Scan(&i.ID, &i.ConversationKey, &i.Message, &i.Reply, &i.Source, &i.Tier, &i.Score, &i.FAQID,
			&i.SearchSource, &i.PromptTokens, &i.CompletionTokens, &i.TotalTokens, &costSaved, &fallback, &created); err != nil {
			return nil, err
		}
		i.CostSaved = costSaved == 1
		i.Fallback = fallback == 1
		if i.CreatedAt, err = parseTime("created_at", created); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// InteractionStatsSince aggregates interactions created at or after since.
func (s *Store) InteractionStatsSince(ctx context.Context, since time.Time) (InteractionStats, error) {
	var st InteractionStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN source = 'faq' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN source = 'ai' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN source = 'router' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(fallback), 0),
			COALESCE(SUM(total_tokens), 0)
		FROM interactions WHERE created_at >= ?`, formatTime(since),
	).Scan(&st.Total, &st.FromFAQ, &st.FromAI, &st.FromRouter, &st.Fallbacks, &st.TotalTokens)
	if err != nil {
		return InteractionStats{}, fmt.Errorf("aggregating interactions: %w", err)
	}
	return st, nil
}
