package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const faqColumns = `id, question, answer, category, keywords, embedding_model, created_at, updated_at`

// vectorArg binds nil vectors as NULL so that search can exclude them.
func vectorArg(v []float32) any {
	if v == nil {
		return nil
	}
	return EncodeVector(v)
}

// CreateFAQ inserts a FAQ with its text and both embeddings.
func (s *Store) CreateFAQ(ctx context.Context, f FAQ) error {
	created := nowOr(f.CreatedAt)
	updated := nowOr(f.UpdatedAt)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO faqs (id, question, answer, category, keywords, question_embedding, combined_embedding, embedding_model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Question, f.Answer, f.Category, f.Keywords,
		vectorArg(f.QuestionEmbedding), vectorArg(f.CombinedEmbedding), f.EmbeddingModel,
		formatTime(created), formatTime(updated),
	)
	if err != nil {
		return fmt.Errorf("inserting faq %s: %w", f.ID, err)
	}
	return nil
}

// UpdateFAQ rewrites text and both embeddings in one statement.
func (s *Store) UpdateFAQ(ctx context.Context, f FAQ) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE faqs SET question = ?, answer = ?, category = ?, keywords = ?,
			question_embedding = ?, combined_embedding = ?, embedding_model = ?, updated_at = ?
		WHERE id = ?`,
		f.Question, f.Answer, f.Category, f.Keywords,
		vectorArg(f.QuestionEmbedding), vectorArg(f.CombinedEmbedding), f.EmbeddingModel,
		formatTime(nowOr(f.UpdatedAt)), f.ID,
	)
	if err != nil {
		return fmt.Errorf("updating faq %s: %w", f.ID, err)
	}
	return expectOne(res)
}

// UpdateFAQEmbeddings replaces both embeddings of an unchanged FAQ. The
// write is skipped with ErrConflict when the text changed since it was read.
func (s *Store) UpdateFAQEmbeddings(ctx context.Context, f FAQ) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE faqs SET question_embedding = ?, combined_embedding = ?, embedding_model = ?
		WHERE id = ? AND question = ? AND answer = ?`,
		vectorArg(f.QuestionEmbedding), vectorArg(f.CombinedEmbedding), f.EmbeddingModel,
		f.ID, f.Question, f.Answer,
	)
	if err != nil {
		return fmt.Errorf("updating faq embeddings %s: %w", f.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// GetFAQ returns a FAQ including its embeddings.
func (s *Store) GetFAQ(ctx context.Context, id string) (FAQ, error) {
	var f FAQ
	var created, updated string
	var qBlob, cBlob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT `+faqColumns+`, question_embedding, combined_embedding
		FROM faqs WHERE id = ?`, id,
	).Scan(&f.ID, &f.Question, &f.Answer, &f.Category, &f.Keywords, &f.EmbeddingModel, &created, &updated, &qBlob, &cBlob)
	if errors.Is(err, sql.ErrNoRows) {
		return FAQ{}, ErrNotFound
	}
	if err != nil {
		return FAQ{}, err
	}
	if f.CreatedAt, err = parseTime("created_at", created); err != nil {
		return FAQ{}, err
	}
	if f.UpdatedAt, err = parseTime("updated_at", updated); err != nil {
		return FAQ{}, err
	}
	if f.QuestionEmbedding, err = DecodeVector(qBlob); err != nil {
		return FAQ{}, fmt.Errorf("decoding question embedding for %s: %w", id, err)
	}
	if f.CombinedEmbedding, err = DecodeVector(cBlob); err != nil {
		return FAQ{}, fmt.Errorf("decoding combined embedding for %s: %w", id, err)
	}
	return f, nil
}

// GetFAQsByIDs returns FAQs without embeddings, keyed by ID.
func (s *Store) GetFAQsByIDs(ctx context.Context, ids []string) (map[string]FAQ, error) {
	out := make(map[string]FAQ, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+faqColumns+` FROM faqs WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying faqs by id: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		f, err := scanFAQ(rows)
		if err != nil {
			return nil, err
		}
		out[f.ID] = f
	}
	return out, rows.Err()
}

// DeleteFAQ removes a FAQ.
func (s *Store) DeleteFAQ(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM faqs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting faq %s: %w", id, err)
	}
	return expectOne(res)
}

// ListFAQs returns a page of FAQs (without embeddings) ordered by creation
// time and the total matching the filter.
func (s *Store) ListFAQs(ctx context.Context, filter FAQFilter) ([]FAQ, int, error) {
	where := ""
	var args []any
	if filter.Category != "" {
		where = " WHERE category = ?"
		args = append(args, filter.Category)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM faqs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting faqs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+faqColumns+` FROM faqs`+where+` ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`,
		append(args, limit, filter.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing faqs: %w", err)
	}
	defer rows.Close()

	var out []FAQ
	for rows.Next() {
		f, err := scanFAQ(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, f)
	}
	return out, total, rows.Err()
}

// ListStaleFAQs returns FAQs whose embeddings are missing or were produced
// by a model other than model.
func (s *Store) ListStaleFAQs(ctx context.Context, model string, limit int) ([]FAQ, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+faqColumns+` FROM faqs
		WHERE embedding_model != ? OR question_embedding IS NULL OR combined_embedding IS NULL
		ORDER BY updated_at ASC LIMIT ?`, model, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stale faqs: %w", err)
	}
	defer rows.Close()

	var out []FAQ
	for rows.Next() {
		f, err := scanFAQ(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// CountFAQsByModel returns the number of embedded FAQs per embedding model.
func (s *Store) CountFAQsByModel(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT embedding_model, COUNT(*) FROM faqs GROUP BY embedding_model`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var model string
		var n int
		if err := rows.Scan(&model, &n); err != nil {
			return nil, err
		}
		out[model] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFAQ(r rowScanner) (FAQ, error) {
	var f FAQ
	var created, updated string
	if err := r.Scan(&f.ID, &f.Question, &f.Answer, &f.Category, &f.Keywords, &f.EmbeddingModel, &created, &updated); err != nil {
		return FAQ{}, fmt.Errorf("scanning faq: %w", err)
	}
	var err error
	if f.CreatedAt, err = parseTime("created_at", created); err != nil {
		return FAQ{}, err
	}
	if f.UpdatedAt, err = parseTime("updated_at", updated); err != nil {
		return FAQ{}, err
	}
	return f, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
