package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kalambet/deflect/internal/storage"
)

type Reindexer interface {
	Reindex(ctx context.Context, limit int) (int, error)
}

type Clusterer interface {
	Run(ctx context.Context) ([]storage.GapCluster, error)
}

// ReindexPayload is the faq_reindex job body.
type ReindexPayload struct {
	BatchSize int `json:"batch_size"`
}

// ReindexHandler re-embeds stale FAQs batch by batch until none are left.
func ReindexHandler(r Reindexer, logger *slog.Logger) Handler {
	return func(ctx context.Context, job *storage.Job) error {
		var p ReindexPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
		if p.BatchSize <= 0 {
			p.BatchSize = 50
		}

		total := 0
		for {
			n, err := r.Reindex(ctx, p.BatchSize)
			total += n
			if err != nil {
				return fmt.Errorf("reindexing after %d faqs: %w", total, err)
			}
			if n < p.BatchSize {
				break
			}
		}
		logger.Info("reindex finished", "job_id", job.ID, "faqs", total)
		return nil
	}
}

// ClusterHandler runs one clustering pass over unclustered gaps.
func ClusterHandler(c Clusterer, logger *slog.Logger) Handler {
	return func(ctx context.Context, job *storage.Job) error {
		clusters, err := c.Run(ctx)
		if err != nil {
			return err
		}
		logger.Info("gap clustering finished", "job_id", job.ID, "clusters", len(clusters))
		return nil
	}
}
