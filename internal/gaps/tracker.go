// Package gaps records questions the knowledge base could not answer well,
// groups them into FAQ proposals and applies reviewed proposals.
package gaps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/deflect/internal/confidence"
	"github.com/kalambet/deflect/internal/conversation"
	"github.com/kalambet/deflect/internal/storage"
	"github.com/kalambet/deflect/internal/textutil"
)

// maxContextTurns bounds the history serialized with a gap.
const maxContextTurns = 6

// Store is the gap question persistence.
type Store interface {
	InsertGap(ctx context.Context, g storage.GapQuestion) (bool, error)
	ListUnresolvedGaps(ctx context.Context, limit int) ([]storage.GapQuestion, error)
	MarkGapsClustered(ctx context.Context, ids []string, clusterID string) error
	MarkGapResolved(ctx context.Context, id string) error
}

type Gap struct {
	Text         string
	MatchedFAQID string
	Score        float64
	Confidence   confidence.Tier
	SessionID    string
	UserID       string
	PageID       string
	// Context is the serialized recent history, see EncodeContext.
	Context string
	// DedupKey makes logging idempotent. Empty means derived from the
	// session and normalized text.
	DedupKey string
}

type Tracker struct {
	store  Store
	logger *slog.Logger
}

func NewTracker(store Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, logger: logger}
}

// LogGap stores g. A repeated DedupKey is a no-op and reported as false.
func (t *Tracker) LogGap(ctx context.Context, g Gap) (bool, error) {
	text := strings.TrimSpace(g.Text)
	if text == "" {
		return false, errors.New("gap text is empty")
	}
	key := g.DedupKey
	if key == "" {
		key = DedupKey(g.SessionID, text)
	}

	inserted, err := t.store.InsertGap(ctx, storage.GapQuestion{
		ID:           uuid.NewString(),
		Text:         text,
		SessionID:    g.SessionID,
		UserID:       g.UserID,
		PageID:       g.PageID,
		MatchedFAQID: g.MatchedFAQID,
		Confidence:   g.Confidence.String(),
		Score:        g.Score,
		Context:      g.Context,
		DedupKey:     key,
		AskedAt:      time.Now().UTC(),
	})
	if err != nil {
		return false, err
	}
	if inserted {
		t.logger.Debug("gap logged", "score", g.Score, "tier", g.Confidence.String())
	}
	return inserted, nil
}

func (t *Tracker) ListUnresolved(ctx context.Context, limit int) ([]storage.GapQuestion, error) {
	if limit <= 0 {
		limit = 100
	}
	gaps, err := t.store.ListUnresolvedGaps(ctx, limit)
	if err != nil {
		return nil, err
	}
	if gaps == nil {
		gaps = []storage.GapQuestion{}
	}
	return gaps, nil
}

func (t *Tracker) MarkClustered(ctx context.Context, ids []string, clusterID string) error {
	return t.store.MarkGapsClustered(ctx, ids, clusterID)
}

func (t *Tracker) MarkResolved(ctx context.Context, id string) error {
	return t.store.MarkGapResolved(ctx, id)
}

// DedupKey derives a key from the session and normalized question text.
func DedupKey(sessionID, text string) string {
	sum := sha256.Sum256([]byte(sessionID + "\x1f" + textutil.Normalize(text)))
	return hex.EncodeToString(sum[:16])
}

// EncodeContext serializes the most recent turns of history as JSON.
func EncodeContext(history []conversation.Turn) string {
	if len(history) == 0 {
		return ""
	}
	if len(history) > maxContextTurns {
		history = history[len(history)-maxContextTurns:]
	}
	b, err := json.Marshal(history)
	if err != nil {
		return ""
	}
	return string(b)
}
