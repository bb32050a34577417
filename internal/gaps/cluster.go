package gaps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/deflect/internal/completion"
	"github.com/kalambet/deflect/internal/storage"
	"github.com/kalambet/deflect/internal/textutil"
)

const (
	defaultClusterBatch = 50
	maxSampleQuestions  = 5
	maxSampleContexts   = 3
)

const (
	ActionCreate  = "create"
	ActionImprove = "improve"
)

// ErrNoCompleter is returned by Run when no completion provider is configured.
var ErrNoCompleter = errors.New("gap clustering needs a completion provider")

const clusterInstruction = `You group unanswered customer support questions into topics.
Return only JSON of the form:
{"clusters":[{"name":"short topic name","description":"one sentence",
"question_indexes":[1,2],"action_type":"create","existing_faq_id":"",
"suggested_question":"a canonical FAQ question","suggested_answer":"a draft answer"}]}
Use action_type "improve" with existing_faq_id when the questions show that a listed
nearest FAQ answers badly; otherwise use "create". Every question index belongs to at
most one cluster. Do not invent facts in suggested answers; write placeholders like
[opening hours] where the answer needs business data.`

// ClusterStore is the persistence clustering needs.
type ClusterStore interface {
	ListUnclusteredGaps(ctx context.Context, limit int) ([]storage.GapQuestion, error)
	CreateClusterWithGaps(ctx context.Context, c storage.GapCluster, gapIDs []string) error
}

type Clusterer struct {
	store     ClusterStore
	completer completion.Completer
	batch     int
	logger    *slog.Logger
}

// NewClusterer creates a Clusterer. If batch <= 0, it defaults to 50.
func NewClusterer(store ClusterStore, completer completion.Completer, batch int, logger *slog.Logger) *Clusterer {
	if batch <= 0 {
		batch = defaultClusterBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Clusterer{store: store, completer: completer, batch: batch, logger: logger}
}

// Proposal is one cluster as returned by the model.
type Proposal struct {
	Name              string `json:"name"`
	Description       string `json:"description"`
	QuestionIndexes   []int  `json:"question_indexes"`
	ActionType        string `json:"action_type"`
	ExistingFAQID     string `json:"existing_faq_id"`
	SuggestedQuestion string `json:"suggested_question"`
	SuggestedAnswer   string `json:"suggested_answer"`
}

// Run clusters one batch of unclustered gaps and returns the clusters created.
func (c *Clusterer) Run(ctx context.Context) ([]storage.GapCluster, error) {
	if c.completer == nil {
		return nil, ErrNoCompleter
	}
	gaps, err := c.store.ListUnclusteredGaps(ctx, c.batch)
	if err != nil {
		return nil, fmt.Errorf("listing unclustered gaps: %w", err)
	}
	if len(gaps) == 0 {
		return nil, nil
	}

	res, err := c.completer.Complete(ctx, completion.Prompt{
		System:   clusterInstruction,
		Messages: []completion.Message{{Role: completion.RoleUser, Text: formatGaps(gaps)}},
	})
	if err != nil {
		return nil, err
	}

	proposals, err := ParseProposals(res.Text)
	if err != nil {
		return nil, err
	}

	var created []storage.GapCluster
	assigned := make(map[int]bool)
	for _, p := range proposals {
		members := pickMembers(p.QuestionIndexes, len(gaps), assigned)
		if len(members) == 0 {
			continue
		}
		cluster, ids := buildCluster(p, gaps, members)
		if err := c.store.CreateClusterWithGaps(ctx, cluster, ids); err != nil {
			return created, fmt.Errorf("storing cluster %q: %w", cluster.Name, err)
		}
		created = append(created, cluster)
	}

	c.logger.Info("gaps clustered",
		"gaps", len(gaps),
		"assigned", len(assigned),
		"clusters", len(created),
		"tokens", res.Usage.TotalTokens,
	)
	return created, nil
}

func formatGaps(gaps []storage.GapQuestion) string {
	var sb strings.Builder
	sb.WriteString("Questions:\n")
	for i, g := range gaps {
		fmt.Fprintf(&sb, "%d. %s (score %.2f", i+1, textutil.CollapseSpace(g.Text), g.Score)
		if g.MatchedFAQID != "" {
			fmt.Fprintf(&sb, ", nearest FAQ %s", g.MatchedFAQID)
		}
		sb.WriteString(")\n")
	}
	return sb.String()
}

// ParseProposals extracts the clusters JSON from a model reply. Code fences
// and surrounding prose are tolerated.
func ParseProposals(text string) ([]Proposal, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, errors.New("clustering reply contains no JSON object")
	}
	var out struct {
		Clusters []Proposal `json:"clusters"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("parsing clustering reply: %w", err)
	}
	return out.Clusters, nil
}

// pickMembers converts 1-based indexes to positions, dropping out-of-range
// and already assigned ones.
func pickMembers(indexes []int, n int, assigned map[int]bool) []int {
	var out []int
	for _, idx := range indexes {
		pos := idx - 1
		if pos < 0 || pos >= n || assigned[pos] {
			continue
		}
		assigned[pos] = true
		out = append(out, pos)
	}
	return out
}

func buildCluster(p Proposal, gaps []storage.GapQuestion, members []int) (storage.GapCluster, []string) {
	ids := make([]string, 0, len(members))
	var samples, contexts []string
	var scoreSum float64
	for _, pos := range members {
		g := gaps[pos]
		ids = append(ids, g.ID)
		scoreSum += g.Score
		if len(samples) < maxSampleQuestions {
			samples = append(samples, g.Text)
		}
		if g.Context != "" && len(contexts) < maxSampleContexts {
			contexts = append(contexts, g.Context)
		}
	}

	action := p.ActionType
	if action != ActionImprove || p.ExistingFAQID == "" {
		action = ActionCreate
	}
	existing := ""
	if action == ActionImprove {
		existing = p.ExistingFAQID
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = textutil.Truncate(samples[0], 80)
	}

	now := time.Now().UTC()
	return storage.GapCluster{
		ID:                uuid.NewString(),
		Name:              name,
		Description:       strings.TrimSpace(p.Description),
		SampleQuestions:   samples,
		SampleContexts:    contexts,
		QuestionCount:     len(members),
		ActionType:        action,
		SuggestedQuestion: strings.TrimSpace(p.SuggestedQuestion),
		SuggestedAnswer:   strings.TrimSpace(p.SuggestedAnswer),
		ExistingFAQID:     existing,
		PriorityScore:     Priority(len(members), scoreSum/float64(len(members))),
		Status:            "pending",
		CreatedAt:         now,
		UpdatedAt:         now,
	}, ids
}

// Priority ranks clusters: many poorly answered questions first.
func Priority(count int, meanScore float64) float64 {
	if meanScore < 0 {
		meanScore = 0
	}
	if meanScore > 1 {
		meanScore = 1
	}
	return float64(count) * (1 - meanScore)
}
