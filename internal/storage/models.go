package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a state transition does not apply to the
	// row's current state.
	ErrConflict = errors.New("conflicting state")
	// ErrLimitExceeded is returned by InsertFeedbackLimited when the session
	// has used its quota for the window.
	ErrLimitExceeded = errors.New("limit exceeded")
)

// FAQ is one knowledge base entry. The embeddings are derived from Question
// and Answer and are written together with them.
type FAQ struct {
	ID                string    `json:"id"`
	Question          string    `json:"question"`
	Answer            string    `json:"answer"`
	Category          string    `json:"category"`
	Keywords          string    `json:"keywords"`
	QuestionEmbedding []float32 `json:"-"`
	CombinedEmbedding []float32 `json:"-"`
	EmbeddingModel    string    `json:"embedding_model"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type FAQFilter struct {
	Category string
	Offset   int
	Limit    int
}

type Interaction struct {
	ID               string    `json:"id"`
	ConversationKey  string    `json:"conversation_key"`
	Message          string    `json:"message"`
	Reply            string    `json:"reply"`
	Source           string    `json:"source"` // "faq", "ai", "router", "fallback", "duplicate", "busy"
	Tier             string    `json:"tier"`
	Score            float64   `json:"score"`
	FAQID            string    `json:"faq_id"`
	SearchSource     string    `json:"search_source"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CostSaved        bool      `json:"cost_saved"`
	Fallback         bool      `json:"fallback"`
	CreatedAt        time.Time `json:"created_at"`
}

type InteractionStats struct {
	Total       int `json:"total"`
	FromFAQ     int `json:"from_faq"`
	FromAI      int `json:"from_ai"`
	FromRouter  int `json:"from_router"`
	Fallbacks   int `json:"fallbacks"`
	TotalTokens int `json:"total_tokens"`
}

type GapQuestion struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	PageID       string    `json:"page_id"`
	MatchedFAQID string    `json:"matched_faq_id"`
	Confidence   string    `json:"confidence"`
	Score        float64   `json:"score"`
	Context      string    `json:"context"`
	DedupKey     string    `json:"dedup_key"`
	AskedAt      time.Time `json:"asked_at"`
	IsClustered  bool      `json:"is_clustered"`
	ClusterID    string    `json:"cluster_id"`
	IsResolved   bool      `json:"is_resolved"`
}

type GapCluster struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	SampleQuestions   []string  `json:"sample_questions"`
	SampleContexts    []string  `json:"sample_contexts"`
	QuestionCount     int       `json:"question_count"`
	ActionType        string    `json:"action_type"` // "create" or "improve"
	SuggestedQuestion string    `json:"suggested_question"`
	SuggestedAnswer   string    `json:"suggested_answer"`
	ExistingFAQID     string    `json:"existing_faq_id"`
	PriorityScore     float64   `json:"priority_score"`
	Status            string    `json:"status"` // "pending", "resolved", "dismissed"
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type Feedback struct {
	ID              string    `json:"id"`
	Feedback        string    `json:"feedback"` // "yes" or "no"
	Question        string    `json:"question"`
	Answer          string    `json:"answer"`
	Comment         string    `json:"comment"`
	ConfidenceScore float64   `json:"confidence_score"`
	FAQID           string    `json:"faq_id"`
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	PageID          string    `json:"page_id"`
	CreatedAt       time.Time `json:"created_at"`
}

type FeedbackStats struct {
	Total    int `json:"total"`
	Positive int `json:"positive"`
	Negative int `json:"negative"`
}

type ReviewItem struct {
	ID                string    `json:"id"`
	FAQID             string    `json:"faq_id"`
	Question          string    `json:"question"`
	CurrentAnswer     string    `json:"current_answer"`
	NegativeCount     int       `json:"negative_count"`
	CurrentConfidence float64   `json:"current_confidence"`
	SuggestionType    string    `json:"suggestion_type"`
	Status            string    `json:"status"` // "pending", "approved", "rejected"
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	DecidedAt         time.Time `json:"decided_at"`
}

type HistoryEntry struct {
	ID             string    `json:"id"`
	ReviewID       string    `json:"review_id"`
	FAQID          string    `json:"faq_id"`
	Action         string    `json:"action"` // "approved", "rejected", "rollback", "full_reset"
	PreviousAnswer string    `json:"previous_answer"`
	NewAnswer      string    `json:"new_answer"`
	AnswerApplied  bool      `json:"answer_applied"`
	CanRollback    bool      `json:"can_rollback"`
	RevertsID      string    `json:"reverts_id"`
	Note           string    `json:"note"`
	CreatedAt      time.Time `json:"created_at"`
}

type Job struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	PayloadJSON string    `json:"payload"`
	Status      string    `json:"status"` // "pending", "running", "completed", "failed"
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	RunAfter    time.Time `json:"run_after"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastError   string    `json:"last_error"`
}
