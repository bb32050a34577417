// Package conversation holds per-conversation state: the in-flight lock,
// idempotency claims and the rolling message history.
package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// ErrBusy is returned by Acquire when the lock stays held past the wait.
var ErrBusy = errors.New("conversation is busy")

// Identity names a conversation. Any field may be empty.
type Identity struct {
	AssistantID string
	UserID      string
	PageID      string
	SessionID   string
}

// Key returns a stable opaque key for the identity.
func (id Identity) Key() string {
	sum := sha256.Sum256([]byte(strings.Join([]string{id.AssistantID, id.UserID, id.PageID, id.SessionID}, "\x1f")))
	return "conv_" + hex.EncodeToString(sum[:16])
}

// Role of a history turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Locker serializes resolution within one conversation.
type Locker interface {
	// Acquire blocks up to the configured wait. The returned function
	// releases the lock; it is safe to call after the TTL expired.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// IdempotencyStore remembers client message IDs for a window.
type IdempotencyStore interface {
	// Claim reports whether id was not seen within the window, and records it.
	Claim(ctx context.Context, id string) (bool, error)
}

// History is the rolling per-conversation message buffer.
type History interface {
	Load(ctx context.Context, key string) ([]Turn, error)
	Append(ctx context.Context, key string, turns ...Turn) error
	Reset(ctx context.Context, key string) error
}

// Options bound every conversation store.
type Options struct {
	LockTTL           time.Duration
	LockWait          time.Duration
	IdempotencyWindow time.Duration
	// HistoryTurns is the number of user/assistant pairs kept.
	HistoryTurns int
	HistoryTTL   time.Duration
	// PollInterval is how often a waiting Acquire retries.
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.LockTTL <= 0 {
		o.LockTTL = 60 * time.Second
	}
	if o.LockWait < 0 {
		o.LockWait = 0
	}
	if o.IdempotencyWindow <= 0 {
		o.IdempotencyWindow = 5 * time.Minute
	}
	if o.HistoryTurns <= 0 {
		o.HistoryTurns = 10
	}
	if o.HistoryTTL <= 0 {
		o.HistoryTTL = 24 * time.Hour
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	return o
}

func (o Options) maxMessages() int {
	return o.HistoryTurns * 2
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// poll calls try until it succeeds, wait elapses or ctx is done.
func poll(ctx context.Context, wait, interval time.Duration, try func() (bool, error)) error {
	ok, err := try()
	if err != nil || ok {
		return err
	}
	if wait <= 0 {
		return ErrBusy
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrBusy
		case <-ticker.C:
			ok, err := try()
			if err != nil || ok {
				return err
			}
		}
	}
}
