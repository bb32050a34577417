// Package confidence maps similarity scores to the tier that decides how a
// question is answered.
package confidence

import (
	"fmt"
	"math"
)

// Score boundaries. A score equal to a boundary belongs to the higher tier.
const (
	VeryHighThreshold = 0.85
	HighThreshold     = 0.75
	MediumThreshold   = 0.65
	LowThreshold      = 0.50

	// FallbackThreshold triggers the combined-embedding search pass.
	FallbackThreshold = 0.65
	// UsableThreshold is the score below which a question is logged as a gap.
	UsableThreshold = 0.6
	// DuplicateThreshold is the default question-to-question similarity at
	// which a new FAQ is reported as a likely duplicate.
	DuplicateThreshold = 0.75
)

// Tier is an ordered confidence level. The zero value is None.
type Tier int

const (
	None Tier = iota
	Low
	Medium
	High
	VeryHigh
)

// Classify returns the tier for score. NaN and negative scores are None.
func Classify(score float64) Tier {
	switch {
	case math.IsNaN(score):
		return None
	case score >= VeryHighThreshold:
		return VeryHigh
	case score >= HighThreshold:
		return High
	case score >= MediumThreshold:
		return Medium
	case score >= LowThreshold:
		return Low
	default:
		return None
	}
}

func (t Tier) String() string {
	switch t {
	case None:
		return "none"
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case VeryHigh:
		return "very_high"
	}
	return fmt.Sprintf("Tier(%d)", int(t))
}

// ParseTier is the inverse of String.
func ParseTier(s string) (Tier, error) {
	for t := None; t <= VeryHigh; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return None, fmt.Errorf("unknown confidence tier %q", s)
}

func (t Tier) MarshalText() ([]byte, error) {
	if t < None || t > VeryHigh {
		return nil, fmt.Errorf("invalid confidence tier %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Strategy is the response path a tier selects.
type Strategy int

const (
	// PureAI answers from conversation history alone.
	PureAI Strategy = iota
	// Background gives the FAQ to the model as weak background.
	Background
	// Compose gives the FAQ as optional context; the model composes.
	Compose
	// Rephrase asks the model to lightly rephrase the FAQ answer.
	Rephrase
	// DirectAnswer returns the FAQ answer verbatim without a model call.
	DirectAnswer
)

func (t Tier) Strategy() Strategy {
	switch t {
	case VeryHigh:
		return DirectAnswer
	case High:
		return Rephrase
	case Medium:
		return Compose
	case Low:
		return Background
	default:
		return PureAI
	}
}

// UsesFAQ reports whether the strategy puts FAQ text into the answer.
func (s Strategy) UsesFAQ() bool {
	return s != PureAI
}

// CallsAI reports whether the strategy needs the completion API.
func (s Strategy) CallsAI() bool {
	return s != DirectAnswer
}

func (s Strategy) String() string {
	switch s {
	case PureAI:
		return "pure_ai"
	case Background:
		return "background"
	case Compose:
		return "compose"
	case Rephrase:
		return "rephrase"
	case DirectAnswer:
		return "direct_answer"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// Usable reports whether score is high enough to not be logged as a gap.
func Usable(score float64) bool {
	return score >= UsableThreshold
}
