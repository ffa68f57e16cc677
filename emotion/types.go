package emotion

import (
	"fmt"
	"strings"
	"time"
)

type Modality string

const (
	Video Modality = "video"
	Audio Modality = "audio"
	Text  Modality = "text"
)

// Modalities lists every modality in priority order (video > audio > text).
var Modalities = []Modality{Video, Audio, Text}

// Priority returns the tie-break rank of m; lower wins. Unknown modalities rank last.
func (m Modality) Priority() int {
	for i, x := range Modalities {
		if x == m {
			return i
		}
	}
	return len(Modalities)
}

func ParseModality(s string) (Modality, error) {
	m := Modality(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case Video, Audio, Text:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown modality %q", ErrInvalidSignal, s)
}

// RawSignal is an analyzer result as it arrives, before validation.
type RawSignal struct {
	SessionID  string             `json:"session_id"`
	Modality   string             `json:"modality"`
	Label      string             `json:"label"`
	Confidence float64            `json:"confidence"`
	Scores     map[string]float64 `json:"scores,omitempty"`
	ObservedAt time.Time          `json:"observed_at"`
}

// Signal is one modality's validated observation.
type Signal struct {
	SessionID       string             `json:"session_id"`
	Modality        Modality           `json:"modality"`
	ObservedAt      time.Time          `json:"observed_at"`
	PrimaryLabel    string             `json:"primary_label"`
	Confidence      float64            `json:"confidence"`
	SecondaryScores map[string]float64 `json:"secondary_scores,omitempty"`
	Suspect         bool               `json:"suspect,omitempty"`
}

// Score is the signal's own score for label. The primary label scores its
// confidence, or its secondary score when that is larger.
func (s Signal) Score(label string) float64 {
	sec := s.SecondaryScores[label]
	if label == s.PrimaryLabel && s.Confidence > sec {
		return s.Confidence
	}
	return sec
}

// Labels returns the primary label followed by the secondary labels.
func (s Signal) Labels() []string {
	out := make([]string, 0, len(s.SecondaryScores)+1)
	out = append(out, s.PrimaryLabel)
	for l := range s.SecondaryScores {
		if l != s.PrimaryLabel {
			out = append(out, l)
		}
	}
	return out
}

func (s Signal) Clone() Signal {
	c := s
	if s.SecondaryScores != nil {
		c.SecondaryScores = make(map[string]float64, len(s.SecondaryScores))
		for k, v := range s.SecondaryScores {
			c.SecondaryScores[k] = v
		}
	}
	return c
}

type Trend string

const (
	Improving Trend = "improving"
	Declining Trend = "declining"
	Stable    Trend = "stable"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Elevated reports whether r is medium or high.
func (r RiskLevel) Elevated() bool { return r == RiskMedium || r == RiskHigh }

// Factor is one modality's contribution to the unified emotion.
type Factor struct {
	Modality Modality `json:"modality"`
	Label    string   `json:"label"`
	Weight   float64  `json:"weight"`
}

// State is the fused, published emotion state of a session. A published
// State is never mutated; consumers get their own copy via Clone.
type State struct {
	SessionID           string    `json:"session_id"`
	ProducedAt          time.Time `json:"produced_at"`
	UnifiedEmotion      string    `json:"unified_emotion"`
	Intensity           float64   `json:"intensity"`
	Confidence          float64   `json:"confidence"`
	ContributingFactors []Factor  `json:"contributing_factors"`
	Trend               Trend     `json:"trend"`
	RiskLevel           RiskLevel `json:"risk_level"`
}

func (s State) Clone() State {
	c := s
	if s.ContributingFactors != nil {
		c.ContributingFactors = append([]Factor(nil), s.ContributingFactors...)
	}
	return c
}

// Modalities returns the contributing modalities, highest weight first.
func (s State) Modalities() []Modality {
	out := make([]Modality, len(s.ContributingFactors))
	for i, f := range s.ContributingFactors {
		out[i] = f.Modality
	}
	return out
}

// Advice is the recommendation collaborator's answer for one state.
type Advice struct {
	SessionID   string    `json:"session_id"`
	StateAt     time.Time `json:"state_produced_at"`
	Emotion     string    `json:"unified_emotion"`
	RiskLevel   RiskLevel `json:"risk_level"`
	Text        string    `json:"text"`
	GeneratedAt time.Time `json:"generated_at"`
}
