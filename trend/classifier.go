// Package trend derives trend direction and risk level of a fused state from
// the session's recent history.
package trend

import (
	"strings"

	"github.com/maastricht-university/edmo-fusion/emotion"
)

type Config struct {
	Lookback         int     // M, prior states considered
	DecliningDelta   float64 // intensity points above the history mean
	HighRiskLabels   []string
	HighConfidence   float64
	MediumConfidence float64
	SustainedWindow  int // most recent prior states inspected for sustain
	SustainedCount   int // of which at least this many must be negative
}

func DefaultConfig() Config {
	return Config{
		Lookback:         10,
		DecliningDelta:   1.5,
		HighRiskLabels:   []string{"despair", "hopeless", "grief", "sad", "depressed"},
		HighConfidence:   0.6,
		MediumConfidence: 0.5,
		SustainedWindow:  3,
		SustainedCount:   2,
	}
}

// Classifier is a heuristic: monotonic and explainable, not statistical.
type Classifier struct {
	cfg      Config
	vocab    *emotion.Vocabulary
	highRisk map[string]bool
}

func NewClassifier(cfg Config, vocab *emotion.Vocabulary) *Classifier {
	if vocab == nil {
		vocab = emotion.DefaultVocabulary()
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 10
	}
	hr := make(map[string]bool, len(cfg.HighRiskLabels))
	for _, l := range cfg.HighRiskLabels {
		c, _ := vocab.Canonical(l)
		hr[strings.TrimSpace(c)] = true
	}
	return &Classifier{cfg: cfg, vocab: vocab, highRisk: hr}
}

func (c *Classifier) Lookback() int { return c.cfg.Lookback }

// Classify returns trend and risk of cur given history, most recent first.
// Only the first Lookback entries of history are considered.
func (c *Classifier) Classify(cur emotion.State, history []emotion.State) (emotion.Trend, emotion.RiskLevel) {
	if len(history) > c.cfg.Lookback {
		history = history[:c.cfg.Lookback]
	}
	return c.trend(cur, history), c.risk(cur, history)
}

func (c *Classifier) trend(cur emotion.State, history []emotion.State) emotion.Trend {
	if len(history) == 0 {
		return emotion.Stable
	}
	var intensity, valence float64
	for _, h := range history {
		intensity += h.Intensity
		valence += float64(c.vocab.Valence(h.UnifiedEmotion))
	}
	n := float64(len(history))
	intensity /= n
	valence /= n

	switch {
	case c.vocab.IsNegative(cur.UnifiedEmotion) && cur.Intensity >= intensity+c.cfg.DecliningDelta:
		return emotion.Declining
	case c.vocab.IsPositive(cur.UnifiedEmotion) && valence < 0:
		return emotion.Improving
	}
	return emotion.Stable
}

func (c *Classifier) risk(cur emotion.State, history []emotion.State) emotion.RiskLevel {
	if !c.vocab.IsNegative(cur.UnifiedEmotion) {
		return emotion.RiskLow
	}
	if c.highRisk[cur.UnifiedEmotion] && cur.Confidence >= c.cfg.HighConfidence && c.sustained(history) {
		return emotion.RiskHigh
	}
	if cur.Confidence >= c.cfg.MediumConfidence {
		return emotion.RiskMedium
	}
	return emotion.RiskLow
}

// sustained reports whether enough of the most recent prior states were
// negative. A single noisy frame never qualifies.
func (c *Classifier) sustained(history []emotion.State) bool {
	w := c.cfg.SustainedWindow
	if w > len(history) {
		w = len(history)
	}
	neg := 0
	for _, h := range history[:w] {
		if c.vocab.IsNegative(h.UnifiedEmotion) {
			neg++
		}
	}
	return c.cfg.SustainedCount > 0 && neg >= c.cfg.SustainedCount
}
