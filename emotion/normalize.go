package emotion

import (
	"fmt"
	"math"
	"strings"
)

// Normalize validates raw analyzer output and converts it into a Signal.
// Out-of-range scores are clamped and flag the signal suspect.
func Normalize(raw RawSignal, vocab *Vocabulary) (Signal, error) {
	if vocab == nil {
		vocab = DefaultVocabulary()
	}
	sid := strings.TrimSpace(raw.SessionID)
	if sid == "" {
		return Signal{}, fmt.Errorf("%w: empty session id", ErrInvalidSignal)
	}
	mod, err := ParseModality(raw.Modality)
	if err != nil {
		return Signal{}, err
	}
	if strings.TrimSpace(raw.Label) == "" {
		return Signal{}, fmt.Errorf("%w: empty primary label", ErrInvalidSignal)
	}
	if raw.ObservedAt.IsZero() {
		return Signal{}, fmt.Errorf("%w: missing observed_at", ErrInvalidSignal)
	}
	if math.IsNaN(raw.Confidence) {
		return Signal{}, fmt.Errorf("%w: confidence is NaN", ErrInvalidSignal)
	}

	label, known := vocab.Canonical(raw.Label)
	sig := Signal{
		SessionID:    sid,
		Modality:     mod,
		ObservedAt:   raw.ObservedAt,
		PrimaryLabel: label,
		Suspect:      !known,
	}
	var clamped bool
	sig.Confidence, clamped = clamp01(raw.Confidence)
	sig.Suspect = sig.Suspect || clamped

	if len(raw.Scores) > 0 {
		sig.SecondaryScores = make(map[string]float64, len(raw.Scores))
		for k, v := range raw.Scores {
			if math.IsNaN(v) {
				return Signal{}, fmt.Errorf("%w: score for %q is NaN", ErrInvalidSignal, k)
			}
			l, ok := vocab.Canonical(k)
			if l == "" {
				sig.Suspect = true
				continue
			}
			if !ok {
				sig.Suspect = true
			}
			c, clamped := clamp01(v)
			if clamped {
				sig.Suspect = true
			}
			// aliases can collapse two raw keys onto one label
			if prev, seen := sig.SecondaryScores[l]; !seen || c > prev {
				sig.SecondaryScores[l] = c
			}
		}
	}
	return sig, nil
}

func clamp01(v float64) (float64, bool) {
	switch {
	case v < 0:
		return 0, true
	case v > 1:
		return 1, true
	}
	return v, false
}
