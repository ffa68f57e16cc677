package emotion

import "strings"

type Valence int

const (
	Negative Valence = -1
	Neutral  Valence = 0
	Positive Valence = 1
)

func (v Valence) String() string {
	switch v {
	case Negative:
		return "negative"
	case Positive:
		return "positive"
	}
	return "neutral"
}

// Vocabulary is the fixed emotion label set with valence and aliases.
type Vocabulary struct {
	valence map[string]Valence
	aliases map[string]string
}

// DefaultVocabulary covers the labels emitted by the face, voice and text analyzers.
func DefaultVocabulary() *Vocabulary {
	v := &Vocabulary{
		valence: map[string]Valence{
			"happy":      Positive,
			"calm":       Positive,
			"content":    Positive,
			"excited":    Positive,
			"neutral":    Neutral,
			"surprise":   Neutral,
			"confused":   Neutral,
			"sad":        Negative,
			"angry":      Negative,
			"fear":       Negative,
			"disgust":    Negative,
			"anxious":    Negative,
			"frustrated": Negative,
			"stressed":   Negative,
			"despair":    Negative,
			"hopeless":   Negative,
			"grief":      Negative,
			"depressed":  Negative,
		},
		aliases: map[string]string{
			"joy":          "happy",
			"happiness":    "happy",
			"relaxed":      "calm",
			"sadness":      "sad",
			"anger":        "angry",
			"fearful":      "fear",
			"scared":       "fear",
			"disgusted":    "disgust",
			"surprised":    "surprise",
			"anxiety":      "anxious",
			"frustration":  "frustrated",
			"hopelessness": "hopeless",
		},
	}
	return v
}

// With returns a copy of v with extra labels merged in. Keys are canonicalized.
func (v *Vocabulary) With(valence map[string]Valence) *Vocabulary {
	c := &Vocabulary{
		valence: make(map[string]Valence, len(v.valence)+len(valence)),
		aliases: v.aliases,
	}
	for k, x := range v.valence {
		c.valence[k] = x
	}
	for k, x := range valence {
		c.valence[strings.ToLower(strings.TrimSpace(k))] = x
	}
	return c
}

// Canonical maps a raw label onto the vocabulary. known is false when the
// label is not part of it; the trimmed lower-case form is returned anyway.
func (v *Vocabulary) Canonical(label string) (canon string, known bool) {
	l := strings.ToLower(strings.TrimSpace(label))
	if a, ok := v.aliases[l]; ok {
		l = a
	}
	_, known = v.valence[l]
	return l, known
}

// Valence of a canonical label; unknown labels are neutral.
func (v *Vocabulary) Valence(label string) Valence {
	return v.valence[label]
}

func (v *Vocabulary) IsNegative(label string) bool { return v.valence[label] == Negative }
func (v *Vocabulary) IsPositive(label string) bool { return v.valence[label] == Positive }

// ParseValence accepts "positive", "negative" or "neutral".
func ParseValence(s string) (Valence, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive":
		return Positive, true
	case "negative":
		return Negative, true
	case "neutral":
		return Neutral, true
	}
	return Neutral, false
}
