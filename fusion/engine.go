// Package fusion combines the latest signal of each modality into one
// unified emotion state.
package fusion

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/maastricht-university/edmo-fusion/emotion"
	"github.com/maastricht-university/edmo-fusion/window"
)

const tieEpsilon = 1e-9

// DefaultWeights are the modality base weights.
func DefaultWeights() map[emotion.Modality]float64 {
	return map[emotion.Modality]float64{
		emotion.Video: 0.4,
		emotion.Audio: 0.35,
		emotion.Text:  0.25,
	}
}

type Config struct {
	Weights   map[emotion.Modality]float64
	Retention time.Duration
}

type Engine struct {
	weights   map[emotion.Modality]float64
	retention time.Duration
}

func New(cfg Config) *Engine {
	w := cfg.Weights
	if len(w) == 0 {
		w = DefaultWeights()
	}
	cp := make(map[emotion.Modality]float64, len(w))
	for m, x := range w {
		cp[m] = x
	}
	if cfg.Retention <= 0 {
		cfg.Retention = window.DefaultRetention
	}
	return &Engine{weights: cp, retention: cfg.Retention}
}

// input is one modality's latest live signal with its renormalized weight.
type input struct {
	sig    emotion.Signal
	weight float64 // renormalized base weight
	decay  float64
}

// effective is base x confidence x recency decay.
func (in input) effective() float64 { return in.weight * in.sig.Confidence * in.decay }

func (in input) contribution(label string) float64 {
	return in.weight * in.sig.Score(label) * in.decay
}

// decay is max(0, 1 - age/retention); signals from the future count as fresh.
func (e *Engine) decay(at, observed time.Time) float64 {
	age := at.Sub(observed)
	if age < 0 {
		age = 0
	}
	return math.Max(0, 1-age.Seconds()/e.retention.Seconds())
}

// inputs picks the most recent live signal per modality, in priority order,
// and renormalizes base weights over the modalities actually present.
func (e *Engine) inputs(v window.View) []input {
	var out []input
	total := 0.0
	for _, m := range emotion.Modalities {
		latest, ok := v.Latest(m)
		if !ok || e.weights[m] <= 0 {
			continue
		}
		// the latest signal is the freshest; once it has decayed to zero the
		// modality counts as absent
		d := e.decay(v.At, latest.ObservedAt)
		if d <= 0 {
			continue
		}
		out = append(out, input{sig: latest, weight: e.weights[m], decay: d})
		total += e.weights[m]
	}
	for i := range out {
		out[i].weight /= total
	}
	return out
}

type candidate struct {
	label string
	sum   float64
	// best (lowest) priority among contributing modalities and its share
	topPriority int
	topShare    float64
}

func (c candidate) beats(o candidate) bool {
	if d := c.sum - o.sum; math.Abs(d) > tieEpsilon {
		return d > 0
	}
	if c.topPriority != o.topPriority {
		return c.topPriority < o.topPriority
	}
	if d := c.topShare - o.topShare; math.Abs(d) > tieEpsilon {
		return d > 0
	}
	return c.label < o.label
}

// Fuse computes the unified emotion state of a window snapshot. The result
// depends only on the view, including View.At, so the same view always fuses
// to the same state. Trend and risk are left for the classifier.
func (e *Engine) Fuse(v window.View) (emotion.State, error) {
	ins := e.inputs(v)
	if len(ins) == 0 {
		return emotion.State{}, fmt.Errorf("fuse %s: %w", v.SessionID, emotion.ErrInsufficientData)
	}

	byLabel := map[string]*candidate{}
	for _, in := range ins {
		p := in.sig.Modality.Priority()
		for _, l := range in.sig.Labels() {
			c := in.contribution(l)
			if c <= 0 {
				continue
			}
			cand := byLabel[l]
			if cand == nil {
				cand = &candidate{label: l, topPriority: p, topShare: c}
				byLabel[l] = cand
			} else if p < cand.topPriority {
				cand.topPriority, cand.topShare = p, c
			}
			cand.sum += c
		}
	}
	var win *candidate
	for _, c := range byLabel {
		if win == nil || c.beats(*win) {
			win = c
		}
	}
	if win == nil {
		return emotion.State{}, fmt.Errorf("fuse %s: no weighted labels: %w", v.SessionID, emotion.ErrInsufficientData)
	}

	var factors []emotion.Factor
	var num, den, cnum, cden float64
	for _, in := range ins {
		c := in.contribution(win.label)
		if c <= 0 {
			continue
		}
		factors = append(factors, emotion.Factor{Modality: in.sig.Modality, Label: win.label, Weight: c})
		score := in.sig.Score(win.label)
		eff := in.effective()
		num += eff * score
		den += eff
		cnum += c * score
		cden += c
	}
	sort.SliceStable(factors, func(i, j int) bool {
		if d := factors[i].Weight - factors[j].Weight; math.Abs(d) > tieEpsilon {
			return d > 0
		}
		return factors[i].Modality.Priority() < factors[j].Modality.Priority()
	})

	if den == 0 {
		// every contributor had zero confidence and backed the label only
		// through secondary scores
		num, den = cnum, cden
	}
	intensity := 0.0
	if den > 0 {
		intensity = clamp(10*num/den, 0, 10)
	}
	return emotion.State{
		SessionID:           v.SessionID,
		ProducedAt:          v.At,
		UnifiedEmotion:      win.label,
		Intensity:           intensity,
		Confidence:          clamp(win.sum, 0, 1),
		ContributingFactors: factors,
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
