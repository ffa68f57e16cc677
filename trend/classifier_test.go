package trend

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maastricht-university/edmo-fusion/emotion"
)

func st(label string, intensity, conf float64) emotion.State {
	return emotion.State{SessionID: "s1", UnifiedEmotion: label, Intensity: intensity, Confidence: conf}
}

func classifier() *Classifier {
	return NewClassifier(DefaultConfig(), nil)
}

func TestTrend(t *testing.T) {
	cases := []struct {
		name    string
		cur     emotion.State
		history []emotion.State
		want    emotion.Trend
	}{
		{"no history", st("sad", 9, 0.9), nil, emotion.Stable},
		{"negative spike", st("sad", 7, 0.8), []emotion.State{st("calm", 5, 0.6), st("sad", 5, 0.6)}, emotion.Declining},
		{"negative but flat", st("sad", 6, 0.8), []emotion.State{st("sad", 5, 0.6), st("sad", 5, 0.6)}, emotion.Stable},
		{"positive after negative", st("happy", 3, 0.7), []emotion.State{st("sad", 6, 0.6), st("angry", 6, 0.6), st("calm", 4, 0.5)}, emotion.Improving},
		{"positive after positive", st("happy", 3, 0.7), []emotion.State{st("calm", 6, 0.6)}, emotion.Stable},
		{"neutral", st("neutral", 9, 0.9), []emotion.State{st("sad", 1, 0.6)}, emotion.Stable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := classifier().Classify(tc.cur, tc.history)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestTrend_OnlyLookbackCounts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lookback = 2
	c := NewClassifier(cfg, nil)
	history := []emotion.State{st("sad", 2, 0.5), st("sad", 2, 0.5), st("sad", 9, 0.5), st("sad", 9, 0.5)}

	got, _ := c.Classify(st("sad", 4, 0.7), history)
	assert.Equal(t, emotion.Declining, got)
}

func TestRisk_HighNeedsSustainedSignal(t *testing.T) {
	cur := st("sad", 8, 0.9)

	_, risk := classifier().Classify(cur, []emotion.State{st("calm", 3, 0.7), st("happy", 3, 0.7)})
	assert.NotEqual(t, emotion.RiskHigh, risk)
	assert.Equal(t, emotion.RiskMedium, risk)

	_, risk = classifier().Classify(cur, []emotion.State{st("sad", 6, 0.7), st("happy", 3, 0.7), st("angry", 5, 0.6)})
	assert.Equal(t, emotion.RiskHigh, risk)
}

func TestRisk_HighOnlyForConfiguredLabels(t *testing.T) {
	history := []emotion.State{st("sad", 6, 0.7), st("sad", 6, 0.7), st("sad", 6, 0.7)}
	_, risk := classifier().Classify(st("angry", 8, 0.9), history)
	assert.Equal(t, emotion.RiskMedium, risk)
}

func TestRisk_ConfidenceCutoffs(t *testing.T) {
	history := []emotion.State{st("sad", 6, 0.7), st("sad", 6, 0.7), st("sad", 6, 0.7)}
	for _, tc := range []struct {
		conf float64
		want emotion.RiskLevel
	}{
		{0.95, emotion.RiskHigh},
		{0.6, emotion.RiskHigh},
		{0.59, emotion.RiskMedium},
		{0.5, emotion.RiskMedium},
		{0.49, emotion.RiskLow},
	} {
		t.Run(fmt.Sprintf("%.2f", tc.conf), func(t *testing.T) {
			_, risk := classifier().Classify(st("despair", 7, tc.conf), history)
			assert.Equal(t, tc.want, risk)
		})
	}
}

func TestRisk_PositiveIsLow(t *testing.T) {
	_, risk := classifier().Classify(st("happy", 9, 1), []emotion.State{st("sad", 6, 0.7), st("sad", 6, 0.7)})
	assert.Equal(t, emotion.RiskLow, risk)
}

func TestRisk_HighRiskAliasesAreCanonicalized(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HighRiskLabels = []string{"Hopelessness"}
	c := NewClassifier(cfg, nil)
	history := []emotion.State{st("sad", 6, 0.7), st("sad", 6, 0.7)}
	_, risk := c.Classify(st("hopeless", 7, 0.8), history)
	assert.Equal(t, emotion.RiskHigh, risk)
}

func TestHistory(t *testing.T) {
	h := NewHistory(3)
	_, ok := h.Last()
	require.False(t, ok)

	for i := 1; i <= 5; i++ {
		h.Push(st("sad", float64(i), 0.5))
	}
	require.Equal(t, 3, h.Len())
	recent := h.Recent()
	assert.Equal(t, []float64{5, 4, 3}, []float64{recent[0].Intensity, recent[1].Intensity, recent[2].Intensity})

	recent[0].Intensity = 100
	last, _ := h.Last()
	assert.Equal(t, 5.0, last.Intensity)
}

func TestHistory_Seed(t *testing.T) {
	h := NewHistory(2)
	h.Seed([]emotion.State{st("sad", 3, 0.5), st("sad", 2, 0.5), st("sad", 1, 0.5)})
	recent := h.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, 3.0, recent[0].Intensity)
	assert.Equal(t, 2.0, recent[1].Intensity)
}
