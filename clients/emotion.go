package clients

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maastricht-university/edmo-fusion/emotion"
)

// --- Emotion (/detect) ---
type EmoReq struct {
	Text string `json:"text"`
}
type EmoScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}
type EmoResp struct {
	Emotions        []EmoScore `json:"emotions"`
	DominantEmotion string     `json:"dominant_emotion"`
}

func (h *HTTP) Emotion(ctx context.Context, url, text string) (*EmoResp, error) {
	var out EmoResp
	if err := h.postJSON(ctx, strings.TrimRight(url, "/")+"/detect", "emotion", EmoReq{Text: text}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Signal maps the analyzer answer onto a text-modality signal. The dominant
// emotion becomes the label and its score the confidence; every other score
// is kept as a secondary score. Without a dominant emotion the best scoring
// label is used.
func (r *EmoResp) Signal(sessionID string, at time.Time) (emotion.RawSignal, error) {
	if len(r.Emotions) == 0 && r.DominantEmotion == "" {
		return emotion.RawSignal{}, fmt.Errorf("%w: analyzer returned no emotions", emotion.ErrInvalidSignal)
	}
	label := r.DominantEmotion
	if label == "" {
		best := -1.0
		for _, e := range r.Emotions {
			if e.Score > best {
				best, label = e.Score, e.Label
			}
		}
	}
	raw := emotion.RawSignal{
		SessionID:  sessionID,
		Modality:   string(emotion.Text),
		Label:      label,
		ObservedAt: at,
		Scores:     make(map[string]float64, len(r.Emotions)),
	}
	for _, e := range r.Emotions {
		if strings.EqualFold(e.Label, label) {
			if e.Score > raw.Confidence {
				raw.Confidence = e.Score
			}
			continue
		}
		raw.Scores[e.Label] = e.Score
	}
	return raw, nil
}

// TextAnalyzer turns free text into a text-modality signal through the
// emotion service.
type TextAnalyzer struct {
	http *HTTP
	url  string
}

func NewTextAnalyzer(h *HTTP, url string) *TextAnalyzer {
	return &TextAnalyzer{http: h, url: url}
}

func (a *TextAnalyzer) Analyze(ctx context.Context, sessionID, text string, at time.Time) (emotion.RawSignal, error) {
	resp, err := a.http.Emotion(ctx, a.url, text)
	if err != nil {
		return emotion.RawSignal{}, err
	}
	return resp.Signal(sessionID, at)
}
