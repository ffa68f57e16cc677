package clients

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/maastricht-university/edmo-fusion/emotion"
)

// --- Recommendation (/advise) ---
type AdviseReq struct {
	State   emotion.State   `json:"state"`
	History []emotion.State `json:"history,omitempty"`
}
type Strategy struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
type AdviseResp struct {
	Advice     string     `json:"advice"`
	Strategies []Strategy `json:"strategies,omitempty"`
}

// Advisor asks the recommendation service for advice on a fused state.
type Advisor struct {
	http *HTTP
	url  string
}

func NewAdvisor(h *HTTP, url string) *Advisor {
	return &Advisor{http: h, url: strings.TrimRight(url, "/")}
}

// GenerateAdvice returns the advice text. When the service answers with
// strategies only, their texts are joined one per line.
func (a *Advisor) GenerateAdvice(ctx context.Context, st emotion.State, history []emotion.State) (string, error) {
	var out AdviseResp
	if err := a.http.postJSON(ctx, a.url+"/advise", "recommendation", AdviseReq{State: st, History: history}, &out); err != nil {
		return "", err
	}
	if text := strings.TrimSpace(out.Advice); text != "" {
		return text, nil
	}
	lines := make([]string, 0, len(out.Strategies))
	for _, s := range out.Strategies {
		if t := strings.TrimSpace(s.Text); t != "" {
			lines = append(lines, t)
		}
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("%w: %v", emotion.ErrCollaboratorUnavailable, errors.New("recommendation service returned no advice"))
	}
	return strings.Join(lines, "\n"), nil
}
