package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maastricht-university/edmo-fusion/emotion"
)

func TestEmotion_Detect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/detect", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req EmoReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "I feel awful", req.Text)
		_ = json.NewEncoder(w).Encode(EmoResp{
			Emotions:        []EmoScore{{"sadness", 0.7}, {"fear", 0.2}, {"joy", 0.1}},
			DominantEmotion: "sadness",
		})
	}))
	defer srv.Close()

	h := NewHTTP(time.Second)
	defer h.CloseIdle()
	resp, err := h.Emotion(context.Background(), srv.URL+"/", "I feel awful")
	require.NoError(t, err)

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	raw, err := resp.Signal("s1", at)
	require.NoError(t, err)
	assert.Equal(t, "text", raw.Modality)
	assert.Equal(t, "sadness", raw.Label)
	assert.Equal(t, 0.7, raw.Confidence)
	assert.Equal(t, map[string]float64{"fear": 0.2, "joy": 0.1}, raw.Scores)

	sig, err := emotion.Normalize(raw, nil)
	require.NoError(t, err)
	assert.Equal(t, "sad", sig.PrimaryLabel)
	assert.Equal(t, emotion.Text, sig.Modality)
}

func TestEmotion_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, strings.Repeat("x", 10000), http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := NewHTTP(time.Second)
	defer h.CloseIdle()
	_, err := h.Emotion(context.Background(), srv.URL, "hello")
	require.ErrorIs(t, err, emotion.ErrCollaboratorUnavailable)
	assert.Contains(t, err.Error(), "503")
	assert.Less(t, len(err.Error()), 5000, "error body is truncated")
}

func TestEmotion_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	h := NewHTTP(time.Second)
	_, err := h.Emotion(context.Background(), url, "hello")
	assert.ErrorIs(t, err, emotion.ErrCollaboratorUnavailable)
}

func TestEmoResp_Signal(t *testing.T) {
	at := time.Now()

	r := &EmoResp{Emotions: []EmoScore{{"anger", 0.3}, {"fear", 0.6}}}
	raw, err := r.Signal("s1", at)
	require.NoError(t, err)
	assert.Equal(t, "fear", raw.Label, "best score wins without a dominant emotion")
	assert.Equal(t, 0.6, raw.Confidence)

	_, err = (&EmoResp{}).Signal("s1", at)
	assert.ErrorIs(t, err, emotion.ErrInvalidSignal)
}

func TestAdvisor(t *testing.T) {
	var got AdviseReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/advise", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		switch got.State.UnifiedEmotion {
		case "sad":
			_ = json.NewEncoder(w).Encode(AdviseResp{Advice: " Take a short break. "})
		case "angry":
			_ = json.NewEncoder(w).Encode(AdviseResp{Strategies: []Strategy{
				{Type: "breathing", Text: "Breathe in for four counts."},
				{Type: "pause", Text: "Step away for a minute."},
			}})
		default:
			_ = json.NewEncoder(w).Encode(AdviseResp{})
		}
	}))
	defer srv.Close()

	a := NewAdvisor(NewHTTP(time.Second), srv.URL)
	hist := []emotion.State{{SessionID: "s1", UnifiedEmotion: "calm"}}

	text, err := a.GenerateAdvice(context.Background(), emotion.State{SessionID: "s1", UnifiedEmotion: "sad"}, hist)
	require.NoError(t, err)
	assert.Equal(t, "Take a short break.", text)
	require.Len(t, got.History, 1)
	assert.Equal(t, "calm", got.History[0].UnifiedEmotion)

	text, err = a.GenerateAdvice(context.Background(), emotion.State{SessionID: "s1", UnifiedEmotion: "angry"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Breathe in for four counts.\nStep away for a minute.", text)

	_, err = a.GenerateAdvice(context.Background(), emotion.State{SessionID: "s1", UnifiedEmotion: "calm"}, nil)
	assert.ErrorIs(t, err, emotion.ErrCollaboratorUnavailable)
}
