package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/maastricht-university/edmo-fusion/config"
	"github.com/maastricht-university/edmo-fusion/dispatch"
	"github.com/maastricht-university/edmo-fusion/emotion"
	"github.com/maastricht-university/edmo-fusion/orchestrator"
)

type fakeAnalyzer struct{ err error }

func (f fakeAnalyzer) Analyze(_ context.Context, sid, text string, at time.Time) (emotion.RawSignal, error) {
	if f.err != nil {
		return emotion.RawSignal{}, f.err
	}
	label := "calm"
	if strings.Contains(text, "awful") {
		label = "sadness"
	}
	return emotion.RawSignal{SessionID: sid, Modality: "text", Label: label, Confidence: 0.8, ObservedAt: at}, nil
}

func setup(t *testing.T, a Analyzer, origins ...string) (*httptest.Server, *orchestrator.Pipeline) {
	t.Helper()
	c := cfg.Default()
	c.Fusion.Tick = 0
	log, _ := test.NewNullLogger()
	p, err := orchestrator.NewPipeline(c, dispatch.NewHub(c.DispatchConfig(), nil, nil, log), log)
	require.NoError(t, err)
	t.Cleanup(p.Stop)

	srv := httptest.NewServer(New(p, a, origins, log).Handler())
	t.Cleanup(srv.Close)
	return srv, p
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCreateSession(t *testing.T) {
	srv, _ := setup(t, nil)
	resp := post(t, srv.URL+"/v1/sessions", struct{}{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	_, err := uuid.Parse(out["session_id"])
	assert.NoError(t, err)
}

func TestSubmitSignal(t *testing.T) {
	srv, p := setup(t, nil)
	url := srv.URL + "/v1/sessions/s1/signals"

	resp := post(t, url, emotion.RawSignal{Modality: "video", Label: "sad", Confidence: 0.8})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode, "missing observed_at is stamped on receipt")
	assert.Equal(t, 1, p.Sessions())

	resp = post(t, url, emotion.RawSignal{Modality: "video", Label: "", Confidence: 0.8, ObservedAt: time.Now()})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, url, emotion.RawSignal{SessionID: "other", Modality: "video", Label: "sad", ObservedAt: time.Now()})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	bad, err := http.Post(url, "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestSubmitText(t *testing.T) {
	srv, _ := setup(t, fakeAnalyzer{})
	resp := post(t, srv.URL+"/v1/sessions/s1/text", map[string]string{"text": "I feel awful"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out struct {
		Signal emotion.RawSignal `json:"signal"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "sadness", out.Signal.Label)

	resp = post(t, srv.URL+"/v1/sessions/s1/text", map[string]string{"text": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitText_AnalyzerUnavailable(t *testing.T) {
	srv, _ := setup(t, fakeAnalyzer{err: fmt.Errorf("%w: connection refused", emotion.ErrCollaboratorUnavailable)})
	resp := post(t, srv.URL+"/v1/sessions/s1/text", map[string]string{"text": "hello"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	srv2, _ := setup(t, nil)
	resp = post(t, srv2.URL+"/v1/sessions/s1/text", map[string]string{"text": "hello"})
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(orchestrator.ErrSessionClosed))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(orchestrator.ErrStopped))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func dial(t *testing.T, srv *httptest.Server, id string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/sessions/" + id + "/stream"
	return websocket.DefaultDialer.Dial(url, header)
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m Message
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestStream(t *testing.T) {
	srv, _ := setup(t, nil)
	conn, _, err := dial(t, srv, "s1", nil)
	require.NoError(t, err)
	defer conn.Close()

	m := readMessage(t, conn)
	assert.Equal(t, "connected", m.Type)
	assert.Equal(t, "s1", m.SessionID)

	resp := post(t, srv.URL+"/v1/sessions/s1/signals",
		emotion.RawSignal{Modality: "audio", Label: "angry", Confidence: 0.7, ObservedAt: time.Now()})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	m = readMessage(t, conn)
	assert.Equal(t, "state", m.Type)
	require.NotNil(t, m.State)
	assert.Equal(t, "angry", m.State.UnifiedEmotion)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/sessions/s1", nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	del.Body.Close()
	assert.Equal(t, http.StatusNoContent, del.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestStream_OriginCheck(t *testing.T) {
	srv, _ := setup(t, nil, "https://edmo.example")

	_, resp, err := dial(t, srv, "s1", http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := dial(t, srv, "s1", http.Header{"Origin": {"https://edmo.example"}})
	require.NoError(t, err)
	conn.Close()
}

func TestHealth(t *testing.T) {
	srv, _ := setup(t, nil)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "ok", out["status"])
}
