package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maastricht-university/edmo-fusion/emotion"
)

const recording = `{"session_id":"s1","modality":"text","label":"sadness","confidence":0.9,"observed_at":"2025-03-01T12:00:01Z"}
{"session_id":"s1","modality":"video","label":"sad","confidence":0.6,"observed_at":"2025-03-01T12:00:00Z"}

{"session_id":"s1","modality":"video","label":"","confidence":0.6,"observed_at":"2025-03-01T12:00:02Z"}
{"session_id":"s2","modality":"audio","label":"happy","confidence":0.7,"observed_at":"2025-03-01T12:00:03Z"}
`

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append(args, "--log-level", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func TestReadSignalsSortsByObservedAt(t *testing.T) {
	sigs, err := readSignals(strings.NewReader(recording))
	require.NoError(t, err)
	require.Len(t, sigs, 4)
	assert.Equal(t, "video", sigs[0].Modality)
	assert.Equal(t, "text", sigs[1].Modality)

	_, err = readSignals(strings.NewReader("{broken\n"))
	assert.ErrorContains(t, err, "line 1")
}

func TestReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signals.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(recording), 0o644))

	out, err := run(t, "", "replay", path)
	require.NoError(t, err)

	var states []emotion.State
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var st emotion.State
		require.NoError(t, json.Unmarshal(sc.Bytes(), &st))
		states = append(states, st)
	}
	require.Len(t, states, 3, "the invalid signal is skipped")

	assert.Equal(t, "sad", states[0].UnifiedEmotion)
	assert.InDelta(t, 0.6, states[0].Confidence, 1e-9)
	assert.Equal(t, "sad", states[1].UnifiedEmotion)
	assert.Len(t, states[1].ContributingFactors, 2)
	assert.Equal(t, "s2", states[2].SessionID)
	assert.Equal(t, "happy", states[2].UnifiedEmotion)
}

func TestReplayFromStdin(t *testing.T) {
	out, err := run(t, recording, "replay", "-")
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(out, "\n"))
}

func TestConfigCommand(t *testing.T) {
	out, err := run(t, "", "config")
	require.NoError(t, err)
	assert.Contains(t, out, "fusion:")
	assert.Contains(t, out, "level: error", "flag overrides file and defaults")
}
