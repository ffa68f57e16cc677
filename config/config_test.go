package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/maastricht-university/edmo-fusion/dispatch"
	"github.com/maastricht-university/edmo-fusion/emotion"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, 120*time.Second, c.Fusion.Retention)
	assert.Equal(t, dispatch.Both, c.DispatchConfig().Policy)
	assert.Equal(t, 0.4, c.FusionConfig().Weights[emotion.Video])
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	d := Default()
	assert.Equal(t, d.Fusion, c.Fusion)
	assert.Equal(t, d.Risk, c.Risk)
	assert.Equal(t, d.Dispatch, c.Dispatch)
	assert.Equal(t, d.Persist, c.Persist)
	assert.Equal(t, d.Server.Addr, c.Server.Addr)
	assert.Empty(t, c.Server.AllowedOrigins)
}

func TestLoad_File(t *testing.T) {
	p := writeFile(t, `
fusion:
  weights: {video: 0.5, audio: 0.5, text: 0}
  retention: 90s
dispatch:
  recommend_policy: on-change
persist:
  driver: redis
server:
  allowed_origins: [https://edmo.example]
vocabulary:
  bored: negative
`)
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, c.Fusion.Retention)
	assert.Equal(t, 5, c.Fusion.Capacity, "unset keys keep defaults")
	assert.Equal(t, 0.0, c.Fusion.Weights["text"])
	assert.Equal(t, dispatch.OnChange, c.DispatchConfig().Policy)
	assert.Equal(t, "redis", c.Persist.Driver)
	assert.Equal(t, []string{"https://edmo.example"}, c.Server.AllowedOrigins)

	v, err := c.Vocab()
	require.NoError(t, err)
	assert.True(t, v.IsNegative("bored"))
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("EDMO_SERVER_ADDR", ":9999")
	t.Setenv("EDMO_FUSION_TICK", "1s")
	t.Setenv("EDMO_REDIS_URL", "redis://cache:6379/1")
	c, err := Load(writeFile(t, "server:\n  addr: \":7000\"\n"))
	require.NoError(t, err)
	assert.Equal(t, ":9999", c.Server.Addr)
	assert.Equal(t, time.Second, c.Fusion.Tick)
	assert.Equal(t, "redis://cache:6379/1", c.Redis.URL)
}

func TestLoad_FlagOverrides(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("addr", ":8090", "")
	require.NoError(t, fs.Parse([]string{"--addr", ":1234"}))

	c, err := Load("", WithFlag("server.addr", fs.Lookup("addr")))
	require.NoError(t, err)
	assert.Equal(t, ":1234", c.Server.Addr)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Root){
		"weights sum":        func(c *Root) { c.Fusion.Weights["video"] = 0.9 },
		"negative weight":    func(c *Root) { c.Fusion.Weights["video"] = -0.1; c.Fusion.Weights["audio"] = 0.85 },
		"unknown modality":   func(c *Root) { c.Fusion.Weights["smell"] = 0 },
		"retention":          func(c *Root) { c.Fusion.Retention = 0 },
		"capacity":           func(c *Root) { c.Fusion.Capacity = 0 },
		"lookback":           func(c *Root) { c.Trend.Lookback = 0 },
		"confidence range":   func(c *Root) { c.Risk.HighConfidence = 1.2 },
		"sustained count":    func(c *Root) { c.Risk.SustainedCount = 4 },
		"sustained zero":     func(c *Root) { c.Risk.SustainedCount = 0 },
		"fanout timeout":     func(c *Root) { c.Dispatch.FanoutTimeout = 0 },
		"policy":             func(c *Root) { c.Dispatch.RecommendPolicy = "always" },
		"driver":             func(c *Root) { c.Persist.Driver = "postgres" },
		"vocabulary valence": func(c *Root) { c.Vocabulary = map[string]string{"bored": "meh"} },
		"log level":          func(c *Root) { c.Log.Level = "loud" },
		"log format":         func(c *Root) { c.Log.Format = "xml" },
	} {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestDump(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Default().Dump(&buf))

	var back Root
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, Default().Fusion, back.Fusion)
	assert.Contains(t, buf.String(), "retention: 2m0s")
}
