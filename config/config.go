// Package config loads the engine configuration from YAML with EDMO_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/maastricht-university/edmo-fusion/dispatch"
	"github.com/maastricht-university/edmo-fusion/emotion"
	"github.com/maastricht-university/edmo-fusion/fusion"
	"github.com/maastricht-university/edmo-fusion/persist"
	"github.com/maastricht-university/edmo-fusion/trend"
	"github.com/maastricht-university/edmo-fusion/window"
)

const EnvPrefix = "EDMO"

type Fusion struct {
	Weights   map[string]float64 `yaml:"weights" mapstructure:"weights"`
	Retention time.Duration      `yaml:"retention" mapstructure:"retention"`
	Capacity  int                `yaml:"capacity" mapstructure:"capacity"`
	Tick      time.Duration      `yaml:"tick" mapstructure:"tick"` // 0 disables periodic re-fusion
}

type Trend struct {
	Lookback       int     `yaml:"lookback" mapstructure:"lookback"`
	DecliningDelta float64 `yaml:"declining_delta" mapstructure:"declining_delta"`
}

type Risk struct {
	HighLabels       []string `yaml:"high_labels" mapstructure:"high_labels"`
	HighConfidence   float64  `yaml:"high_confidence" mapstructure:"high_confidence"`
	MediumConfidence float64  `yaml:"medium_confidence" mapstructure:"medium_confidence"`
	SustainedWindow  int      `yaml:"sustained_window" mapstructure:"sustained_window"`
	SustainedCount   int      `yaml:"sustained_count" mapstructure:"sustained_count"`
}

type Dispatch struct {
	FanoutTimeout    time.Duration `yaml:"fanout_timeout" mapstructure:"fanout_timeout"`
	SubscriberBuffer int           `yaml:"subscriber_buffer" mapstructure:"subscriber_buffer"`
	RecommendPolicy  string        `yaml:"recommend_policy" mapstructure:"recommend_policy"`
	AdviceTimeout    time.Duration `yaml:"advice_timeout" mapstructure:"advice_timeout"`
	AdviceWorkers    int           `yaml:"advice_workers" mapstructure:"advice_workers"`
	AdviceQueue      int           `yaml:"advice_queue" mapstructure:"advice_queue"`
}

type Persist struct {
	Driver     string        `yaml:"driver" mapstructure:"driver"` // file | redis | none
	Workers    int           `yaml:"workers" mapstructure:"workers"`
	Queue      int           `yaml:"queue" mapstructure:"queue"`
	MaxRetries int           `yaml:"max_retries" mapstructure:"max_retries"`
	Backoff    time.Duration `yaml:"backoff" mapstructure:"backoff"`
}

type Service struct {
	URL     string        `yaml:"url" mapstructure:"url"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}
type Services struct {
	Emotion        Service `yaml:"emotion" mapstructure:"emotion"`
	Recommendation Service `yaml:"recommendation" mapstructure:"recommendation"`
}

type Redis struct {
	URL        string        `yaml:"url" mapstructure:"url"`
	Prefix     string        `yaml:"prefix" mapstructure:"prefix"`
	HistoryTTL time.Duration `yaml:"history_ttl" mapstructure:"history_ttl"`
}

type Paths struct {
	Outputs string `yaml:"outputs" mapstructure:"outputs"`
}

type Server struct {
	Addr           string   `yaml:"addr" mapstructure:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

type Log struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // text | json
}

type Root struct {
	Fusion   Fusion   `yaml:"fusion" mapstructure:"fusion"`
	Trend    Trend    `yaml:"trend" mapstructure:"trend"`
	Risk     Risk     `yaml:"risk" mapstructure:"risk"`
	Dispatch Dispatch `yaml:"dispatch" mapstructure:"dispatch"`
	Persist  Persist  `yaml:"persist" mapstructure:"persist"`
	Services Services `yaml:"services" mapstructure:"services"`
	Redis    Redis    `yaml:"redis" mapstructure:"redis"`
	Paths    Paths    `yaml:"paths" mapstructure:"paths"`
	Server   Server   `yaml:"server" mapstructure:"server"`
	Log      Log      `yaml:"log" mapstructure:"log"`
	// Vocabulary adds or overrides label valences: label -> positive|negative|neutral.
	Vocabulary map[string]string `yaml:"vocabulary,omitempty" mapstructure:"vocabulary"`
}

// Default returns the built-in configuration.
func Default() *Root {
	w := fusion.DefaultWeights()
	tc := trend.DefaultConfig()
	dc := dispatch.DefaultConfig()
	qc := persist.DefaultQueueConfig()
	return &Root{
		Fusion: Fusion{
			Weights: map[string]float64{
				string(emotion.Video): w[emotion.Video],
				string(emotion.Audio): w[emotion.Audio],
				string(emotion.Text):  w[emotion.Text],
			},
			Retention: window.DefaultRetention,
			Capacity:  window.DefaultCapacity,
			Tick:      5 * time.Second,
		},
		Trend: Trend{Lookback: tc.Lookback, DecliningDelta: tc.DecliningDelta},
		Risk: Risk{
			HighLabels:       tc.HighRiskLabels,
			HighConfidence:   tc.HighConfidence,
			MediumConfidence: tc.MediumConfidence,
			SustainedWindow:  tc.SustainedWindow,
			SustainedCount:   tc.SustainedCount,
		},
		Dispatch: Dispatch{
			FanoutTimeout:    dc.FanoutTimeout,
			SubscriberBuffer: dc.SubscriberBuffer,
			RecommendPolicy:  string(dc.Policy),
			AdviceTimeout:    dc.AdviceTimeout,
			AdviceWorkers:    dc.AdviceWorkers,
			AdviceQueue:      dc.AdviceQueue,
		},
		Persist: Persist{
			Driver:     "file",
			Workers:    qc.Workers,
			Queue:      qc.QueueSize,
			MaxRetries: qc.MaxRetries,
			Backoff:    qc.Backoff,
		},
		Services: Services{
			Emotion:        Service{Timeout: 30 * time.Second},
			Recommendation: Service{Timeout: dc.AdviceTimeout},
		},
		Redis:  Redis{URL: "redis://localhost:6379/0", Prefix: "edmo", HistoryTTL: 24 * time.Hour},
		Paths:  Paths{Outputs: "outputs"},
		Server: Server{Addr: ":8090"},
		Log:    Log{Level: "info", Format: "text"},
	}
}

// Candidates lists the files Load tries when no explicit path is given.
func Candidates() []string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return []string{
		filepath.Join("config", env, "config.yaml"),
		filepath.Join("src", "shared", "config.yaml"),
	}
}

// Option customizes the viper instance before decoding.
type Option func(v *viper.Viper) error

// WithFlag lets a command line flag override key when it was set.
func WithFlag(key string, f *pflag.Flag) Option {
	return func(v *viper.Viper) error {
		if f == nil {
			return nil
		}
		return v.BindPFlag(key, f)
	}
}

// Load reads path, or the first existing candidate file when path is empty,
// on top of the defaults. EDMO_* variables override file values, e.g.
// EDMO_SERVER_ADDR or EDMO_FUSION_WEIGHTS_VIDEO. The result is validated.
func Load(path string, opts ...Option) (*Root, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := setDefaults(v, Default()); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		for _, p := range Candidates() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	for _, o := range opts {
		if err := o(v); err != nil {
			return nil, err
		}
	}

	var c Root
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// setDefaults registers every key of d so that environment overrides apply
// to keys absent from the file.
func setDefaults(v *viper.Viper, d *Root) error {
	b, err := yaml.Marshal(d)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := yaml.Unmarshal(b, &m); err != nil {
		return err
	}
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, val := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if sub, ok := val.(map[string]any); ok && len(sub) > 0 {
				walk(key, sub)
				continue
			}
			v.SetDefault(key, val)
		}
	}
	walk("", m)
	return nil
}

// Validate reports every invalid setting at once.
func (c *Root) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	sum := 0.0
	for m, w := range c.Fusion.Weights {
		if _, err := emotion.ParseModality(m); err != nil {
			bad("fusion.weights: unknown modality %q", m)
		}
		if w < 0 || math.IsNaN(w) {
			bad("fusion.weights.%s must be non-negative, got %v", m, w)
		}
		sum += w
	}
	if math.Abs(sum-1) > 1e-6 {
		bad("fusion.weights must sum to 1, got %v", sum)
	}
	if c.Fusion.Retention <= 0 {
		bad("fusion.retention must be positive")
	}
	if c.Fusion.Capacity < 1 {
		bad("fusion.capacity must be at least 1")
	}
	if c.Fusion.Tick < 0 {
		bad("fusion.tick must not be negative")
	}
	if c.Trend.Lookback < 1 {
		bad("trend.lookback must be at least 1")
	}
	if c.Trend.DecliningDelta < 0 {
		bad("trend.declining_delta must not be negative")
	}
	for name, x := range map[string]float64{
		"risk.high_confidence":   c.Risk.HighConfidence,
		"risk.medium_confidence": c.Risk.MediumConfidence,
	} {
		if x < 0 || x > 1 {
			bad("%s must be within [0,1], got %v", name, x)
		}
	}
	if c.Risk.SustainedWindow < 1 {
		bad("risk.sustained_window must be at least 1")
	}
	if c.Risk.SustainedCount < 1 || c.Risk.SustainedCount > c.Risk.SustainedWindow {
		bad("risk.sustained_count must be within [1, sustained_window]")
	}
	if c.Dispatch.FanoutTimeout <= 0 {
		bad("dispatch.fanout_timeout must be positive")
	}
	if c.Dispatch.SubscriberBuffer < 0 {
		bad("dispatch.subscriber_buffer must not be negative")
	}
	if _, err := dispatch.ParseTriggerPolicy(c.Dispatch.RecommendPolicy); err != nil {
		errs = append(errs, fmt.Errorf("dispatch.recommend_policy: %w", err))
	}
	switch c.Persist.Driver {
	case "file", "redis", "none":
	default:
		bad("persist.driver must be file, redis or none, got %q", c.Persist.Driver)
	}
	if _, err := c.Vocab(); err != nil {
		errs = append(errs, err)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		bad("log.format must be text or json, got %q", c.Log.Format)
	}
	return errors.Join(errs...)
}

// Dump writes c as YAML.
func (c *Root) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

func (c *Root) WindowConfig() window.Config {
	return window.Config{Capacity: c.Fusion.Capacity, Retention: c.Fusion.Retention}
}

func (c *Root) FusionConfig() fusion.Config {
	w := make(map[emotion.Modality]float64, len(c.Fusion.Weights))
	for m, x := range c.Fusion.Weights {
		w[emotion.Modality(strings.ToLower(m))] = x
	}
	return fusion.Config{Weights: w, Retention: c.Fusion.Retention}
}

func (c *Root) TrendConfig() trend.Config {
	return trend.Config{
		Lookback:         c.Trend.Lookback,
		DecliningDelta:   c.Trend.DecliningDelta,
		HighRiskLabels:   c.Risk.HighLabels,
		HighConfidence:   c.Risk.HighConfidence,
		MediumConfidence: c.Risk.MediumConfidence,
		SustainedWindow:  c.Risk.SustainedWindow,
		SustainedCount:   c.Risk.SustainedCount,
	}
}

func (c *Root) DispatchConfig() dispatch.Config {
	p, _ := dispatch.ParseTriggerPolicy(c.Dispatch.RecommendPolicy)
	return dispatch.Config{
		FanoutTimeout:    c.Dispatch.FanoutTimeout,
		SubscriberBuffer: c.Dispatch.SubscriberBuffer,
		Policy:           p,
		AdviceTimeout:    c.Dispatch.AdviceTimeout,
		AdviceWorkers:    c.Dispatch.AdviceWorkers,
		AdviceQueue:      c.Dispatch.AdviceQueue,
	}
}

func (c *Root) QueueConfig() persist.QueueConfig {
	return persist.QueueConfig{
		Workers:    c.Persist.Workers,
		QueueSize:  c.Persist.Queue,
		MaxRetries: c.Persist.MaxRetries,
		Backoff:    c.Persist.Backoff,
	}
}

func (c *Root) RedisConfig() persist.RedisConfig {
	return persist.RedisConfig{
		Prefix:     c.Redis.Prefix,
		HistoryTTL: c.Redis.HistoryTTL,
		HistoryLen: c.Trend.Lookback,
	}
}

// Vocab is the default vocabulary with the configured valence overrides.
func (c *Root) Vocab() (*emotion.Vocabulary, error) {
	base := emotion.DefaultVocabulary()
	if len(c.Vocabulary) == 0 {
		return base, nil
	}
	over := make(map[string]emotion.Valence, len(c.Vocabulary))
	for label, s := range c.Vocabulary {
		val, ok := emotion.ParseValence(s)
		if !ok {
			return nil, fmt.Errorf("vocabulary.%s: unknown valence %q", label, s)
		}
		over[label] = val
	}
	return base.With(over), nil
}
