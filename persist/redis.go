package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maastricht-university/edmo-fusion/emotion"
)

const (
	defaultPrefix     = "edmo"
	defaultHistoryTTL = 24 * time.Hour
	defaultHistoryLen = 10
	defaultStreamLen  = 10000
)

type RedisConfig struct {
	Prefix     string
	HistoryTTL time.Duration
	HistoryLen int   // states kept per session list
	StreamLen  int64 // approximate cap of the state stream
}

// RedisWriter appends states to a stream for analytics consumers, keeps a
// short per-session history list and publishes each state on a per-session
// channel for dashboards running in other processes.
//
// Keys:
//
//	<prefix>:states               stream, field "state"
//	<prefix>:advice               stream, field "advice"
//	<prefix>:history:<session>    list, most recent first
//	<prefix>:state:<session>      pub/sub channel
type RedisWriter struct {
	rdb *redis.Client
	cfg RedisConfig
}

func NewRedisWriter(rdb *redis.Client, cfg RedisConfig) *RedisWriter {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.HistoryTTL <= 0 {
		cfg.HistoryTTL = defaultHistoryTTL
	}
	if cfg.HistoryLen <= 0 {
		cfg.HistoryLen = defaultHistoryLen
	}
	if cfg.StreamLen <= 0 {
		cfg.StreamLen = defaultStreamLen
	}
	return &RedisWriter{rdb: rdb, cfg: cfg}
}

// Dial parses a redis:// URL and verifies the connection.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (r *RedisWriter) historyKey(sessionID string) string {
	return fmt.Sprintf("%s:history:%s", r.cfg.Prefix, sessionID)
}

// Channel is the pub/sub channel carrying states of one session.
func (r *RedisWriter) Channel(sessionID string) string {
	return fmt.Sprintf("%s:state:%s", r.cfg.Prefix, sessionID)
}

func (r *RedisWriter) WriteState(ctx context.Context, st emotion.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	key := r.historyKey(st.SessionID)
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, &redis.XAddArgs{
			Stream: r.cfg.Prefix + ":states",
			MaxLen: r.cfg.StreamLen,
			Approx: true,
			Values: map[string]interface{}{"session_id": st.SessionID, "state": string(data)},
		})
		p.LPush(ctx, key, data)
		p.LTrim(ctx, key, 0, int64(r.cfg.HistoryLen-1))
		p.Expire(ctx, key, r.cfg.HistoryTTL)
		p.Publish(ctx, r.Channel(st.SessionID), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store state: %w", err)
	}
	return nil
}

func (r *RedisWriter) WriteAdvice(ctx context.Context, adv emotion.Advice) error {
	data, err := json.Marshal(adv)
	if err != nil {
		return fmt.Errorf("failed to marshal advice: %w", err)
	}
	err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.cfg.Prefix + ":advice",
		MaxLen: r.cfg.StreamLen,
		Approx: true,
		Values: map[string]interface{}{"session_id": adv.SessionID, "advice": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to store advice: %w", err)
	}
	return nil
}

// History returns up to n stored states of a session, most recent first.
func (r *RedisWriter) History(ctx context.Context, sessionID string, n int) ([]emotion.State, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := r.rdb.LRange(ctx, r.historyKey(sessionID), 0, int64(n-1)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	out := make([]emotion.State, 0, len(raw))
	for _, s := range raw {
		var st emotion.State
		if err := json.Unmarshal([]byte(s), &st); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history: %w", err)
		}
		out = append(out, st)
	}
	return out, nil
}

func (r *RedisWriter) Close() error { return r.rdb.Close() }
