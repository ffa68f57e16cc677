package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	cfg "github.com/maastricht-university/edmo-fusion/config"
	"github.com/maastricht-university/edmo-fusion/dispatch"
	"github.com/maastricht-university/edmo-fusion/emotion"
	"github.com/maastricht-university/edmo-fusion/orchestrator"
)

func newReplayCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <signals.jsonl|->",
		Short: "Fuse recorded signals and print one state per line",
		Long: `replay reads raw signals, one JSON object per line, orders them by
observed_at and feeds them through the fusion pipeline on a clock that
follows the recording. Every state produced is printed as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.load(cmd)
			if err != nil {
				return err
			}
			in := cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			signals, err := readSignals(in)
			if err != nil {
				return err
			}
			return replay(cmd.Context(), c, newLogger(c), signals, cmd.OutOrStdout())
		},
	}
}

func readSignals(r io.Reader) ([]emotion.RawSignal, error) {
	var out []emotion.RawSignal
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for line := 1; sc.Scan(); line++ {
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var raw emotion.RawSignal
		if err := json.Unmarshal(b, &raw); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, raw)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	return out, nil
}

func replay(ctx context.Context, c *cfg.Root, log *logrus.Logger, signals []emotion.RawSignal, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var now time.Time
	hub := dispatch.NewHub(c.DispatchConfig(), nil, nil, log)
	p, err := orchestrator.NewPipeline(c, hub, log,
		orchestrator.ManualFusion(),
		orchestrator.WithClock(func() time.Time { return now }))
	if err != nil {
		hub.Stop()
		return err
	}
	defer p.Stop()

	enc := json.NewEncoder(w)
	for _, raw := range signals {
		// only the replay goroutine advances the clock, between fusions
		now = raw.ObservedAt
		if err := p.SubmitSignal(ctx, raw); err != nil {
			log.WithError(err).WithField("session_id", raw.SessionID).Warn("skipping signal")
			continue
		}
		st, err := p.FuseNow(ctx, raw.SessionID)
		if errors.Is(err, emotion.ErrInsufficientData) {
			continue
		}
		if err != nil {
			return err
		}
		if err := enc.Encode(st); err != nil {
			return err
		}
	}
	return nil
}
