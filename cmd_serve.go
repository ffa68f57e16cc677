package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/maastricht-university/edmo-fusion/clients"
	cfg "github.com/maastricht-university/edmo-fusion/config"
	"github.com/maastricht-university/edmo-fusion/dispatch"
	"github.com/maastricht-university/edmo-fusion/orchestrator"
	"github.com/maastricht-university/edmo-fusion/persist"
	"github.com/maastricht-university/edmo-fusion/server"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
			defer stop()
			return serve(ctx, c, newLogger(c))
		},
	}
	cmd.Flags().String("addr", ":8090", "listen address")
	return cmd
}

// openStorage picks the persistence writer. The Redis writer doubles as the
// trend history source.
func openStorage(ctx context.Context, c *cfg.Root) (persist.Writer, orchestrator.HistorySource, error) {
	switch c.Persist.Driver {
	case "redis":
		rdb, err := persist.Dial(ctx, c.Redis.URL)
		if err != nil {
			return nil, nil, err
		}
		rw := persist.NewRedisWriter(rdb, c.RedisConfig())
		return rw, rw, nil
	case "none":
		return persist.Discard{}, nil, nil
	}
	fw, err := persist.NewFileWriter(c.Paths.Outputs)
	if err != nil {
		return nil, nil, err
	}
	return fw, nil, nil
}

func serve(ctx context.Context, c *cfg.Root, log *logrus.Logger) error {
	start := time.Now()
	writer, history, err := openStorage(ctx, c)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", c.Persist.Driver, err)
	}
	queue := persist.NewQueue(writer, c.QueueConfig(), log)

	var advisor dispatch.Advisor
	if u := c.Services.Recommendation.URL; u != "" {
		advisor = clients.NewAdvisor(clients.NewHTTP(c.Services.Recommendation.Timeout), u)
	}
	var analyzer server.Analyzer
	if u := c.Services.Emotion.URL; u != "" {
		analyzer = clients.NewTextAnalyzer(clients.NewHTTP(c.Services.Emotion.Timeout), u)
	}

	hub := dispatch.NewHub(c.DispatchConfig(), queue, advisor, log)
	var opts []orchestrator.Option
	if history != nil {
		opts = append(opts, orchestrator.WithHistorySource(history))
	}
	p, err := orchestrator.NewPipeline(c, hub, log, opts...)
	if err != nil {
		hub.Stop()
		_ = queue.Stop()
		return err
	}

	srv := &http.Server{
		Addr:              c.Server.Addr,
		Handler:           server.New(p, analyzer, c.Server.AllowedOrigins, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{"addr": c.Server.Addr, "persist": c.Persist.Driver}).Info("edmo-fusion listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	err = g.Wait()

	// sessions publish their last state before storage drains
	p.Stop()
	if qerr := queue.Stop(); qerr != nil {
		log.WithError(qerr).Warn("closing storage")
	}
	log.WithField("uptime", time.Since(start).Round(time.Second)).Info("stopped")
	return err
}
