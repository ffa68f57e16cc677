package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	cfg "github.com/maastricht-university/edmo-fusion/config"
)

type globalFlags struct {
	config    string
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "edmo-fusion",
		Short: "Fuses video, audio and text emotion signals into one live state per session",
		Long: `edmo-fusion ingests emotion signals of live sessions, fuses them into a
unified emotional state with trend and risk, and streams each state to
subscribers, storage and the recommendation service.

Configuration is read from --config, config/$CONFIG_ENV/config.yaml or
src/shared/config.yaml, in that order. EDMO_* variables override any key,
e.g. EDMO_SERVER_ADDR=:9000 or EDMO_PERSIST_DRIVER=redis.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.config, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "text", "log format (text, json)")

	root.AddCommand(newServeCmd(g), newReplayCmd(g), newConfigCmd(g))
	return root
}

// load reads the configuration; flags set on the command line win over
// file and environment values.
func (g *globalFlags) load(cmd *cobra.Command) (*cfg.Root, error) {
	fs := cmd.Flags()
	return cfg.Load(g.config,
		cfg.WithFlag("log.level", fs.Lookup("log-level")),
		cfg.WithFlag("log.format", fs.Lookup("log-format")),
		cfg.WithFlag("server.addr", fs.Lookup("addr")),
	)
}

func newLogger(c *cfg.Root) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if lvl, err := logrus.ParseLevel(c.Log.Level); err == nil {
		l.SetLevel(lvl)
	}
	if c.Log.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
