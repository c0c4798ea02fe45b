package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentworkforce/tvsync/internal/client"
	"github.com/agentworkforce/tvsync/internal/config"
	"github.com/agentworkforce/tvsync/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// app is the state shared by every subcommand of one invocation.
type app struct {
	v          *viper.Viper
	configFile string
	envFile    string
	jsonOutput bool

	cfg    *config.Config
	logger logging.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{v: config.NewViper()}
	root := &cobra.Command{
		Use:   "tvsync",
		Short: "Offline-first client for the TV inventory API",
		Long: `tvsync keeps a local view of the TV inventory in step with the API.

Changes made while the API is unreachable are queued in a durable store and
replayed once connectivity returns.`,
		PersistentPreRunE: a.setup,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (yaml, json or toml)")
	flags.StringVar(&a.envFile, "env-file", ".env", "dotenv file with TVSYNC_* variables")
	flags.BoolVar(&a.jsonOutput, "json", false, "print JSON instead of tables")
	flags.String("base-url", "", "API base URL")
	flags.String("token", "", "bearer token")
	flags.String("store", "", "queue store DSN (file://, sqlite://, postgres://, memory://)")
	flags.Int("page-size", 0, "records per page")
	flags.Duration("probe-interval", 0, "health probe interval")
	flags.Duration("request-timeout", 0, "per-request timeout")
	flags.String("status-file", "", "read connectivity from this file instead of probing")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "text or json")

	bindings := map[string]string{
		config.KeyBaseURL:        "base-url",
		config.KeyToken:          "token",
		config.KeyStoreDSN:       "store",
		config.KeyPageSize:       "page-size",
		config.KeyProbeInterval:  "probe-interval",
		config.KeyRequestTimeout: "request-timeout",
		config.KeyStatusFile:     "status-file",
		config.KeyLogLevel:       "log-level",
		config.KeyLogFormat:      "log-format",
	}
	for key, flag := range bindings {
		// Only flags the user set override lower layers.
		_ = a.v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(
		a.runCommand(),
		a.listCommand(),
		a.getCommand(),
		a.saveCommand(),
		a.deleteCommand(),
		a.flushCommand(),
		a.pendingCommand(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.v, config.LoadOptions{ConfigFile: a.configFile, EnvFile: a.envFile})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// open builds the sync client. Commands that talk to the API start it and
// need a token; commands that only read the queue do not.
func (a *app) open(ctx context.Context, online bool) (*client.Client, error) {
	if online {
		if err := a.cfg.RequireToken(); err != nil {
			return nil, err
		}
	}
	c, err := client.New(*a.cfg, client.Options{Logger: a.logger})
	if err != nil {
		return nil, err
	}
	if !online {
		return c, nil
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func closeClient(c *client.Client, w io.Writer) {
	if err := c.Close(); err != nil {
		fmt.Fprintf(w, "warning: closing store: %v\n", err)
	}
}
