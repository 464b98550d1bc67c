// Package cli wires the site components into the biblionet command tree.
// Each subcommand runs one process of a site: the storage manager, the
// coordinator, or one of the actors.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bibliodist/biblionet/internal/config"
	"github.com/bibliodist/biblionet/internal/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:           "biblionet",
	Short:         "Two-site replicated library loan system",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("data-dir", "", "site data directory (books, loans, oplog)")
	pf.String("node-id", "", "site identifier, A or B")
	pf.String("log-level", "", "log level override")
	pf.Bool("pretty", false, "console log output instead of JSON")

	rootCmd.AddCommand(storageCmd, coordinatorCmd, loanActorCmd, renewActorCmd, returnActorCmd)
}

// Execute runs the command tree until completion or a fatal error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "biblionet:", err)
		os.Exit(1)
	}
}

// loadConfig builds the effective configuration from files, environment and
// the command line, then installs the global logger for this process.
func loadConfig(cmd *cobra.Command, service string) (*config.Config, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	cfg, err := config.Load(dataDir)
	if err != nil {
		return nil, err
	}

	if nodeID, _ := cmd.Flags().GetString("node-id"); strings.TrimSpace(nodeID) != "" {
		cfg.NodeID = strings.ToUpper(strings.TrimSpace(nodeID))
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if pretty, _ := cmd.Flags().GetBool("pretty"); pretty {
		cfg.Log.Format = "console"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := logger.Init(logger.Options{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: service,
		NodeID:      cfg.NodeID,
		ToStdout:    cfg.Log.ToStdout,
		FilePath:    cfg.Log.FilePath,
	}); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// component is one startable unit of a process.
type component struct {
	name  string
	start func() error
	stop  func()
}

// runComponents starts every component, keeps them up until the context is
// cancelled, and stops them. A failed start cancels the rest and surfaces
// the error so the process exits non-zero.
func runComponents(parent context.Context, log *zap.Logger, comps ...component) error {
	defer logger.Sync()

	g, ctx := errgroup.WithContext(parent)
	for _, c := range comps {
		c := c
		g.Go(func() error {
			if err := c.start(); err != nil {
				return fmt.Errorf("start %s: %w", c.name, err)
			}
			log.Info("component running", zap.String("component", c.name))
			<-ctx.Done()
			c.stop()
			log.Info("component stopped", zap.String("component", c.name))
			return nil
		})
	}
	return g.Wait()
}
