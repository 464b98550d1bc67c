package cli

import (
	"github.com/spf13/cobra"

	"github.com/bibliodist/biblionet/internal/config"
	"github.com/bibliodist/biblionet/internal/coordinator"
	"github.com/bibliodist/biblionet/internal/pkg/logger"
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the central coordinator",
	RunE:  runCoordinator,
}

func init() {
	coordinatorCmd.Flags().String("mode", "", "execution mode: serial or threaded")
	coordinatorCmd.Flags().Int("workers", 0, "worker count in threaded mode")
}

func runCoordinator(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, "coordinator")
	if err != nil {
		return err
	}
	if mode, _ := cmd.Flags().GetString("mode"); mode != "" {
		cfg.Coordinator.Mode = config.NormalizeMode(mode)
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		cfg.Coordinator.Workers = workers
	}

	cc := coordinator.New(cfg, logger.Named("cc"))

	ctx, cancel := signalContext()
	defer cancel()

	return runComponents(ctx, logger.L(),
		component{name: "coordinator", start: cc.Start, stop: cc.Stop},
	)
}
