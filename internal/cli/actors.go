package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bibliodist/biblionet/internal/actor"
	"github.com/bibliodist/biblionet/internal/pkg/logger"
)

var loanActorCmd = &cobra.Command{
	Use:   "loan-actor",
	Short: "Run the synchronous loan actor",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd, "loan-actor")
		if err != nil {
			return err
		}
		a := actor.NewLoan(actor.NewSMClient(cfg.Endpoints.SMConnect), logger.Named("loan"))

		ctx, cancel := signalContext()
		defer cancel()
		return runComponents(ctx, logger.L(),
			component{
				name:  "loan-actor",
				start: func() error { return a.Start(cfg.Endpoints.LoanBind) },
				stop:  a.Stop,
			},
		)
	},
}

var renewActorCmd = &cobra.Command{
	Use:   "renew-actor",
	Short: "Run the renewal topic consumer",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runConsumer(cmd, "renew-actor", actor.NewRenew)
	},
}

var returnActorCmd = &cobra.Command{
	Use:   "return-actor",
	Short: "Run the return topic consumer",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runConsumer(cmd, "return-actor", actor.NewReturn)
	},
}

func runConsumer(cmd *cobra.Command, service string, build func(actor.SMCaller, *zap.Logger) *actor.Consumer) error {
	cfg, err := loadConfig(cmd, service)
	if err != nil {
		return err
	}
	c := build(actor.NewSMClient(cfg.Endpoints.SMConnect), logger.Named(service))

	ctx, cancel := signalContext()
	defer cancel()
	return runComponents(ctx, logger.L(),
		component{
			name: service,
			start: func() error {
				c.Start(cfg.Endpoints.TopicConnect)
				return nil
			},
			stop: c.Stop,
		},
	)
}
