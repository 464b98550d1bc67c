package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bibliodist/biblionet/internal/health"
	"github.com/bibliodist/biblionet/internal/model"
	"github.com/bibliodist/biblionet/internal/oplog"
	"github.com/bibliodist/biblionet/internal/pkg/logger"
	"github.com/bibliodist/biblionet/internal/replication"
	"github.com/bibliodist/biblionet/internal/storage"
)

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Run the storage manager, the replicator and the health monitor",
	RunE:  runStorage,
}

func init() {
	storageCmd.Flags().String("seed", "", "JSON book catalog loaded into an empty store")
}

func runStorage(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, "storage")
	if err != nil {
		return err
	}
	log := logger.L()

	store, err := storage.Open(cfg.DataDir, cfg.Loan, logger.Named("store"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if seedPath, _ := cmd.Flags().GetString("seed"); seedPath != "" {
		if err := seedBooks(store, seedPath, log); err != nil {
			return err
		}
	}

	journal, err := oplog.Open(cfg.DataDir, logger.Named("oplog"))
	if err != nil {
		return fmt.Errorf("open oplog: %w", err)
	}

	repl := replication.New(store, journal, cfg.NodeID, cfg.Replication, logger.Named("replication"))
	srv := storage.NewServer(store, journal, repl, logger.Named("sm"))
	monitor := health.New(cfg.NodeID, cfg.Heartbeat.Interval(), logger.Named("health"))

	ctx, cancel := signalContext()
	defer cancel()

	ep := cfg.Endpoints
	return runComponents(ctx, log,
		component{
			name: "replicator",
			start: func() error {
				if err := repl.Start(ep.ReplPubBind); err != nil {
					return err
				}
				repl.ConnectPeer(ep.ReplSubConnect)
				return nil
			},
			stop: repl.Stop,
		},
		component{
			name:  "storage-manager",
			start: func() error { return srv.Start(ep.SMBind) },
			stop:  srv.Stop,
		},
		component{
			name:  "health-monitor",
			start: func() error { return monitor.Start(ep.HeartbeatPubBind, ep.HealthBind) },
			stop:  monitor.Stop,
		},
	)
}

// seedBooks loads a catalog file into a store that has no books yet. A store
// that already holds books is left untouched so restarts never reset state.
func seedBooks(store *storage.Store, path string, log *zap.Logger) error {
	if len(store.Books()) > 0 {
		log.Info("store already seeded, skipping catalog", zap.String("path", path))
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed catalog: %w", err)
	}
	var books []model.Book
	if err := json.Unmarshal(raw, &books); err != nil {
		return fmt.Errorf("parse seed catalog: %w", err)
	}
	for _, b := range books {
		if err := store.AddBook(b.Code, b.Title, b.Available); err != nil {
			return fmt.Errorf("seed book %s: %w", b.Code, err)
		}
	}
	log.Info("seeded catalog", zap.Int("books", len(books)), zap.String("path", path))
	return nil
}
