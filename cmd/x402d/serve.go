package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sigweihq/x402treasury/pkg/agent"
	"github.com/sigweihq/x402treasury/pkg/config"
	"github.com/sigweihq/x402treasury/pkg/constants"
	"github.com/sigweihq/x402treasury/pkg/facilitator"
	"github.com/sigweihq/x402treasury/pkg/intents"
	"github.com/sigweihq/x402treasury/pkg/middleware"
	"github.com/sigweihq/x402treasury/pkg/orchestrator"
	"github.com/sigweihq/x402treasury/pkg/server"
	"github.com/sigweihq/x402treasury/pkg/settlement"
	"github.com/sigweihq/x402treasury/pkg/wallet"
	"github.com/spf13/cobra"
)

var (
	serveAddr string
	serveDB   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the intent API and the paywalled resources.

Payments are armed when X402_ENABLED=true and a challenge recipient is
configured. Intent execution requires X402_EXECUTOR_KEY; transactions are
broadcast when a settlement contract and RPC endpoints are configured,
otherwise instructions are signed and recorded offline.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		payCfg, srvCfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("addr") {
			srvCfg.Addr = serveAddr
		}
		if cmd.Flags().Changed("db") {
			srvCfg.DatabasePath = serveDB
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		payments := middleware.New(ctx, payCfg.Mode(), newFacilitator(payCfg), logger)

		store, closeStore, err := openStore(ctx, srvCfg.DatabasePath)
		if err != nil {
			return err
		}
		defer closeStore()

		executor, err := newOrchestrator(ctx, srvCfg)
		if err != nil {
			return err
		}

		svc := intents.NewService(store, newEvaluator(srvCfg), executor, logger)
		return server.New(srvCfg, svc, payments, logger).ListenAndServe(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides X402_ADDR)")
	serveCmd.Flags().StringVar(&serveDB, "db", "", "SQLite database path, empty for in-memory (overrides X402_DB_PATH)")
}

// newFacilitator returns nil when payments are not armed or the client
// cannot be built; the middleware then passes requests through
func newFacilitator(cfg config.Config) middleware.Facilitator {
	if _, armed := cfg.Mode().(config.Armed); !armed {
		return nil
	}
	c, err := facilitator.NewFromConfig(cfg, logger)
	if err != nil {
		logger.Error("failed to create facilitator client", "error", err)
		return nil
	}
	return c
}

func openStore(ctx context.Context, path string) (intents.Store, func(), error) {
	if path == "" {
		logger.Warn("no database configured, intents are kept in memory")
		return intents.NewMemoryStore(), func() {}, nil
	}
	s, err := intents.OpenSQLite(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("intent store opened", "path", path)
	return s, func() {
		if err := s.Close(); err != nil {
			logger.Error("failed to close intent store", "error", err)
		}
	}, nil
}

func newOrchestrator(ctx context.Context, cfg server.Config) (*orchestrator.Orchestrator, error) {
	oc := orchestrator.Config{ChainID: cfg.ChainID}
	if cfg.Contract != "" {
		if !common.IsHexAddress(cfg.Contract) {
			return nil, fmt.Errorf("invalid settlement contract address %q", cfg.Contract)
		}
		oc.Contract = common.HexToAddress(cfg.Contract)
	}

	if cfg.ExecutorKey == "" {
		logger.Warn("no executor key configured, intent execution is disabled")
		return orchestrator.New(nil, nil, oc, logger), nil
	}

	signer, err := wallet.NewKeyWallet(cfg.ExecutorKey, nil)
	if err != nil {
		return nil, err
	}
	if cfg.Contract == "" || len(cfg.RPCEndpoints) == 0 {
		logger.Warn("no settlement contract configured, instructions are signed but not broadcast")
		return orchestrator.New(signer, settlement.NewOfflineSubmitter(logger), oc, logger), nil
	}

	submitter, err := settlement.NewContractSubmitter(settlement.Config{
		ChainID:   cfg.ChainID,
		Contract:  oc.Contract,
		Endpoints: cfg.RPCEndpoints,
		Key:       signer.PrivateKey(),
	}, logger, settlement.WithTimeout(constants.SubmitTxTimeout))
	if err != nil {
		return nil, err
	}
	if err := submitter.CheckEndpoints(ctx); err != nil {
		logger.Warn("RPC health check failed, keeping all endpoints", "error", err)
	}

	// settlement nonces are read per intent from the contract
	return orchestrator.New(signer, submitter, oc, logger), nil
}

func newEvaluator(cfg server.Config) agent.Evaluator {
	if cfg.AgentURL != "" {
		logger.Info("using remote agent", "url", cfg.AgentURL)
		return agent.NewHTTPEvaluator(cfg.AgentURL, constants.FacilitatorTimeout, logger)
	}
	return agent.NewRuleEvaluator(nil)
}
