package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sigweihq/x402treasury/pkg/orchestrator"
	"github.com/sigweihq/x402treasury/pkg/server"
	"github.com/sigweihq/x402treasury/pkg/types"
	"github.com/sigweihq/x402treasury/pkg/wallet"
	"github.com/spf13/cobra"
)

var (
	signIntentID  string
	signAmount    string
	signRecipient string
	signNonce     uint64
)

type signedIntent struct {
	IntentID   string `json:"intentId"`
	IntentHash string `json:"intentHash"`
	Recipient  string `json:"recipient"`
	Amount     string `json:"amount"`
	Nonce      uint64 `json:"nonce"`
	ChainID    int64  `json:"chainId"`
	Contract   string `json:"contract"`
	Signer     string `json:"signer"`
	Digest     string `json:"digest"`
	Signature  string `json:"signature"`
}

var signIntentCmd = &cobra.Command{
	Use:   "sign-intent",
	Short: "Sign a settlement instruction offline",
	Long: `Print the canonical settlement digest and the executor's signature for
one intent without broadcasting anything. The key is read from
X402_EXECUTOR_KEY; the chain id and contract from the configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, srvCfg, err := loadConfig()
		if err != nil {
			return err
		}
		if srvCfg.ExecutorKey == "" {
			return fmt.Errorf("%s is not set", server.EnvExecutorKey)
		}
		if !common.IsHexAddress(srvCfg.Contract) {
			return errors.New("a settlement contract address is required")
		}

		w, err := wallet.NewKeyWallet(srvCfg.ExecutorKey, fixedNonce(signNonce))
		if err != nil {
			return err
		}
		cfg := orchestrator.Config{
			ChainID:  srvCfg.ChainID,
			Contract: common.HexToAddress(srvCfg.Contract),
		}
		inst, err := orchestrator.New(w, nil, cfg, logger).Sign(cmd.Context(), &types.PaymentIntent{
			IntentID:  signIntentID,
			Amount:    signAmount,
			Recipient: signRecipient,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(signedIntent{
			IntentID:   inst.IntentID,
			IntentHash: inst.IntentHash.Hex(),
			Recipient:  inst.Recipient.Hex(),
			Amount:     inst.Amount.String(),
			Nonce:      inst.Nonce,
			ChainID:    cfg.ChainID,
			Contract:   cfg.Contract.Hex(),
			Signer:     inst.Signer.Hex(),
			Digest:     hexutil.Encode(inst.Digest),
			Signature:  hexutil.Encode(inst.Signature),
		})
	},
}

// fixedNonce supplies the nonce given on the command line
type fixedNonce uint64

func (n fixedNonce) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return uint64(n), nil
}

func init() {
	signIntentCmd.Flags().StringVar(&signIntentID, "id", "", "intent id")
	signIntentCmd.Flags().StringVar(&signAmount, "amount", "", "amount in the smallest unit")
	signIntentCmd.Flags().StringVar(&signRecipient, "recipient", "", "recipient address")
	signIntentCmd.Flags().Uint64Var(&signNonce, "nonce", 0, "settlement nonce")
	signIntentCmd.MarkFlagRequired("id")
	signIntentCmd.MarkFlagRequired("amount")
	signIntentCmd.MarkFlagRequired("recipient")
}
