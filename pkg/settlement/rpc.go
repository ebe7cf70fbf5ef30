package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sigweihq/x402treasury/pkg/constants"
)

// Backend is a chain connection able to call and transact with contracts.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	Close()
}

// Dialer opens a Backend for endpoint
type Dialer func(ctx context.Context, endpoint string) (Backend, error)

// DialEthclient is the default Dialer
func DialEthclient(ctx context.Context, endpoint string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// endpointPool runs calls against a list of RPC endpoints with failover.
// Each call starts at a random endpoint for load balancing.
type endpointPool struct {
	chainID   int64
	endpoints []string
	dial      Dialer
	timeout   time.Duration
	logger    *slog.Logger
}

func (p *endpointPool) do(ctx context.Context, fn func(ctx context.Context, backend Backend) error) error {
	if len(p.endpoints) == 0 {
		return ErrNoEndpoints
	}

	// Start at a random position for load balancing
	startIdx := rand.Intn(len(p.endpoints))

	var errs []error
	for i := 0; i < len(p.endpoints); i++ {
		if i > 0 {
			delay := time.Duration(i*constants.DelayBetweenRPCCalls) * time.Millisecond
			select {
			case <-ctx.Done():
				return errors.Join(append(errs, ctx.Err())...)
			case <-time.After(delay):
			}
		}

		// Wrap around using modulo for round-robin
		endpoint := p.endpoints[(startIdx+i)%len(p.endpoints)]

		err := p.try(ctx, endpoint, fn)
		if err == nil {
			return nil
		}
		p.logger.Warn("RPC endpoint failed", "endpoint", endpoint, "chainId", p.chainID, "error", err)
		errs = append(errs, &RPCError{Endpoint: endpoint, Err: err})
	}

	return fmt.Errorf("all RPC endpoints failed for chain %d: %w", p.chainID, errors.Join(errs...))
}

func (p *endpointPool) try(ctx context.Context, endpoint string, fn func(ctx context.Context, backend Backend) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	backend, err := p.dial(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer backend.Close()

	return fn(ctx, backend)
}
