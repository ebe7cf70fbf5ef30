package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const probeTimeout = 3 * time.Second

// CheckEndpoints probes every configured endpoint concurrently and narrows
// the pool to the healthy ones. When none answer the pool is left untouched
// and the probe errors are returned. Call it before the first Submit.
func (s *ContractSubmitter) CheckEndpoints(ctx context.Context) error {
	healthy, err := s.pool.probe(ctx)
	if len(healthy) == 0 {
		return fmt.Errorf("no healthy RPC endpoints for chain %d: %w", s.pool.chainID, err)
	}
	if err != nil {
		s.logger.Warn("dropping unhealthy RPC endpoints",
			"chainId", s.pool.chainID,
			"healthy", len(healthy),
			"unhealthy", len(s.pool.endpoints)-len(healthy),
			"error", err)
	}
	s.pool.endpoints = healthy
	return nil
}

// probe returns the endpoints that answer a latest-header request, in their
// configured order
func (p *endpointPool) probe(ctx context.Context) ([]string, error) {
	if len(p.endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	errs := make([]error, len(p.endpoints))
	var wg sync.WaitGroup
	for i, endpoint := range p.endpoints {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = p.probeOne(ctx, endpoint)
		}()
	}
	wg.Wait()

	var healthy []string
	var failed []error
	for i, endpoint := range p.endpoints {
		if errs[i] != nil {
			failed = append(failed, &RPCError{Endpoint: endpoint, Err: errs[i]})
			continue
		}
		healthy = append(healthy, endpoint)
	}

	p.logger.Debug("RPC health check complete", "chainId", p.chainID, "healthy", len(healthy), "unhealthy", len(failed))
	return healthy, errors.Join(failed...)
}

func (p *endpointPool) probeOne(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	backend, err := p.dial(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer backend.Close()

	_, err = backend.HeaderByNumber(ctx, nil)
	return err
}
