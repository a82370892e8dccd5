// Package services implements the ordered set of periodic services that
// share the scheduler tick: RefreshEvmParams, FetchBridgeEvents,
// SignMintOrders, SendMintTransaction, plus the
// BeforeOperations/ConcurrentWithOperations pipeline that drives them.
package services

import (
	"context"
	"sort"
	"sync"

	"github.com/MixinNetwork/mixin/logger"
)

// ID is a stable 32-bit service identifier.
type ID uint32

const (
	IDRefreshEvmParams ID = iota + 1
	IDFetchBridgeEvents
	IDSignMintOrders
	IDSendMintTransaction
)

// Phase selects when a service runs relative to operation progress.
type Phase byte

const (
	BeforeOperations Phase = iota
	ConcurrentWithOperations
)

// Service is an async unit with a stable ID; Run executes one tick of
// work. PushOperation, which defers a specific operation id to a service
// ahead of its next tick, is not part of this interface: SignMintOrders and
// SendMintTransaction each define their own.
type Service interface {
	ID() ID
	Phase() Phase
	Run(ctx context.Context) error
}

// Pipeline runs every BeforeOperations service in id order, then every
// operation scheduled by the scheduler and every ConcurrentWithOperations
// service as parallel cooperative tasks.
type Pipeline struct {
	services []Service
	// OperationsTick runs the scheduler's Run for this pipeline tick;
	// wired by the Runtime that owns both the Pipeline and the Scheduler.
	OperationsTick func(ctx context.Context) error
}

func NewPipeline() *Pipeline {
	return &Pipeline{}
}

func (p *Pipeline) Register(s Service) {
	p.services = append(p.services, s)
}

func (p *Pipeline) before() []Service {
	var out []Service
	for _, s := range p.services {
		if s.Phase() == BeforeOperations {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (p *Pipeline) concurrent() []Service {
	var out []Service
	for _, s := range p.services {
		if s.Phase() == ConcurrentWithOperations {
			out = append(out, s)
		}
	}
	return out
}

// Tick runs one full pass of the pipeline.
func (p *Pipeline) Tick(ctx context.Context) error {
	for _, s := range p.before() {
		if err := s.Run(ctx); err != nil {
			logger.Printf("services.Pipeline.Tick: %d => %v", s.ID(), err)
		}
	}

	concurrent := p.concurrent()
	var wg sync.WaitGroup
	errs := make([]error, len(concurrent)+1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if p.OperationsTick != nil {
			errs[0] = p.OperationsTick(ctx)
		}
	}()
	for i, s := range concurrent {
		wg.Add(1)
		go func(i int, s Service) {
			defer wg.Done()
			errs[i+1] = s.Run(ctx)
		}(i, s)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
