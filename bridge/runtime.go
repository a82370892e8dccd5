// Package bridge composes the id256, mintorder, opstore, scheduler,
// services, collector, ops and utxo packages into end-to-end deposit and
// withdraw coordinators, one per bridge variant.
package bridge

import (
	"context"
	"time"

	"github.com/MixinNetwork/mixin/logger"
	"github.com/nexusbridge/bridge-core/opstore"
	"github.com/nexusbridge/bridge-core/scheduler"
	"github.com/nexusbridge/bridge-core/services"
)

// Runtime owns the process-wide singletons: the Operation Store, the
// Scheduler, and the Services Pipeline. The UTXO Ledger, being
// variant-specific, lives on the coordinator that uses it; EVM clients live
// on the services and collectors.
type Runtime struct {
	Store    *opstore.Store
	Scheduler *scheduler.Scheduler
	Pipeline *services.Pipeline
}

func NewRuntime(store *opstore.Store, sched *scheduler.Scheduler, pipeline *services.Pipeline) *Runtime {
	pipeline.OperationsTick = sched.Run
	return &Runtime{Store: store, Scheduler: sched, Pipeline: pipeline}
}

// Run ticks the pipeline at the given interval until ctx is cancelled. Each
// tick runs every BeforeOperations service, then the scheduler and every
// ConcurrentWithOperations service in parallel.
func (r *Runtime) Run(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Pipeline.Tick(ctx); err != nil {
				logger.Printf("bridge.Runtime.Run: %v", err)
			}
		}
	}
}

// taskKindProgress is the scheduler.Runner registered for every variant's
// "keep progressing this operation" task; payload is the OpId, big-endian.
const taskKindProgress = "progress"

func (r *Runtime) Close() error {
	if err := r.Store.Close(); err != nil {
		return err
	}
	return r.Scheduler.Close()
}
