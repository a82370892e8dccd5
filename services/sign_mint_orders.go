package services

import (
	"context"
	"sync"

	"github.com/MixinNetwork/mixin/logger"
	"github.com/nexusbridge/bridge-core/mintorder"
	"github.com/nexusbridge/bridge-core/opstore"
)

// SigningCallback is how an ops state machine learns that its pushed
// MintOrder finished signing, resolved the next tick by the owning
// service.
type SigningCallback interface {
	OnOrderSigned(ctx context.Context, id opstore.OpId, signed *mintorder.SignedMintOrder, err error)
}

type signingJob struct {
	id    opstore.OpId
	order *mintorder.MintOrder
}

// SignMintOrders is the batch-signing service: any operation that has
// reached SignMintOrder pushes its order here instead of
// signing inline, so a single signer (in particular a threshold
// ManagedSigner session) serializes all of a tick's signing requests.
type SignMintOrders struct {
	signer   mintorder.Signer
	callback SigningCallback

	mu    sync.Mutex
	queue []signingJob
}

func NewSignMintOrders(signer mintorder.Signer, callback SigningCallback) *SignMintOrders {
	return &SignMintOrders{signer: signer, callback: callback}
}

func (s *SignMintOrders) ID() ID       { return IDSignMintOrders }
func (s *SignMintOrders) Phase() Phase { return ConcurrentWithOperations }

// PushOperation queues order for signing on the next Run. Safe to call from
// any goroutine (ops state machines call it from the scheduler tick, which
// the Pipeline runs concurrently with this service).
func (s *SignMintOrders) PushOperation(id opstore.OpId, order *mintorder.MintOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, signingJob{id: id, order: order})
}

func (s *SignMintOrders) Run(ctx context.Context) error {
	s.mu.Lock()
	jobs := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, j := range jobs {
		signed, err := mintorder.EncodeAndSign(ctx, j.order, s.signer)
		if err != nil {
			logger.Printf("services.SignMintOrders.Run(%d) => %v", j.id, err)
		}
		s.callback.OnOrderSigned(ctx, j.id, signed, err)
	}
	return nil
}
