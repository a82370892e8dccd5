package bridge

import (
	"context"
	"fmt"
	"math/big"

	"github.com/MixinNetwork/mixin/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/nexusbridge/bridge-core/collector"
	"github.com/nexusbridge/bridge-core/id256"
	"github.com/nexusbridge/bridge-core/mintorder"
	"github.com/nexusbridge/bridge-core/ops"
	"github.com/nexusbridge/bridge-core/opstore"
	"github.com/nexusbridge/bridge-core/scheduler"
	"github.com/nexusbridge/bridge-core/services"
)

// Brc20ActualAmount looks up an indexer's view of how many tokens actually
// sit at a transit address for a tick, once its UTXOs are confirmed.
type Brc20ActualAmount func(ctx context.Context, tick, transitAddress string) (*big.Int, error)

// Brc20Coordinator drives BRC-20<->ERC-20 deposits: the user sends an
// inscription transfer to a deterministic transit address, the coordinator
// waits for confirmations, cross-checks the indexer-reported amount, and
// mints on the destination EVM chain.
type Brc20Coordinator struct {
	store            *opstore.Store
	sched            *scheduler.Scheduler
	signer           *services.SignMintOrders
	sender           *services.SendMintTransaction
	blockTip         func(ctx context.Context) (uint64, error)
	actualAmount     Brc20ActualAmount
	dstToken         common.Address
	recipientChainID uint32
}

func NewBrc20Coordinator(
	store *opstore.Store,
	sched *scheduler.Scheduler,
	signer *services.SignMintOrders,
	sender *services.SendMintTransaction,
	blockTip func(ctx context.Context) (uint64, error),
	actualAmount Brc20ActualAmount,
	dstToken common.Address,
	recipientChainID uint32,
) *Brc20Coordinator {
	c := &Brc20Coordinator{
		store: store, sched: sched, signer: signer, sender: sender,
		blockTip: blockTip, actualAmount: actualAmount,
		dstToken: dstToken, recipientChainID: recipientChainID,
	}
	sched.RegisterRunner(taskKindProgress, c.runProgress, c.onProgressExhausted)
	return c
}

func (c *Brc20Coordinator) Dispatcher() collector.Dispatcher { return brc20Dispatcher{c} }

type brc20Dispatcher struct{ c *Brc20Coordinator }

func (d brc20Dispatcher) OnBurn(ctx context.Context, e collector.BurnEvent) error { return nil }
func (d brc20Dispatcher) OnMint(ctx context.Context, e collector.MintEvent) error {
	return d.c.onMint(ctx, e)
}
func (d brc20Dispatcher) OnNotifyMinter(ctx context.Context, e collector.NotifyMinterEvent) error {
	return nil
}

// NewDeposit registers an observed transit-address deposit awaiting
// confirmations.
func (c *Brc20Coordinator) NewDeposit(ctx context.Context, tick, transitAddress string, evmRecipient common.Address, requestedAmount *big.Int, utxoHeights []uint64, requiredConfirmations uint64) (opstore.OpId, error) {
	op := ops.NewBrc20Deposit(tick, transitAddress, evmRecipient, requestedAmount, utxoHeights, requiredConfirmations)
	id, err := c.store.NewOperation(ctx, op, evmRecipient.Hex(), "")
	if err != nil {
		return 0, fmt.Errorf("bridge.Brc20Coordinator.NewDeposit: %w", err)
	}
	if opts, ok := op.SchedulingOptions(); ok {
		if err := enqueueProgress(ctx, c.sched, id, opts); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (c *Brc20Coordinator) runProgress(ctx context.Context, payload []byte) error {
	id := decodeOpId(payload)
	entry, err := c.store.GetWithId(ctx, id)
	if err != nil || entry == nil {
		return err
	}
	op, ok := entry.Payload.(*ops.Brc20Operation)
	if !ok {
		return fmt.Errorf("bridge.Brc20Coordinator.runProgress(%d): unexpected payload type %T", id, entry.Payload)
	}

	if op.Stage == ops.StageBrc20WaitingForConfirmations {
		return c.progressConfirmations(ctx, entry.Id, op)
	}
	op.Progress(ctx, entry.Id, c.signer, c.sender)
	return nil
}

func (c *Brc20Coordinator) progressConfirmations(ctx context.Context, id opstore.OpId, op *ops.Brc20Operation) error {
	tip, err := c.blockTip(ctx)
	if err != nil {
		return err
	}
	met, current, _ := op.CheckConfirmations(tip)
	if !met {
		waiting := *op
		waiting.CurrentConfirmations = current
		if err := c.store.Update(ctx, id, &waiting); err != nil {
			return err
		}
		opts, _ := op.SchedulingOptions()
		return enqueueProgress(ctx, c.sched, id, opts)
	}

	actual, err := c.actualAmount(ctx, op.Tick, op.TransitAddress)
	if err != nil {
		return err
	}

	var order *mintorder.MintOrder
	if actual.Cmp(op.RequestedAmount) == 0 {
		tickID, terr := id256.FromBrc20Tick(op.Tick)
		if terr != nil {
			return terr
		}
		amount, overflow := uint256.FromBig(actual)
		if overflow {
			return fmt.Errorf("bridge.Brc20Coordinator: amount overflows uint256")
		}
		order = &mintorder.MintOrder{
			Amount:           amount,
			Sender:           tickID,
			SrcToken:         tickID,
			Recipient:        op.EvmRecipient,
			DstToken:         c.dstToken,
			Nonce:            id.Nonce(),
			RecipientChainID: c.recipientChainID,
			Name:             op.Tick,
			Symbol:           op.Tick,
			ApproveAmount:    uint256.NewInt(0),
			FeePayer:         op.EvmRecipient,
		}
	}

	next := op.ApplyConfirmed(current, actual, order)
	if err := c.store.Update(ctx, id, next); err != nil {
		return err
	}
	if opts, ok := next.SchedulingOptions(); ok {
		return enqueueProgress(ctx, c.sched, id, opts)
	}
	return nil
}

func (c *Brc20Coordinator) onProgressExhausted(ctx context.Context, task scheduler.Task, lastErr error) {
	id := decodeOpId(task.Payload)
	if err := c.store.AppendStep(ctx, id, "progress_exhausted", lastErr.Error()); err != nil {
		logger.Printf("bridge.Brc20Coordinator.onProgressExhausted(%d) => %v", id, err)
	}
}

func (c *Brc20Coordinator) OnOrderSigned(ctx context.Context, id opstore.OpId, signed *mintorder.SignedMintOrder, err error) {
	entry, gerr := c.store.GetWithId(ctx, id)
	if gerr != nil || entry == nil {
		return
	}
	op, ok := entry.Payload.(*ops.Brc20Operation)
	if !ok {
		return
	}
	if err != nil {
		c.store.AppendStep(ctx, id, "sign_error", err.Error())
		if opts, ok := op.SchedulingOptions(); ok {
			enqueueProgress(ctx, c.sched, id, opts)
		}
		return
	}
	next := *op
	next.Signed = signed
	next.Stage = ops.StageBrc20SendMintTransaction
	if uerr := c.store.Update(ctx, id, &next); uerr != nil {
		logger.Printf("bridge.Brc20Coordinator.OnOrderSigned(%d) => %v", id, uerr)
		return
	}
	if opts, ok := next.SchedulingOptions(); ok {
		enqueueProgress(ctx, c.sched, id, opts)
	}
}

func (c *Brc20Coordinator) OnMintSubmitted(ctx context.Context, id opstore.OpId, txHash common.Hash, err error) {
	entry, gerr := c.store.GetWithId(ctx, id)
	if gerr != nil || entry == nil {
		return
	}
	op, ok := entry.Payload.(*ops.Brc20Operation)
	if !ok {
		return
	}
	if err != nil {
		c.store.AppendStep(ctx, id, "submit_error", err.Error())
		if opts, ok := op.SchedulingOptions(); ok {
			enqueueProgress(ctx, c.sched, id, opts)
		}
		return
	}
	next := *op
	next.TxHash = txHash
	next.Stage = ops.StageBrc20WaitForMintConfirm
	c.store.Update(ctx, id, &next)
}

func (c *Brc20Coordinator) onMint(ctx context.Context, e collector.MintEvent) error {
	matches, err := c.store.GetForAddress(ctx, e.Recipient, opstore.Pagination{})
	if err != nil {
		return err
	}
	for _, entry := range matches {
		op, ok := entry.Payload.(*ops.Brc20Operation)
		if !ok || op.Order == nil {
			continue
		}
		if op.Order.Nonce != e.Nonce || op.Stage != ops.StageBrc20WaitForMintConfirm {
			continue
		}
		return c.store.Update(ctx, entry.Id, op.ApplyMintConfirmed())
	}
	logger.Verbosef("bridge.Brc20Coordinator.onMint(%s, %d) => no matching operation, treated as a duplicate", e.Recipient, e.Nonce)
	return nil
}

// QueryDepositStatus reports a user-facing status for a BRC-20 deposit.
func (c *Brc20Coordinator) QueryDepositStatus(ctx context.Context, id opstore.OpId) (ops.Status, error) {
	raw, err := c.store.Get(ctx, id)
	if err != nil {
		return ops.Status{}, err
	}
	if raw == nil {
		return ops.Status{Kind: ops.StatusInternalError, Details: "operation not found"}, nil
	}
	op, ok := raw.(*ops.Brc20Operation)
	if !ok {
		return ops.Status{Kind: ops.StatusInternalError, Details: "unexpected operation type"}, nil
	}
	switch op.Stage {
	case ops.StageBrc20WaitingForConfirmations:
		return ops.Status{Kind: ops.StatusWaitingForConfirmations, CurrentConfirms: op.CurrentConfirmations, RequiredConfirms: op.RequiredConfirmations}, nil
	case ops.StageBrc20SignMintOrder, ops.StageBrc20SendMintTransaction:
		return ops.Status{Kind: ops.StatusScheduled}, nil
	case ops.StageBrc20WaitForMintConfirm:
		return ops.Status{Kind: ops.StatusMintOrdersCreated}, nil
	case ops.StageBrc20TokenMintConfirmed:
		return ops.Status{Kind: ops.StatusMinted}, nil
	case ops.StageBrc20InvalidAmounts:
		requested := map[string]*big.Int{op.Tick: op.RequestedAmount}
		actual := map[string]*big.Int{op.Tick: op.ActualAmount}
		return ops.Status{
			Kind:             ops.StatusInvalidAmounts,
			RequestedAmounts: requested,
			ActualAmounts:    actual,
			Details:          fmt.Sprintf("requested %s, actual %s", ops.FormatAmounts(requested, 0), ops.FormatAmounts(actual, 0)),
		}, nil
	default:
		return ops.Status{Kind: ops.StatusInternalError, Details: "unknown stage"}, nil
	}
}
