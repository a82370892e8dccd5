package bridge

import (
	"context"
	"fmt"

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

// Erc20Erc20Coordinator drives a bridge linking two independent EVM chains:
// a Burn observed on one side mints on the other, and vice versa, so one
// coordinator instance serves both directions.
type Erc20Erc20Coordinator struct {
	store  *opstore.Store
	sched  *scheduler.Scheduler
	signer *services.SignMintOrders
	sender *services.SendMintTransaction

	baseChainID     uint32
	wrappedChainID  uint32
	baseContract    common.Address
	wrappedContract common.Address
}

func NewErc20Erc20Coordinator(
	store *opstore.Store,
	sched *scheduler.Scheduler,
	signer *services.SignMintOrders,
	sender *services.SendMintTransaction,
	baseChainID, wrappedChainID uint32,
	baseContract, wrappedContract common.Address,
) *Erc20Erc20Coordinator {
	c := &Erc20Erc20Coordinator{
		store: store, sched: sched, signer: signer, sender: sender,
		baseChainID: baseChainID, wrappedChainID: wrappedChainID,
		baseContract: baseContract, wrappedContract: wrappedContract,
	}
	sched.RegisterRunner(taskKindProgress, c.runProgress, c.onProgressExhausted)
	return c
}

// BaseDispatcher and WrappedDispatcher adapt the coordinator to
// collector.Dispatcher for each chain's event collector; a burn observed on
// one side always mints on the other.
func (c *Erc20Erc20Coordinator) BaseDispatcher() collector.Dispatcher {
	return chainDispatcher{c: c, burnSide: ops.SideBase}
}
func (c *Erc20Erc20Coordinator) WrappedDispatcher() collector.Dispatcher {
	return chainDispatcher{c: c, burnSide: ops.SideWrapped}
}

type chainDispatcher struct {
	c        *Erc20Erc20Coordinator
	burnSide ops.Side
}

func (d chainDispatcher) OnBurn(ctx context.Context, e collector.BurnEvent) error {
	return d.c.onBurn(ctx, d.burnSide, e)
}
func (d chainDispatcher) OnMint(ctx context.Context, e collector.MintEvent) error {
	return d.c.onMint(ctx, e)
}
func (d chainDispatcher) OnNotifyMinter(ctx context.Context, e collector.NotifyMinterEvent) error {
	return nil // this variant never hints a deposit via NotifyMinter
}

func (c *Erc20Erc20Coordinator) onBurn(ctx context.Context, burnSide ops.Side, e collector.BurnEvent) error {
	srcChainID, dstChainID := c.baseChainID, c.wrappedChainID
	mintSide := ops.SideWrapped
	if burnSide == ops.SideWrapped {
		srcChainID, dstChainID = c.wrappedChainID, c.baseChainID
		mintSide = ops.SideBase
	}

	amount, overflow := uint256.FromBig(e.Amount)
	if overflow {
		return fmt.Errorf("bridge.Erc20Erc20Coordinator.onBurn: amount overflows uint256")
	}

	recipient := common.BytesToAddress(e.RecipientID)

	memo := dedupMemo(e.Log.TxHash)
	if existing, err := c.store.GetOperationByMemoAndUser(ctx, memo, recipient.Hex()); err != nil {
		return err
	} else if existing != nil {
		logger.Verbosef("bridge.Erc20Erc20Coordinator.onBurn(%s) => burn %s already registered as operation %d", e.Sender, e.Log.TxHash, existing.Id)
		return nil
	}

	order := &mintorder.MintOrder{
		Amount:           amount,
		Sender:           id256.FromEvmAddress(e.Sender, srcChainID),
		SrcToken:         id256.FromEvmAddress(e.FromERC20, srcChainID),
		Recipient:        recipient,
		DstToken:         common.BytesToAddress(e.ToToken[12:]),
		SenderChainID:    srcChainID,
		RecipientChainID: dstChainID,
		Name:             trimZeros(e.Name[:]),
		Symbol:           trimZeros(e.Symbol[:]),
		Decimals:         e.Decimals,
		ApproveAmount:    uint256.NewInt(0),
		FeePayer:         recipient, // the destination wallet covers the charged fee; zero would mean the recipient triggers the mint themselves
	}

	op := ops.NewErc20Erc20SignOrder(mintSide, order)
	id, err := c.store.NewOperation(ctx, op, recipient.Hex(), memo)
	if err != nil {
		return fmt.Errorf("bridge.Erc20Erc20Coordinator.onBurn: %w", err)
	}
	order.Nonce = id.Nonce()
	if err := c.store.Update(ctx, id, op); err != nil {
		return err
	}

	if opts, ok := op.SchedulingOptions(); ok {
		if err := enqueueProgress(ctx, c.sched, id, opts); err != nil {
			return err
		}
	}
	logger.Printf("bridge.Erc20Erc20Coordinator.onBurn(%s) => operation %d", e.Sender, id)
	return nil
}

func (c *Erc20Erc20Coordinator) onMint(ctx context.Context, e collector.MintEvent) error {
	matches, err := c.store.GetForAddress(ctx, e.Recipient, opstore.Pagination{})
	if err != nil {
		return err
	}
	for _, entry := range matches {
		op, ok := entry.Payload.(*ops.Erc20Erc20Operation)
		if !ok || op.Order == nil {
			continue
		}
		if op.Order.Nonce != e.Nonce || op.Stage != ops.StageWaitForMintConfirm {
			continue // a stale nonce, or an operation not yet waiting, makes this a no-op
		}
		confirmed := op.ApplyMintConfirmed(e.ChargedFee.String())
		return c.store.Update(ctx, entry.Id, confirmed)
	}
	logger.Verbosef("bridge.Erc20Erc20Coordinator.onMint(%s, %d) => no matching operation, treated as a duplicate", e.Recipient, e.Nonce)
	return nil
}

func (c *Erc20Erc20Coordinator) runProgress(ctx context.Context, payload []byte) error {
	id := decodeOpId(payload)
	entry, err := c.store.GetWithId(ctx, id)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil // already evicted
	}
	op, ok := entry.Payload.(*ops.Erc20Erc20Operation)
	if !ok {
		return fmt.Errorf("bridge.Erc20Erc20Coordinator.runProgress(%d): unexpected payload type %T", id, entry.Payload)
	}
	op.Progress(ctx, id, c.signer, c.sender)
	return nil
}

func (c *Erc20Erc20Coordinator) onProgressExhausted(ctx context.Context, task scheduler.Task, lastErr error) {
	id := decodeOpId(task.Payload)
	if err := c.store.AppendStep(ctx, id, "progress_exhausted", lastErr.Error()); err != nil {
		logger.Printf("bridge.Erc20Erc20Coordinator.onProgressExhausted(%d) => %v", id, err)
	}
}

// OnOrderSigned implements services.SigningCallback: it selects the next
// stage (SendMintTransaction, or WaitForMintConfirm directly when fee_payer
// is zero) and re-enqueues progress.
func (c *Erc20Erc20Coordinator) OnOrderSigned(ctx context.Context, id opstore.OpId, signed *mintorder.SignedMintOrder, err error) {
	entry, gerr := c.store.GetWithId(ctx, id)
	if gerr != nil || entry == nil {
		return
	}
	op, ok := entry.Payload.(*ops.Erc20Erc20Operation)
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
	next.Stage = ops.NextStageAfterSign(op.Order)
	if uerr := c.store.Update(ctx, id, &next); uerr != nil {
		logger.Printf("bridge.Erc20Erc20Coordinator.OnOrderSigned(%d) => %v", id, uerr)
		return
	}
	if opts, ok := next.SchedulingOptions(); ok {
		enqueueProgress(ctx, c.sched, id, opts)
	}
}

// OnMintSubmitted implements services.SubmissionCallback.
func (c *Erc20Erc20Coordinator) OnMintSubmitted(ctx context.Context, id opstore.OpId, txHash common.Hash, err error) {
	entry, gerr := c.store.GetWithId(ctx, id)
	if gerr != nil || entry == nil {
		return
	}
	op, ok := entry.Payload.(*ops.Erc20Erc20Operation)
	if !ok {
		return
	}
	if err != nil {
		reverted := op.ApplyReverted()
		c.store.AppendStep(ctx, id, "submit_error", err.Error())
		c.store.Update(ctx, id, reverted)
		if opts, ok := reverted.SchedulingOptions(); ok {
			enqueueProgress(ctx, c.sched, id, opts)
		}
		return
	}
	next := *op
	next.TxHash = txHash
	next.Stage = ops.StageWaitForMintConfirm
	c.store.Update(ctx, id, &next)
}

// QueryDepositStatus reports a user-facing status for a deposit/mint
// operation by id.
func (c *Erc20Erc20Coordinator) QueryDepositStatus(ctx context.Context, id opstore.OpId) (ops.Status, error) {
	op, err := c.store.Get(ctx, id)
	if err != nil {
		return ops.Status{}, err
	}
	if op == nil {
		return ops.Status{Kind: ops.StatusInternalError, Details: "operation not found"}, nil
	}
	e, ok := op.(*ops.Erc20Erc20Operation)
	if !ok {
		return ops.Status{Kind: ops.StatusInternalError, Details: "unexpected operation type"}, nil
	}
	switch e.Stage {
	case ops.StageSignMintOrder, ops.StageSendMintTransaction:
		return ops.Status{Kind: ops.StatusScheduled}, nil
	case ops.StageWaitForMintConfirm:
		return ops.Status{Kind: ops.StatusMintOrdersCreated}, nil
	case ops.StageTokenMintConfirmed:
		return ops.Status{Kind: ops.StatusMinted}, nil
	default:
		return ops.Status{Kind: ops.StatusInternalError, Details: "unknown stage"}, nil
	}
}

func trimZeros(b []byte) string {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return string(b[:i])
}
