package bridge

import (
	"context"
	"fmt"

	"github.com/MixinNetwork/mixin/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/nexusbridge/bridge-core/collector"
	"github.com/nexusbridge/bridge-core/mintorder"
	"github.com/nexusbridge/bridge-core/ops"
	"github.com/nexusbridge/bridge-core/opstore"
	"github.com/nexusbridge/bridge-core/scheduler"
	"github.com/nexusbridge/bridge-core/services"
)

// IcrcTransferFrom commits the source-side ICRC-2 transfer once a user has
// approved the bridge's canister principal as spender. It is injected rather
// than built into the coordinator since the IC agent transport is not an
// EVM client.
type IcrcTransferFrom func(ctx context.Context, ledger common.Address, principal []byte, amount *uint256.Int) (blockIndex uint64, err error)

// IcrcCoordinator drives ICRC-2<->ERC-20 deposits: an icrc2_transfer_from on
// the IC side followed by a mint on the destination EVM chain, with a
// refund sub-path when the mint is refused after the transfer already
// committed.
type IcrcCoordinator struct {
	store        *opstore.Store
	sched        *scheduler.Scheduler
	signer       *services.SignMintOrders
	sender       *services.SendMintTransaction
	transferFrom IcrcTransferFrom
}

func NewIcrcCoordinator(
	store *opstore.Store,
	sched *scheduler.Scheduler,
	signer *services.SignMintOrders,
	sender *services.SendMintTransaction,
	transferFrom IcrcTransferFrom,
) *IcrcCoordinator {
	c := &IcrcCoordinator{store: store, sched: sched, signer: signer, sender: sender, transferFrom: transferFrom}
	sched.RegisterRunner(taskKindProgress, c.runProgress, c.onProgressExhausted)
	return c
}

func (c *IcrcCoordinator) Dispatcher() collector.Dispatcher { return icrcDispatcher{c} }

type icrcDispatcher struct{ c *IcrcCoordinator }

func (d icrcDispatcher) OnBurn(ctx context.Context, e collector.BurnEvent) error { return nil }
func (d icrcDispatcher) OnMint(ctx context.Context, e collector.MintEvent) error {
	return d.c.onMint(ctx, e)
}
func (d icrcDispatcher) OnNotifyMinter(ctx context.Context, e collector.NotifyMinterEvent) error {
	return d.c.onNotifyMinter(ctx, e)
}

// NewDeposit registers a user's approved ICRC-2 deposit and schedules the
// transfer_from/sign/send pipeline.
func (c *IcrcCoordinator) NewDeposit(ctx context.Context, principal []byte, ledger common.Address, order *mintorder.MintOrder) (opstore.OpId, error) {
	op := ops.NewIcrcDeposit(principal, ledger, order)
	id, err := c.store.NewOperation(ctx, op, order.Recipient.Hex(), "")
	if err != nil {
		return 0, fmt.Errorf("bridge.IcrcCoordinator.NewDeposit: %w", err)
	}
	order.Nonce = id.Nonce()
	if err := c.store.Update(ctx, id, op); err != nil {
		return 0, err
	}
	if opts, ok := op.SchedulingOptions(); ok {
		if err := enqueueProgress(ctx, c.sched, id, opts); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (c *IcrcCoordinator) runProgress(ctx context.Context, payload []byte) error {
	id := decodeOpId(payload)
	entry, err := c.store.GetWithId(ctx, id)
	if err != nil || entry == nil {
		return err
	}
	op, ok := entry.Payload.(*ops.IcrcOperation)
	if !ok {
		return fmt.Errorf("bridge.IcrcCoordinator.runProgress(%d): unexpected payload type %T", id, entry.Payload)
	}

	switch op.Stage {
	case ops.StageIcrcTransferFrom:
		blockIndex, terr := c.transferFrom(ctx, op.Ledger, op.Principal, op.Order.Amount)
		if terr != nil {
			c.store.AppendStep(ctx, id, "transfer_from_error", terr.Error())
			return terr // scheduler retries per op.SchedulingOptions backoff
		}
		next := op.ApplyTransferFrom(blockIndex)
		if uerr := c.store.Update(ctx, id, next); uerr != nil {
			return uerr
		}
		if opts, ok := next.SchedulingOptions(); ok {
			return enqueueProgress(ctx, c.sched, id, opts)
		}
		return nil
	default:
		op.Progress(ctx, id, c.signer, c.sender)
		return nil
	}
}

func (c *IcrcCoordinator) onProgressExhausted(ctx context.Context, task scheduler.Task, lastErr error) {
	id := decodeOpId(task.Payload)
	if err := c.store.AppendStep(ctx, id, "progress_exhausted", lastErr.Error()); err != nil {
		logger.Printf("bridge.IcrcCoordinator.onProgressExhausted(%d) => %v", id, err)
	}
}

// OnOrderSigned implements services.SigningCallback for both the forward
// mint order and the refund order, distinguished by the operation's stage.
func (c *IcrcCoordinator) OnOrderSigned(ctx context.Context, id opstore.OpId, signed *mintorder.SignedMintOrder, err error) {
	entry, gerr := c.store.GetWithId(ctx, id)
	if gerr != nil || entry == nil {
		return
	}
	op, ok := entry.Payload.(*ops.IcrcOperation)
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
	switch op.Stage {
	case ops.StageIcrcSignMintOrder:
		next.Signed = signed
		next.Stage = ops.StageIcrcSendMintTransaction
	case ops.StageIcrcRefundSign:
		next.RefundSigned = signed
		next.Stage = ops.StageIcrcRefundSend
	default:
		return
	}
	if uerr := c.store.Update(ctx, id, &next); uerr != nil {
		logger.Printf("bridge.IcrcCoordinator.OnOrderSigned(%d) => %v", id, uerr)
		return
	}
	if opts, ok := next.SchedulingOptions(); ok {
		enqueueProgress(ctx, c.sched, id, opts)
	}
}

// OnMintSubmitted implements services.SubmissionCallback for both paths.
func (c *IcrcCoordinator) OnMintSubmitted(ctx context.Context, id opstore.OpId, txHash common.Hash, err error) {
	entry, gerr := c.store.GetWithId(ctx, id)
	if gerr != nil || entry == nil {
		return
	}
	op, ok := entry.Payload.(*ops.IcrcOperation)
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
	switch op.Stage {
	case ops.StageIcrcSendMintTransaction:
		next.Stage = ops.StageIcrcWaitForMintConfirm
	case ops.StageIcrcRefundSend:
		next.Stage = ops.StageIcrcRefundWaitForConfirm
	default:
		return
	}
	c.store.Update(ctx, id, &next)
}

func (c *IcrcCoordinator) onMint(ctx context.Context, e collector.MintEvent) error {
	matches, err := c.store.GetForAddress(ctx, e.Recipient, opstore.Pagination{})
	if err != nil {
		return err
	}
	for _, entry := range matches {
		op, ok := entry.Payload.(*ops.IcrcOperation)
		if !ok {
			continue
		}
		switch {
		case op.Stage == ops.StageIcrcWaitForMintConfirm && op.Order != nil && op.Order.Nonce == e.Nonce:
			return c.store.Update(ctx, entry.Id, op.ApplyMintConfirmed())
		case op.Stage == ops.StageIcrcRefundWaitForConfirm && op.RefundOrder != nil && op.RefundOrder.Nonce == e.Nonce:
			return c.store.Update(ctx, entry.Id, op.ApplyRefundConfirmed())
		}
	}
	logger.Verbosef("bridge.IcrcCoordinator.onMint(%s, %d) => no matching operation, treated as a duplicate", e.Recipient, e.Nonce)
	return nil
}

// onNotifyMinter treats notification type 1 as "mint refused" for an
// operation currently awaiting mint confirmation, kicking off the refund
// sub-path.
func (c *IcrcCoordinator) onNotifyMinter(ctx context.Context, e collector.NotifyMinterEvent) error {
	const mintRefused = uint32(1)
	if e.NotificationType != mintRefused {
		return nil
	}
	matches, err := c.store.GetForAddress(ctx, e.TxSender, opstore.Pagination{})
	if err != nil {
		return err
	}
	for _, entry := range matches {
		op, ok := entry.Payload.(*ops.IcrcOperation)
		if !ok || op.Stage != ops.StageIcrcWaitForMintConfirm {
			continue
		}
		refunded := op.ApplyMintRefused()
		if err := c.store.Update(ctx, entry.Id, refunded); err != nil {
			return err
		}
		if opts, ok := refunded.SchedulingOptions(); ok {
			return enqueueProgress(ctx, c.sched, entry.Id, opts)
		}
		return nil
	}
	return nil
}

// QueryDepositStatus reports a user-facing status for an ICRC deposit.
func (c *IcrcCoordinator) QueryDepositStatus(ctx context.Context, id opstore.OpId) (ops.Status, error) {
	raw, err := c.store.Get(ctx, id)
	if err != nil {
		return ops.Status{}, err
	}
	if raw == nil {
		return ops.Status{Kind: ops.StatusInternalError, Details: "operation not found"}, nil
	}
	op, ok := raw.(*ops.IcrcOperation)
	if !ok {
		return ops.Status{Kind: ops.StatusInternalError, Details: "unexpected operation type"}, nil
	}
	switch op.Stage {
	case ops.StageIcrcTransferFrom:
		return ops.Status{Kind: ops.StatusWaitingForInputs}, nil
	case ops.StageIcrcSignMintOrder, ops.StageIcrcSendMintTransaction,
		ops.StageIcrcRefundSign, ops.StageIcrcRefundSend:
		return ops.Status{Kind: ops.StatusScheduled}, nil
	case ops.StageIcrcWaitForMintConfirm, ops.StageIcrcRefundWaitForConfirm:
		return ops.Status{Kind: ops.StatusMintOrdersCreated}, nil
	case ops.StageIcrcTokenMintConfirmed, ops.StageIcrcRefunded:
		return ops.Status{Kind: ops.StatusMinted}, nil
	default:
		return ops.Status{Kind: ops.StatusInternalError, Details: "unknown stage"}, nil
	}
}
