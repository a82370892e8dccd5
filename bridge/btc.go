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
	"github.com/nexusbridge/bridge-core/utxo"
)

// BtcBuildTransaction constructs and signs a Bitcoin transaction spending
// spendUtxos to destinationAddress for amountSats, returning the raw,
// signed wire bytes.
type BtcBuildTransaction func(ctx context.Context, spendUtxos []utxo.Key, destinationAddress string, amountSats int64) ([]byte, error)

// BtcBroadcast submits a raw transaction to the Bitcoin network.
type BtcBroadcast func(ctx context.Context, raw []byte) (txID string, err error)

// BtcCoordinator drives plain-Bitcoin deposits (satoshis -> wrapped-BTC
// ERC-20) and withdraws (burn wrapped-BTC -> spend ledger UTXOs back to the
// user).
type BtcCoordinator struct {
	store            *opstore.Store
	sched            *scheduler.Scheduler
	signer           *services.SignMintOrders
	sender           *services.SendMintTransaction
	ledger           *utxo.Ledger
	blockTip         func(ctx context.Context) (uint64, error)
	buildTransaction BtcBuildTransaction
	broadcast        BtcBroadcast
	dstToken         common.Address
	recipientChainID uint32
}

func NewBtcCoordinator(
	store *opstore.Store,
	sched *scheduler.Scheduler,
	signer *services.SignMintOrders,
	sender *services.SendMintTransaction,
	ledger *utxo.Ledger,
	blockTip func(ctx context.Context) (uint64, error),
	buildTransaction BtcBuildTransaction,
	broadcast BtcBroadcast,
	dstToken common.Address,
	recipientChainID uint32,
) *BtcCoordinator {
	c := &BtcCoordinator{
		store: store, sched: sched, signer: signer, sender: sender, ledger: ledger,
		blockTip: blockTip, buildTransaction: buildTransaction, broadcast: broadcast,
		dstToken: dstToken, recipientChainID: recipientChainID,
	}
	sched.RegisterRunner(taskKindProgress, c.runProgress, c.onProgressExhausted)
	return c
}

func (c *BtcCoordinator) Dispatcher() collector.Dispatcher { return btcDispatcher{c} }

type btcDispatcher struct{ c *BtcCoordinator }

func (d btcDispatcher) OnBurn(ctx context.Context, e collector.BurnEvent) error { return nil }
func (d btcDispatcher) OnMint(ctx context.Context, e collector.MintEvent) error {
	return d.c.onMint(ctx, e)
}
func (d btcDispatcher) OnNotifyMinter(ctx context.Context, e collector.NotifyMinterEvent) error {
	return nil
}

func (c *BtcCoordinator) NewDeposit(ctx context.Context, depositAddress string, evmRecipient common.Address, depositSats, feeSats int64, utxoHeights []uint64, requiredConfirmations uint64) (opstore.OpId, error) {
	if depositSats <= feeSats {
		return 0, fmt.Errorf("bridge.BtcCoordinator.NewDeposit: %d sats leaves nothing to deposit after the %d sat fee", depositSats, feeSats)
	}
	op := ops.NewBtcDeposit(depositAddress, evmRecipient, depositSats, feeSats, utxoHeights, requiredConfirmations)
	id, err := c.store.NewOperation(ctx, op, evmRecipient.Hex(), "")
	if err != nil {
		return 0, fmt.Errorf("bridge.BtcCoordinator.NewDeposit: %w", err)
	}
	if opts, ok := op.SchedulingOptions(); ok {
		if err := enqueueProgress(ctx, c.sched, id, opts); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// NewWithdraw marks spendUtxos as committed in the UTXO ledger and schedules
// the build/broadcast pipeline for a burn-triggered withdraw.
func (c *BtcCoordinator) NewWithdraw(ctx context.Context, destinationAddress string, amountSats int64, spendUtxos []utxo.Key, evmRecipient common.Address) (opstore.OpId, error) {
	for _, key := range spendUtxos {
		if err := c.ledger.MarkAsUsed(ctx, key, evmRecipient.Hex()); err != nil {
			return 0, fmt.Errorf("bridge.BtcCoordinator.NewWithdraw: %w", err)
		}
	}
	op := ops.NewBtcWithdraw(destinationAddress, amountSats, spendUtxos, evmRecipient)
	id, err := c.store.NewOperation(ctx, op, evmRecipient.Hex(), "")
	if err != nil {
		return 0, fmt.Errorf("bridge.BtcCoordinator.NewWithdraw: %w", err)
	}
	if opts, ok := op.SchedulingOptions(); ok {
		if err := enqueueProgress(ctx, c.sched, id, opts); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (c *BtcCoordinator) runProgress(ctx context.Context, payload []byte) error {
	id := decodeOpId(payload)
	entry, err := c.store.GetWithId(ctx, id)
	if err != nil || entry == nil {
		return err
	}
	op, ok := entry.Payload.(*ops.BtcOperation)
	if !ok {
		return fmt.Errorf("bridge.BtcCoordinator.runProgress(%d): unexpected payload type %T", id, entry.Payload)
	}

	switch op.Stage {
	case ops.StageBtcWaitingForConfirmations:
		return c.progressConfirmations(ctx, entry.Id, op)
	case ops.StageBtcWithdrawBuildTransaction:
		raw, berr := c.buildTransaction(ctx, op.SpendUtxos, op.DestinationAddress, op.AmountSats)
		if berr != nil {
			c.store.AppendStep(ctx, id, "build_transaction_error", berr.Error())
			return berr
		}
		next := op.ApplyTransactionBuilt(raw)
		if uerr := c.store.Update(ctx, id, next); uerr != nil {
			return uerr
		}
		if opts, ok := next.SchedulingOptions(); ok {
			return enqueueProgress(ctx, c.sched, id, opts)
		}
		return nil
	case ops.StageBtcWithdrawBroadcast:
		txID, berr := c.broadcast(ctx, op.RawTransaction)
		if berr != nil {
			c.store.AppendStep(ctx, id, "broadcast_error", berr.Error())
			return berr
		}
		for _, key := range op.SpendUtxos {
			if rerr := c.ledger.RemoveSpentUtxo(ctx, key); rerr != nil {
				logger.Printf("bridge.BtcCoordinator.runProgress(%d) => %v", id, rerr)
			}
		}
		return c.store.Update(ctx, id, op.ApplyBroadcast(txID))
	default:
		op.Progress(ctx, entry.Id, c.signer, c.sender)
		return nil
	}
}

func (c *BtcCoordinator) progressConfirmations(ctx context.Context, id opstore.OpId, op *ops.BtcOperation) error {
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

	amount := uint256.NewInt(uint64(op.DepositSats - op.FeeSats))
	order := &mintorder.MintOrder{
		Amount:           amount,
		Sender:           id256.None,
		SrcToken:         id256.None,
		Recipient:        op.EvmRecipient,
		DstToken:         c.dstToken,
		Nonce:            id.Nonce(),
		RecipientChainID: c.recipientChainID,
		Name:             "Bitcoin",
		Symbol:           "BTC",
		ApproveAmount:    uint256.NewInt(0),
		FeePayer:         op.EvmRecipient,
	}

	next := op.ApplyConfirmed(current, order)
	if err := c.store.Update(ctx, id, next); err != nil {
		return err
	}
	if opts, ok := next.SchedulingOptions(); ok {
		return enqueueProgress(ctx, c.sched, id, opts)
	}
	return nil
}

func (c *BtcCoordinator) onProgressExhausted(ctx context.Context, task scheduler.Task, lastErr error) {
	id := decodeOpId(task.Payload)
	if err := c.store.AppendStep(ctx, id, "progress_exhausted", lastErr.Error()); err != nil {
		logger.Printf("bridge.BtcCoordinator.onProgressExhausted(%d) => %v", id, err)
	}
}

func (c *BtcCoordinator) OnOrderSigned(ctx context.Context, id opstore.OpId, signed *mintorder.SignedMintOrder, err error) {
	entry, gerr := c.store.GetWithId(ctx, id)
	if gerr != nil || entry == nil {
		return
	}
	op, ok := entry.Payload.(*ops.BtcOperation)
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
	next.Stage = ops.StageBtcSendMintTransaction
	if uerr := c.store.Update(ctx, id, &next); uerr != nil {
		logger.Printf("bridge.BtcCoordinator.OnOrderSigned(%d) => %v", id, uerr)
		return
	}
	if opts, ok := next.SchedulingOptions(); ok {
		enqueueProgress(ctx, c.sched, id, opts)
	}
}

func (c *BtcCoordinator) OnMintSubmitted(ctx context.Context, id opstore.OpId, txHash common.Hash, err error) {
	entry, gerr := c.store.GetWithId(ctx, id)
	if gerr != nil || entry == nil {
		return
	}
	op, ok := entry.Payload.(*ops.BtcOperation)
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
	next.Stage = ops.StageBtcWaitForMintConfirm
	c.store.Update(ctx, id, &next)
}

func (c *BtcCoordinator) onMint(ctx context.Context, e collector.MintEvent) error {
	matches, err := c.store.GetForAddress(ctx, e.Recipient, opstore.Pagination{})
	if err != nil {
		return err
	}
	for _, entry := range matches {
		op, ok := entry.Payload.(*ops.BtcOperation)
		if !ok || op.Order == nil {
			continue
		}
		if op.Order.Nonce != e.Nonce || op.Stage != ops.StageBtcWaitForMintConfirm {
			continue
		}
		return c.store.Update(ctx, entry.Id, op.ApplyMintConfirmed())
	}
	logger.Verbosef("bridge.BtcCoordinator.onMint(%s, %d) => no matching operation, treated as a duplicate", e.Recipient, e.Nonce)
	return nil
}

// QueryDepositStatus reports a user-facing status for a plain-Bitcoin
// deposit or withdraw.
func (c *BtcCoordinator) QueryDepositStatus(ctx context.Context, id opstore.OpId) (ops.Status, error) {
	raw, err := c.store.Get(ctx, id)
	if err != nil {
		return ops.Status{}, err
	}
	if raw == nil {
		return ops.Status{Kind: ops.StatusInternalError, Details: "operation not found"}, nil
	}
	op, ok := raw.(*ops.BtcOperation)
	if !ok {
		return ops.Status{Kind: ops.StatusInternalError, Details: "unexpected operation type"}, nil
	}
	switch op.Stage {
	case ops.StageBtcWaitingForConfirmations:
		return ops.Status{Kind: ops.StatusWaitingForConfirmations, CurrentConfirms: op.CurrentConfirmations, RequiredConfirms: op.RequiredConfirmations}, nil
	case ops.StageBtcSignMintOrder, ops.StageBtcSendMintTransaction,
		ops.StageBtcWithdrawBuildTransaction, ops.StageBtcWithdrawBroadcast:
		return ops.Status{Kind: ops.StatusScheduled}, nil
	case ops.StageBtcWaitForMintConfirm:
		return ops.Status{Kind: ops.StatusMintOrdersCreated}, nil
	case ops.StageBtcTokenMintConfirmed, ops.StageBtcWithdrawConfirmed:
		return ops.Status{Kind: ops.StatusMinted}, nil
	default:
		return ops.Status{Kind: ops.StatusInternalError, Details: "unknown stage"}, nil
	}
}
