package bridge

import (
	"context"
	"fmt"
	"math/big"
	"sort"

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

// RuneActualAmounts looks up an indexer's view of every rune balance
// sitting at a transit address, once its UTXOs are confirmed.
type RuneActualAmounts func(ctx context.Context, transitAddress string) (map[string]*big.Int, error)

// RuneCoordinator drives Rune<->ERC-20 deposits. One deposit transaction may
// carry several rune denominations; a mint order is built for the
// lexicographically first rune id that matched, matching how
// ops.RuneOperation carries a single representative Order.
type RuneCoordinator struct {
	store            *opstore.Store
	sched            *scheduler.Scheduler
	signer           *services.SignMintOrders
	sender           *services.SendMintTransaction
	blockTip         func(ctx context.Context) (uint64, error)
	actualAmounts    RuneActualAmounts
	dstToken         common.Address
	recipientChainID uint32
}

func NewRuneCoordinator(
	store *opstore.Store,
	sched *scheduler.Scheduler,
	signer *services.SignMintOrders,
	sender *services.SendMintTransaction,
	blockTip func(ctx context.Context) (uint64, error),
	actualAmounts RuneActualAmounts,
	dstToken common.Address,
	recipientChainID uint32,
) *RuneCoordinator {
	c := &RuneCoordinator{
		store: store, sched: sched, signer: signer, sender: sender,
		blockTip: blockTip, actualAmounts: actualAmounts,
		dstToken: dstToken, recipientChainID: recipientChainID,
	}
	sched.RegisterRunner(taskKindProgress, c.runProgress, c.onProgressExhausted)
	return c
}

func (c *RuneCoordinator) Dispatcher() collector.Dispatcher { return runeDispatcher{c} }

type runeDispatcher struct{ c *RuneCoordinator }

func (d runeDispatcher) OnBurn(ctx context.Context, e collector.BurnEvent) error { return nil }
func (d runeDispatcher) OnMint(ctx context.Context, e collector.MintEvent) error {
	return d.c.onMint(ctx, e)
}
func (d runeDispatcher) OnNotifyMinter(ctx context.Context, e collector.NotifyMinterEvent) error {
	return nil
}

func (c *RuneCoordinator) NewDeposit(ctx context.Context, transitAddress string, evmRecipient common.Address, requestedAmounts map[string]*big.Int, utxoHeights []uint64, requiredConfirmations uint64) (opstore.OpId, error) {
	op := ops.NewRuneDeposit(transitAddress, evmRecipient, requestedAmounts, utxoHeights, requiredConfirmations)
	id, err := c.store.NewOperation(ctx, op, evmRecipient.Hex(), "")
	if err != nil {
		return 0, fmt.Errorf("bridge.RuneCoordinator.NewDeposit: %w", err)
	}
	if opts, ok := op.SchedulingOptions(); ok {
		if err := enqueueProgress(ctx, c.sched, id, opts); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (c *RuneCoordinator) runProgress(ctx context.Context, payload []byte) error {
	id := decodeOpId(payload)
	entry, err := c.store.GetWithId(ctx, id)
	if err != nil || entry == nil {
		return err
	}
	op, ok := entry.Payload.(*ops.RuneOperation)
	if !ok {
		return fmt.Errorf("bridge.RuneCoordinator.runProgress(%d): unexpected payload type %T", id, entry.Payload)
	}
	if op.Stage == ops.StageRuneWaitingForConfirmations {
		return c.progressConfirmations(ctx, entry.Id, op)
	}
	op.Progress(ctx, entry.Id, c.signer, c.sender)
	return nil
}

func primaryRuneID(amounts map[string]*big.Int) string {
	ids := make([]string, 0, len(amounts))
	for id := range amounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func (c *RuneCoordinator) progressConfirmations(ctx context.Context, id opstore.OpId, op *ops.RuneOperation) error {
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

	actual, err := c.actualAmounts(ctx, op.TransitAddress)
	if err != nil {
		return err
	}

	var order *mintorder.MintOrder
	if requestedMatchesActual(op.RequestedAmounts, actual) {
		primary := primaryRuneID(actual)
		runeID, terr := id256.FromBrc20Tick(primary)
		if terr != nil {
			return terr
		}
		amount, overflow := uint256.FromBig(actual[primary])
		if overflow {
			return fmt.Errorf("bridge.RuneCoordinator: amount overflows uint256")
		}
		order = &mintorder.MintOrder{
			Amount:           amount,
			Sender:           runeID,
			SrcToken:         runeID,
			Recipient:        op.EvmRecipient,
			DstToken:         c.dstToken,
			Nonce:            id.Nonce(),
			RecipientChainID: c.recipientChainID,
			Name:             primary,
			Symbol:           primary,
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

func requestedMatchesActual(requested, actual map[string]*big.Int) bool {
	if len(requested) != len(actual) {
		return false
	}
	for id, want := range requested {
		got, ok := actual[id]
		if !ok || got.Cmp(want) != 0 {
			return false
		}
	}
	return true
}

func (c *RuneCoordinator) onProgressExhausted(ctx context.Context, task scheduler.Task, lastErr error) {
	id := decodeOpId(task.Payload)
	if err := c.store.AppendStep(ctx, id, "progress_exhausted", lastErr.Error()); err != nil {
		logger.Printf("bridge.RuneCoordinator.onProgressExhausted(%d) => %v", id, err)
	}
}

func (c *RuneCoordinator) OnOrderSigned(ctx context.Context, id opstore.OpId, signed *mintorder.SignedMintOrder, err error) {
	entry, gerr := c.store.GetWithId(ctx, id)
	if gerr != nil || entry == nil {
		return
	}
	op, ok := entry.Payload.(*ops.RuneOperation)
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
	next.Stage = ops.StageRuneSendMintTransaction
	if uerr := c.store.Update(ctx, id, &next); uerr != nil {
		logger.Printf("bridge.RuneCoordinator.OnOrderSigned(%d) => %v", id, uerr)
		return
	}
	if opts, ok := next.SchedulingOptions(); ok {
		enqueueProgress(ctx, c.sched, id, opts)
	}
}

func (c *RuneCoordinator) OnMintSubmitted(ctx context.Context, id opstore.OpId, txHash common.Hash, err error) {
	entry, gerr := c.store.GetWithId(ctx, id)
	if gerr != nil || entry == nil {
		return
	}
	op, ok := entry.Payload.(*ops.RuneOperation)
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
	next.Stage = ops.StageRuneWaitForMintConfirm
	c.store.Update(ctx, id, &next)
}

func (c *RuneCoordinator) onMint(ctx context.Context, e collector.MintEvent) error {
	matches, err := c.store.GetForAddress(ctx, e.Recipient, opstore.Pagination{})
	if err != nil {
		return err
	}
	for _, entry := range matches {
		op, ok := entry.Payload.(*ops.RuneOperation)
		if !ok || op.Order == nil {
			continue
		}
		if op.Order.Nonce != e.Nonce || op.Stage != ops.StageRuneWaitForMintConfirm {
			continue
		}
		return c.store.Update(ctx, entry.Id, op.ApplyMintConfirmed())
	}
	logger.Verbosef("bridge.RuneCoordinator.onMint(%s, %d) => no matching operation, treated as a duplicate", e.Recipient, e.Nonce)
	return nil
}

// QueryDepositStatus reports a user-facing status for a Rune deposit.
func (c *RuneCoordinator) QueryDepositStatus(ctx context.Context, id opstore.OpId) (ops.Status, error) {
	raw, err := c.store.Get(ctx, id)
	if err != nil {
		return ops.Status{}, err
	}
	if raw == nil {
		return ops.Status{Kind: ops.StatusInternalError, Details: "operation not found"}, nil
	}
	op, ok := raw.(*ops.RuneOperation)
	if !ok {
		return ops.Status{Kind: ops.StatusInternalError, Details: "unexpected operation type"}, nil
	}
	switch op.Stage {
	case ops.StageRuneWaitingForConfirmations:
		return ops.Status{Kind: ops.StatusWaitingForConfirmations, CurrentConfirms: op.CurrentConfirmations, RequiredConfirms: op.RequiredConfirmations}, nil
	case ops.StageRuneSignMintOrder, ops.StageRuneSendMintTransaction:
		return ops.Status{Kind: ops.StatusScheduled}, nil
	case ops.StageRuneWaitForMintConfirm:
		return ops.Status{Kind: ops.StatusMintOrdersCreated}, nil
	case ops.StageRuneTokenMintConfirmed:
		return ops.Status{Kind: ops.StatusMinted}, nil
	case ops.StageRuneInvalidAmounts:
		return ops.Status{
			Kind:             ops.StatusInvalidAmounts,
			RequestedAmounts: op.RequestedAmounts,
			ActualAmounts:    op.ActualAmounts,
			Details:          fmt.Sprintf("requested %s, actual %s", ops.FormatAmounts(op.RequestedAmounts, 0), ops.FormatAmounts(op.ActualAmounts, 0)),
		}, nil
	default:
		return ops.Status{Kind: ops.StatusInternalError, Details: "unknown stage"}, nil
	}
}
