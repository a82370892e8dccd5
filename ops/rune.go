package ops

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nexusbridge/bridge-core/mintorder"
	"github.com/nexusbridge/bridge-core/opstore"
	"github.com/nexusbridge/bridge-core/scheduler"
	"github.com/nexusbridge/bridge-core/services"
)

// RuneStage enumerates a Rune deposit's stages, mirroring Brc20Stage: the
// difference from BRC-20 is that one UTXO may carry several rune
// denominations at once, e.g. `{FOO: 100, BAR: 200}` requested vs.
// `{FOO: 100, BAR: 150}` actual.
type RuneStage byte

const (
	StageRuneWaitingForConfirmations RuneStage = iota
	StageRuneSignMintOrder
	StageRuneSendMintTransaction
	StageRuneWaitForMintConfirm
	StageRuneTokenMintConfirmed // terminal
	StageRuneInvalidAmounts     // terminal
)

type RuneOperation struct {
	Stage RuneStage

	TransitAddress        string
	EvmRecipient          common.Address
	UtxoHeights           []uint64
	RequiredConfirmations uint64
	CurrentConfirmations  uint64
	RequestedAmounts      map[string]*big.Int // rune id -> amount
	ActualAmounts         map[string]*big.Int

	Order  *mintorder.MintOrder
	Signed *mintorder.SignedMintOrder
	TxHash common.Hash
}

func NewRuneDeposit(transitAddress string, evmRecipient common.Address, requestedAmounts map[string]*big.Int, utxoHeights []uint64, requiredConfirmations uint64) *RuneOperation {
	return &RuneOperation{
		Stage:                 StageRuneWaitingForConfirmations,
		TransitAddress:        transitAddress,
		EvmRecipient:          evmRecipient,
		UtxoHeights:           utxoHeights,
		RequiredConfirmations: requiredConfirmations,
		RequestedAmounts:      requestedAmounts,
	}
}

func (o *RuneOperation) IsComplete() bool {
	return o.Stage == StageRuneTokenMintConfirmed || o.Stage == StageRuneInvalidAmounts
}

func (o *RuneOperation) EvmWalletAddress() common.Address {
	return o.EvmRecipient
}

func (o *RuneOperation) SchedulingOptions() (scheduler.TaskOptions, bool) {
	switch o.Stage {
	case StageRuneWaitingForConfirmations, StageRuneSignMintOrder, StageRuneSendMintTransaction:
		return scheduler.TaskOptions{
			Retry:   scheduler.InfiniteRetry(),
			Backoff: scheduler.FixedBackoff(30),
		}, true
	default:
		return scheduler.TaskOptions{}, false
	}
}

func (o *RuneOperation) CheckConfirmations(tipHeight uint64) (met bool, current, required uint64) {
	current = MinConfirmations(tipHeight, o.UtxoHeights)
	return current >= o.RequiredConfirmations, current, o.RequiredConfirmations
}

// amountsMatch reports whether actual carries exactly the requested runes
// at exactly the requested amounts; extra runes the user did not declare,
// or a missing/short amount for a declared one, both count as mismatch.
func amountsMatch(requested, actual map[string]*big.Int) bool {
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

func (o *RuneOperation) ApplyConfirmed(current uint64, actualAmounts map[string]*big.Int, order *mintorder.MintOrder) *RuneOperation {
	next := *o
	next.CurrentConfirmations = current
	next.ActualAmounts = actualAmounts
	if !amountsMatch(o.RequestedAmounts, actualAmounts) {
		next.Stage = StageRuneInvalidAmounts
		return &next
	}
	next.Order = order
	next.Stage = StageRuneSignMintOrder
	return &next
}

func (o *RuneOperation) Progress(ctx context.Context, id opstore.OpId, signer *services.SignMintOrders, sender *services.SendMintTransaction) Progress {
	switch o.Stage {
	case StageRuneSignMintOrder:
		signer.PushOperation(id, o.Order)
		return DeferTo(services.IDSignMintOrders)
	case StageRuneSendMintTransaction:
		sender.PushOperation(id, uint64(o.Order.RecipientChainID), o.Signed)
		return DeferTo(services.IDSendMintTransaction)
	default:
		return Advance(o)
	}
}

func (o *RuneOperation) ApplyMintConfirmed() *RuneOperation {
	next := *o
	next.Stage = StageRuneTokenMintConfirmed
	return &next
}
