package ops

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nexusbridge/bridge-core/mintorder"
	"github.com/nexusbridge/bridge-core/opstore"
	"github.com/nexusbridge/bridge-core/scheduler"
	"github.com/nexusbridge/bridge-core/services"
	"github.com/nexusbridge/bridge-core/utxo"
)

// BtcStage enumerates the plain-Bitcoin bridge's stages. This variant has no
// token identity beyond satoshis, unlike BRC-20/Rune.
type BtcStage byte

const (
	StageBtcWaitingForConfirmations BtcStage = iota
	StageBtcSignMintOrder
	StageBtcSendMintTransaction
	StageBtcWaitForMintConfirm
	StageBtcTokenMintConfirmed // terminal

	StageBtcWithdrawBuildTransaction
	StageBtcWithdrawBroadcast
	StageBtcWithdrawConfirmed // terminal
)

// BtcOperation covers both deposit (satoshis -> wrapped-BTC ERC-20) and
// withdraw (burn wrapped-BTC -> spend UTXOs back to the user) directions;
// which fields are meaningful depends on Stage.
type BtcOperation struct {
	Stage BtcStage

	// Deposit fields.
	DepositAddress        string
	EvmRecipient          common.Address
	UtxoHeights           []uint64
	RequiredConfirmations uint64
	CurrentConfirmations  uint64
	DepositSats           int64
	FeeSats               int64
	Order                 *mintorder.MintOrder
	Signed                *mintorder.SignedMintOrder
	TxHash                common.Hash

	// Withdraw fields.
	DestinationAddress string
	AmountSats          int64
	SpendUtxos          []utxo.Key
	RawTransaction       []byte // serialized, signed Bitcoin transaction
	BroadcastTxID        string
}

func NewBtcDeposit(depositAddress string, evmRecipient common.Address, depositSats, feeSats int64, utxoHeights []uint64, requiredConfirmations uint64) *BtcOperation {
	return &BtcOperation{
		Stage:                 StageBtcWaitingForConfirmations,
		DepositAddress:        depositAddress,
		EvmRecipient:          evmRecipient,
		UtxoHeights:           utxoHeights,
		RequiredConfirmations: requiredConfirmations,
		DepositSats:           depositSats,
		FeeSats:               feeSats,
	}
}

func NewBtcWithdraw(destinationAddress string, amountSats int64, spendUtxos []utxo.Key, evmRecipient common.Address) *BtcOperation {
	return &BtcOperation{
		Stage:               StageBtcWithdrawBuildTransaction,
		DestinationAddress:  destinationAddress,
		AmountSats:          amountSats,
		SpendUtxos:          spendUtxos,
		EvmRecipient:        evmRecipient,
	}
}

func (o *BtcOperation) IsComplete() bool {
	return o.Stage == StageBtcTokenMintConfirmed || o.Stage == StageBtcWithdrawConfirmed
}

func (o *BtcOperation) EvmWalletAddress() common.Address {
	return o.EvmRecipient
}

func (o *BtcOperation) SchedulingOptions() (scheduler.TaskOptions, bool) {
	switch o.Stage {
	case StageBtcWaitingForConfirmations, StageBtcSignMintOrder, StageBtcSendMintTransaction,
		StageBtcWithdrawBuildTransaction, StageBtcWithdrawBroadcast:
		return scheduler.TaskOptions{
			Retry:   scheduler.InfiniteRetry(),
			Backoff: scheduler.FixedBackoff(30),
		}, true
	default:
		return scheduler.TaskOptions{}, false
	}
}

func (o *BtcOperation) CheckConfirmations(tipHeight uint64) (met bool, current, required uint64) {
	current = MinConfirmations(tipHeight, o.UtxoHeights)
	return current >= o.RequiredConfirmations, current, o.RequiredConfirmations
}

// ApplyConfirmed moves a confirmed deposit on to signing; unlike BRC-20/Rune
// there is no indexer amount to cross-check, only deposit_fee_sats deducted
// up front by the coordinator when it built order.
func (o *BtcOperation) ApplyConfirmed(current uint64, order *mintorder.MintOrder) *BtcOperation {
	next := *o
	next.CurrentConfirmations = current
	next.Order = order
	next.Stage = StageBtcSignMintOrder
	return &next
}

func (o *BtcOperation) Progress(ctx context.Context, id opstore.OpId, signer *services.SignMintOrders, sender *services.SendMintTransaction) Progress {
	switch o.Stage {
	case StageBtcSignMintOrder:
		signer.PushOperation(id, o.Order)
		return DeferTo(services.IDSignMintOrders)
	case StageBtcSendMintTransaction:
		sender.PushOperation(id, uint64(o.Order.RecipientChainID), o.Signed)
		return DeferTo(services.IDSendMintTransaction)
	default:
		return Advance(o)
	}
}

func (o *BtcOperation) ApplyMintConfirmed() *BtcOperation {
	next := *o
	next.Stage = StageBtcTokenMintConfirmed
	return &next
}

// ApplyTransactionBuilt records a signed withdrawal transaction ready to
// broadcast; callers build it from the ledger's LookupUtxo + PSBT signing, in the
// style of observer/accountant.go's outbound-transaction flow.
func (o *BtcOperation) ApplyTransactionBuilt(raw []byte) *BtcOperation {
	next := *o
	next.RawTransaction = raw
	next.Stage = StageBtcWithdrawBroadcast
	return &next
}

func (o *BtcOperation) ApplyBroadcast(txID string) *BtcOperation {
	next := *o
	next.BroadcastTxID = txID
	next.Stage = StageBtcWithdrawConfirmed
	return &next
}
