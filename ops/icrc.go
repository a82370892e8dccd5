package ops

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/nexusbridge/bridge-core/id256"
	"github.com/nexusbridge/bridge-core/mintorder"
	"github.com/nexusbridge/bridge-core/opstore"
	"github.com/nexusbridge/bridge-core/scheduler"
	"github.com/nexusbridge/bridge-core/services"
)

// IcrcStage enumerates an ICRC deposit's stages, including the refund
// sub-path taken when a mint is refused after the source-side transfer
// already committed: on any refusable mint failure, a refund order is
// produced whose sender becomes the refused EVM recipient and whose
// approve_* fields are cleared. The refund's recipient is not swapped: it
// stays the original EVM recipient.
type IcrcStage byte

const (
	StageIcrcTransferFrom IcrcStage = iota
	StageIcrcSignMintOrder
	StageIcrcSendMintTransaction
	StageIcrcWaitForMintConfirm
	StageIcrcTokenMintConfirmed // terminal

	StageIcrcRefundSign
	StageIcrcRefundSend
	StageIcrcRefundWaitForConfirm
	StageIcrcRefunded // terminal
)

// IcrcOperation is the ICRC<->ERC-20 deposit state machine.
type IcrcOperation struct {
	Stage IcrcStage

	Principal      []byte // ICRC principal of the depositing user
	Ledger         common.Address
	BlockIndex     uint64 // icrc2_transfer_from result, once committed
	Order          *mintorder.MintOrder
	Signed         *mintorder.SignedMintOrder
	RefundOrder    *mintorder.MintOrder
	RefundSigned   *mintorder.SignedMintOrder
	TxHash         common.Hash
}

func NewIcrcDeposit(principal []byte, ledger common.Address, order *mintorder.MintOrder) *IcrcOperation {
	return &IcrcOperation{Stage: StageIcrcTransferFrom, Principal: principal, Ledger: ledger, Order: order}
}

func (o *IcrcOperation) IsComplete() bool {
	return o.Stage == StageIcrcTokenMintConfirmed || o.Stage == StageIcrcRefunded
}

func (o *IcrcOperation) EvmWalletAddress() common.Address {
	if o.Order == nil {
		return common.Address{}
	}
	return o.Order.Recipient
}

func (o *IcrcOperation) SchedulingOptions() (scheduler.TaskOptions, bool) {
	switch o.Stage {
	case StageIcrcTransferFrom, StageIcrcSignMintOrder, StageIcrcSendMintTransaction,
		StageIcrcRefundSign, StageIcrcRefundSend:
		return scheduler.TaskOptions{
			Retry:   scheduler.InfiniteRetry(),
			Backoff: scheduler.ExponentialBackoff(2, 1.5),
		}, true
	default:
		return scheduler.TaskOptions{}, false
	}
}

// ApplyTransferFrom commits the source-side transfer: once
// icrc2_transfer_from succeeds the bridge canister holds the tokens and can
// move on to signing the mint order.
func (o *IcrcOperation) ApplyTransferFrom(blockIndex uint64) *IcrcOperation {
	next := *o
	next.BlockIndex = blockIndex
	next.Stage = StageIcrcSignMintOrder
	return &next
}

func (o *IcrcOperation) Progress(ctx context.Context, id opstore.OpId, signer *services.SignMintOrders, sender *services.SendMintTransaction) Progress {
	switch o.Stage {
	case StageIcrcSignMintOrder:
		signer.PushOperation(id, o.Order)
		return DeferTo(services.IDSignMintOrders)
	case StageIcrcSendMintTransaction:
		sender.PushOperation(id, uint64(o.Order.RecipientChainID), o.Signed)
		return DeferTo(services.IDSendMintTransaction)
	case StageIcrcRefundSign:
		signer.PushOperation(id, o.RefundOrder)
		return DeferTo(services.IDSignMintOrders)
	case StageIcrcRefundSend:
		sender.PushOperation(id, uint64(o.RefundOrder.RecipientChainID), o.RefundSigned)
		return DeferTo(services.IDSendMintTransaction)
	default:
		return Advance(o)
	}
}

// ApplyMintConfirmed is the happy-path terminal transition.
func (o *IcrcOperation) ApplyMintConfirmed() *IcrcOperation {
	next := *o
	next.Stage = StageIcrcTokenMintConfirmed
	return &next
}

// ApplyMintRefused builds the refund order: the sender identity swaps to
// the EVM side that refused the mint, the recipient stays the user's own
// wallet so the wrapped tokens reach them once the ledger resumes, and
// approve_spender/approve_amount are cleared since a refund never needs an
// on-chain approve step. The sender swap gives the refund its own
// (sender, nonce) replay slot on chain even though the nonce is reused.
func (o *IcrcOperation) ApplyMintRefused() *IcrcOperation {
	refund := *o.Order
	refund.Sender = id256.FromEvmAddress(o.Order.Recipient, o.Order.RecipientChainID)
	refund.Recipient = o.Order.Recipient
	refund.ApproveSpender = common.Address{}
	refund.ApproveAmount = uint256.NewInt(0)
	refund.Nonce = o.Order.Nonce

	next := *o
	next.RefundOrder = &refund
	next.Stage = StageIcrcRefundSign
	return &next
}

// ApplyRefundConfirmed is the refund path's terminal transition.
func (o *IcrcOperation) ApplyRefundConfirmed() *IcrcOperation {
	next := *o
	next.Stage = StageIcrcRefunded
	return &next
}
