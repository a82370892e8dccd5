package ops

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nexusbridge/bridge-core/mintorder"
	"github.com/nexusbridge/bridge-core/opstore"
	"github.com/nexusbridge/bridge-core/scheduler"
	"github.com/nexusbridge/bridge-core/services"
)

// Side distinguishes the two EVM endpoints of an ERC-20<->ERC-20 bridge.
type Side byte

const (
	SideBase Side = iota
	SideWrapped
)

func (s Side) String() string {
	if s == SideBase {
		return "base"
	}
	return "wrapped"
}

// Erc20Stage enumerates an ERC-20<->ERC-20 operation's stages.
type Erc20Stage byte

const (
	StageSignMintOrder Erc20Stage = iota
	StageSendMintTransaction
	StageWaitForMintConfirm
	StageTokenMintConfirmed
)

// Erc20Erc20Operation is one {Base, Wrapped} x {...} stage value, stored
// directly in the opstore.
type Erc20Erc20Operation struct {
	Side   Side
	Stage  Erc20Stage
	Order  *mintorder.MintOrder
	Signed *mintorder.SignedMintOrder
	TxHash common.Hash
	Results []MintResult

	ConfirmedAmount     *mintorder.MintOrder // snapshot copy of the order that minted, for status reporting
	ConfirmedChargedFee string
}

// NewErc20Erc20SignOrder starts a new operation at the SignMintOrder stage.
func NewErc20Erc20SignOrder(side Side, order *mintorder.MintOrder) *Erc20Erc20Operation {
	return &Erc20Erc20Operation{Side: side, Stage: StageSignMintOrder, Order: order}
}

func (o *Erc20Erc20Operation) IsComplete() bool {
	return o.Stage == StageTokenMintConfirmed
}

func (o *Erc20Erc20Operation) EvmWalletAddress() common.Address {
	if o.Order == nil {
		return common.Address{}
	}
	return o.Order.Recipient
}

// SchedulingOptions drives SignMintOrder/SendMintTransaction automatically;
// WaitForMintConfirm only advances when the Event Collector dispatches a
// Mint event — it does not progress by itself.
func (o *Erc20Erc20Operation) SchedulingOptions() (scheduler.TaskOptions, bool) {
	switch o.Stage {
	case StageSignMintOrder, StageSendMintTransaction:
		return scheduler.TaskOptions{
			Retry:   scheduler.InfiniteRetry(),
			Backoff: scheduler.ExponentialBackoff(2, 1.5),
		}, true
	default:
		return scheduler.TaskOptions{}, false
	}
}

// NextStageAfterSign selects the stage to move to once an order has been
// signed: SendMintTransaction normally, or WaitForMintConfirm directly when
// fee_payer is the zero address, since the recipient then submits the mint
// transaction themselves.
func NextStageAfterSign(order *mintorder.MintOrder) Erc20Stage {
	if order.FeePayer == (common.Address{}) {
		return StageWaitForMintConfirm
	}
	return StageSendMintTransaction
}

// Progress advances a scheduler-driven stage by delegating to the relevant
// service; the stage transition itself happens when the service's callback
// fires (services.SigningCallback / services.SubmissionCallback), not here.
func (o *Erc20Erc20Operation) Progress(ctx context.Context, id opstore.OpId, signer *services.SignMintOrders, sender *services.SendMintTransaction) Progress {
	switch o.Stage {
	case StageSignMintOrder:
		signer.PushOperation(id, o.Order)
		return DeferTo(services.IDSignMintOrders)
	case StageSendMintTransaction:
		sender.PushOperation(id, uint64(o.Order.RecipientChainID), o.Signed)
		return DeferTo(services.IDSendMintTransaction)
	default:
		return Advance(o)
	}
}

// ApplyMintConfirmed transitions a WaitForMintConfirm operation to the
// terminal TokenMintConfirmed stage on a matching Mint event.
func (o *Erc20Erc20Operation) ApplyMintConfirmed(chargedFee string) *Erc20Erc20Operation {
	next := *o
	next.Stage = StageTokenMintConfirmed
	if o.Order != nil {
		snapshot := *o.Order
		next.ConfirmedAmount = &snapshot
	}
	next.ConfirmedChargedFee = chargedFee
	return &next
}

// ApplyReverted records a reverted mint attempt and moves the operation back
// to SendMintTransaction so it is retried with a fresh nonce and gas price,
// through the same service rather than a bespoke retry path.
func (o *Erc20Erc20Operation) ApplyReverted() *Erc20Erc20Operation {
	next := *o
	next.Results = append(append([]MintResult{}, o.Results...), MintResult{TxHash: o.TxHash, Reverted: true})
	next.Stage = StageSendMintTransaction
	return &next
}
